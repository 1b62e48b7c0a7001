package inventory

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/strata-db/strata/internal/fsx"
)

const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// ErrCorruptLog is returned by Load when reading a record's length prefix
// fails for a reason other than the end of the log. A trailing partial
// record (cut off in its prefix or its payload) is not an error: Load
// discards it and keeps the records read before it.
var ErrCorruptLog = errors.New("inventory: corrupt append log")

// Store persists an Inventory to <buffer_dir>/<env>/meta/inventory as an
// append log of length-prefixed 8-byte record ids, one per Add. No bitmap
// snapshot is written or read: Load rebuilds the Inventory by replaying
// the whole log in order.
type Store struct {
	fs     fsx.FS
	writer *fsx.AtomicWriter
	path   string

	appendFile fsx.File
}

// NewStore returns a Store rooted at path (the meta/inventory file).
func NewStore(fs fsx.FS, path string) *Store {
	return &Store{fs: fs, writer: fsx.NewAtomicWriter(fs), path: path}
}

// Load reads the append log at path (if present) and replays it into a
// fresh Inventory. A missing file yields an empty Inventory, not an
// error, matching the teacher's replay-on-open idiom for a store that may
// never have been written to yet.
func (s *Store) Load() (*Inventory, error) {
	inv := New()

	exists, err := s.fs.Exists(s.path)
	if err != nil {
		return nil, fmt.Errorf("inventory: stat %q: %w", s.path, err)
	}

	if !exists {
		return inv, nil
	}

	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("inventory: open %q: %w", s.path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for {
		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("%w: reading record length: %v", ErrCorruptLog, err)
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			// A truncated trailing record means a crash mid-append; the
			// prior records are kept and this one is discarded, per
			// spec.md §7's Corruption handling for the analogous Buffer
			// page case.
			break
		}

		record := int64(binary.BigEndian.Uint64(buf))
		inv.Add(record)
	}

	return inv, nil
}

// Append durably records that record was added to the Inventory, opening
// the append log for writing on first use and fsyncing after every write
// so a crash never loses an acknowledged Add.
func (s *Store) Append(record int64) error {
	if s.appendFile == nil {
		f, err := s.fs.OpenFile(s.path, osAppendFlags, 0o644)
		if err != nil {
			return fmt.Errorf("inventory: open append log %q: %w", s.path, err)
		}
		s.appendFile = f
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], 8)
	binary.BigEndian.PutUint64(buf[8:16], uint64(record))

	if _, err := s.appendFile.Write(buf[:]); err != nil {
		return fmt.Errorf("inventory: append record: %w", err)
	}

	if err := s.appendFile.Sync(); err != nil {
		return fmt.Errorf("inventory: fsync append log: %w", err)
	}

	return nil
}

// Close releases the append log file handle, if open.
func (s *Store) Close() error {
	if s.appendFile == nil {
		return nil
	}

	err := s.appendFile.Close()
	s.appendFile = nil

	return err
}
