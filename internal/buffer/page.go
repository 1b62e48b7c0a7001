package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/strata-db/strata/internal/fsx"
)

// pageRecordHeaderSize is the length of a page record's length prefix:
// [u32 byte_length] per spec.md §6's Page format.
const pageRecordHeaderSize = 4

// pageSuffix names a Buffer page file per spec.md §6's on-disk layout
// (<nnn>.buf, ordered by name).
const pageSuffix = ".buf"

// page is one fixed-capacity, append-only file holding serialized Writes
// back to back, preallocated to capacity so the unused tail reads as
// zeroes per spec.md §6.
type page struct {
	fs       fsx.FS
	file     fsx.File
	path     string
	seq      int64
	cursor   int64
	capacity int64
}

func pagePath(dir string, seq int64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d%s", seq, pageSuffix))
}

// createPage creates a new, empty page file preallocated to capacity.
func createPage(fs fsx.FS, dir string, seq, capacity int64) (*page, error) {
	path := pagePath(dir, seq)

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: create page %q: %w", path, err)
	}

	if err := f.Truncate(capacity); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: preallocate page %q: %w", path, err)
	}

	return &page{fs: fs, file: f, path: path, seq: seq, capacity: capacity}, nil
}

// openExistingPage opens a previously-created page file and scans it to
// find the write cursor (the offset just past the last well-formed
// record), tolerating a truncated trailing record the way the teacher's
// WAL recovery tolerates a truncated commit footer.
func openExistingPage(fs fsx.FS, path string, seq, capacity int64) (*page, []byte, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("buffer: open page %q: %w", path, err)
	}

	body, err := io.ReadAll(io.NewSectionReader(asReaderAt(f), 0, capacity))
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("buffer: read page %q: %w", path, err)
	}

	cursor := scanRecords(body, nil)

	p := &page{fs: fs, file: f, path: path, seq: seq, cursor: cursor, capacity: capacity}

	return p, body[:cursor], nil
}

// asReaderAt adapts fsx.File (which is a Seeker, not a ReaderAt) to
// io.ReaderAt via Seek+Read, acceptable here since page recovery happens
// once at startup, not on the hot path.
func asReaderAt(f fsx.File) io.ReaderAt {
	return readerAtFunc(func(p []byte, off int64) (int, error) {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
		return f.Read(p)
	})
}

type readerAtFunc func(p []byte, off int64) (int, error)

func (fn readerAtFunc) ReadAt(p []byte, off int64) (int, error) { return fn(p, off) }

// scanRecords walks length-prefixed records in body starting at offset 0,
// invoking fn (if non-nil) for each well-formed record's payload, and
// returns the offset just past the last well-formed record. A record
// whose declared length runs past the remaining bytes, or whose length
// prefix is zero (the zeroed unused tail), ends the scan.
func scanRecords(body []byte, fn func(payload []byte)) int64 {
	offset := 0

	for offset+pageRecordHeaderSize <= len(body) {
		length := binary.BigEndian.Uint32(body[offset : offset+pageRecordHeaderSize])
		if length == 0 {
			break
		}

		start := offset + pageRecordHeaderSize
		end := start + int(length)

		if end > len(body) {
			break
		}

		if fn != nil {
			fn(body[start:end])
		}

		offset = end
	}

	return int64(offset)
}

// remaining reports how many bytes are left before the page reaches
// capacity.
func (p *page) remaining() int64 {
	return p.capacity - p.cursor
}

// append writes one length-prefixed record at the current cursor and
// advances it. Callers must have already checked remaining() >=
// len(payload)+pageRecordHeaderSize.
func (p *page) append(payload []byte) error {
	var header [pageRecordHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := p.file.Seek(p.cursor, io.SeekStart); err != nil {
		return fmt.Errorf("buffer: seek page %q: %w", p.path, err)
	}

	if _, err := p.file.Write(header[:]); err != nil {
		return fmt.Errorf("buffer: write record header %q: %w", p.path, err)
	}

	if _, err := p.file.Write(payload); err != nil {
		return fmt.Errorf("buffer: write record payload %q: %w", p.path, err)
	}

	p.cursor += int64(pageRecordHeaderSize + len(payload))

	return nil
}

// sync commits the page's writes to disk.
func (p *page) sync() error {
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("buffer: fsync page %q: %w", p.path, err)
	}
	return nil
}

// close releases the page's file handle without removing it.
func (p *page) close() error {
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("buffer: close page %q: %w", p.path, err)
	}
	return nil
}

// remove closes and deletes the page's backing file, used once a page has
// been durably drained into a Segment.
func (p *page) remove() error {
	_ = p.file.Close()

	if err := p.fs.Remove(p.path); err != nil {
		return fmt.Errorf("buffer: remove page %q: %w", p.path, err)
	}

	return nil
}

// listPageFiles returns the sequence numbers of every page file under dir,
// sorted ascending (oldest first, matching the filename ordering spec.md
// §6 requires).
func listPageFiles(fs fsx.FS, dir string) ([]int64, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("buffer: list page dir %q: %w", dir, err)
	}

	var seqs []int64

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pageSuffix) {
			continue
		}

		base := strings.TrimSuffix(e.Name(), pageSuffix)

		seq, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}

		seqs = append(seqs, seq)
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	return seqs, nil
}
