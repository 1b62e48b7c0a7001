package segment

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/strata-db/strata/internal/fsx"
	"golang.org/x/sys/unix"
)

// dataSource addresses one Chunk's byte section within the shared .seg
// file, independent of whether that section is backed by an mmap or a
// plain file handle.
type dataSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// memSource is a dataSource over an in-memory byte slice, used right
// after Freeze builds a chunk's bytes (before anything has been written
// to disk) so the freshly-frozen Segment is immediately queryable without
// a round trip through the filesystem.
type memSource []byte

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, fmt.Errorf("segment: read at %d out of range [0,%d)", off, len(m))
	}

	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

func (m memSource) Close() error { return nil }

// mmapSource memory-maps a chunk's byte range out of a shared .seg file,
// used when the whole file is small enough (spec.md §4.4's ~400 MiB
// default threshold) that mapping it is worthwhile.
type mmapSource struct {
	base   mmap.MMap
	offset int64
	length int64
}

// newMmapSource maps the whole underlying file (offset 0 through
// offset+length) and hands back a view scoped to [offset, offset+length) -
// the .seg file holds three chunks concatenated, so every chunk maps the
// same file and slices out its own section.
//
// f.Fd() is re-wrapped as an *os.File because mmap-go's API is defined in
// terms of *os.File, not the fsx.File interface; this does not take a
// second ownership of the descriptor; osFile is never Closed, only used
// transiently to issue the mmap syscall.
func newMmapSource(f fsx.File, offset, length int64) (*mmapSource, error) {
	osFile := os.NewFile(f.Fd(), "segment-mmap")
	if osFile == nil {
		return nil, fmt.Errorf("segment: could not wrap fd for mmap")
	}

	// osFile borrows f's descriptor rather than owning it (f is owned and
	// Closed by the caller); per mmap(2), the descriptor can be closed
	// immediately after mmap() without invalidating the mapping, but
	// os.File's GC finalizer would otherwise close it out from under f at
	// an arbitrary later point. Disarm that finalizer since osFile never
	// calls Close itself.
	runtime.SetFinalizer(osFile, nil)

	total := int(offset + length)

	m, err := mmap.MapRegion(osFile, total, mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap: %w", err)
	}

	return &mmapSource{base: m, offset: offset, length: length}, nil
}

func (m *mmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.length {
		return 0, fmt.Errorf("segment: read at %d out of range [0,%d)", off, m.length)
	}

	n := copy(p, m.base[m.offset+off:m.offset+m.length])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

func (m *mmapSource) Close() error { return m.base.Unmap() }

// fileSource reads a chunk's byte range through ordinary Seek+Read calls,
// the fallback for frozen data too large to map (spec.md §4.4/§9: "above
// [the threshold], through a file channel with an advisory file lock on
// the target region"). flock'd for the lifetime of the Segment so a
// concurrent compaction elsewhere in the process cannot truncate the file
// out from under an in-flight read.
type fileSource struct {
	mu     sync.Mutex
	file   fsx.File
	offset int64
	length int64
}

func newFileSource(f fsx.File, offset, length int64) (*fileSource, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("segment: advisory flock: %w", err)
	}

	return &fileSource{file: f, offset: offset, length: length}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off < 0 || off > s.length {
		return 0, fmt.Errorf("segment: read at %d out of range [0,%d)", off, s.length)
	}

	if _, err := s.file.Seek(s.offset+off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("segment: seek: %w", err)
	}

	n, err := io.ReadFull(s.file, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, fmt.Errorf("segment: read: %w", err)
	}

	return n, err
}

func (s *fileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	return s.file.Close()
}
