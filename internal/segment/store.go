package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/revision"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	// MmapThreshold is the frozen .seg file size, in bytes, below which a
	// Segment's Chunks are memory-mapped rather than read through a
	// flock'd *os.File. Zero uses mmapThresholdDefault.
	MmapThreshold int64
}

func (o Options) withDefaults() Options {
	if o.MmapThreshold <= 0 {
		o.MmapThreshold = mmapThresholdDefault
	}
	return o
}

// Store is the in-memory registry of every loaded Segment, ordered
// chronologically by MinVersion. It keeps no cross-Segment index: a read
// visits every Segment, and each Chunk's Bloom filter skips the ones that
// cannot hold a match.
//
// Store implements buffer.SegmentSink: the Buffer's transporter drains a
// page straight into Store.Accept, which builds and freezes one fresh
// Segment per drained batch.
type Store struct {
	fs  fsx.FS
	dir string
	opt Options
	log *zap.SugaredLogger

	mu       sync.RWMutex
	segments []*Segment
	nextSeq  int64
}

// Open scans dir for Segment files, loads each one (skipping malformed or
// duplicate segments per spec.md §4.4), and orders them chronologically.
func Open(fs fsx.FS, dir string, opts Options, log *zap.SugaredLogger) (*Store, error) {
	opts = opts.withDefaults()

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: mkdir %q: %w", dir, err)
	}

	s := &Store{fs: fs, dir: dir, opt: opts, log: log}

	ids, err := listSegmentIDs(fs, dir)
	if err != nil {
		return nil, err
	}

	seen := map[[32]byte]bool{}

	for _, id := range ids {
		seg, err := loadSegment(fs, dir, id, opts.MmapThreshold)
		if err != nil {
			log.Warnw("segment: skipping malformed segment", "id", id, "error", err)
			continue
		}

		if seen[seg.Checksum] {
			log.Infow("segment: dropping duplicate segment", "id", id)
			_ = seg.Close()
			continue
		}
		seen[seg.Checksum] = true

		s.segments = append(s.segments, seg)

		if n, numErr := strconv.ParseInt(strings.TrimPrefix(id, "seg-"), 10, 64); numErr == nil && n >= s.nextSeq {
			s.nextSeq = n + 1
		}
	}

	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].MinVersion < s.segments[j].MinVersion })

	return s, nil
}

// Accept implements buffer.SegmentSink: it builds one fresh Segment from
// revisions, freezes it to disk, and registers it, per spec.md §4.3's
// transport contract (this is "hands them to the Segment store" from the
// Buffer's Drain).
func (s *Store) Accept(revisions []revision.Revision) error {
	if len(revisions) == 0 {
		return nil
	}

	s.mu.Lock()
	id := fmt.Sprintf("seg-%012d", s.nextSeq)
	s.nextSeq++
	s.mu.Unlock()

	seg := NewMutableSegment(id)
	for _, rev := range revisions {
		seg.Insert(rev)
	}

	if err := seg.Freeze(s.fs, s.dir); err != nil {
		return fmt.Errorf("segment: freeze %s: %w", id, err)
	}

	reloaded, err := loadSegment(s.fs, s.dir, id, s.opt.MmapThreshold)
	if err != nil {
		return fmt.Errorf("segment: reload freshly-frozen %s: %w", id, err)
	}

	s.mu.Lock()
	s.segments = append(s.segments, reloaded)
	s.mu.Unlock()

	return nil
}

// Segments returns a snapshot of the currently-loaded Segments, oldest
// first.
func (s *Store) Segments() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// ScanLocator fans a locator lookup for the given shape out across every
// Segment, oldest first, concatenating results - callers fold the
// resulting stream with [Fold] to resolve ADD/REMOVE parity across
// Segment boundaries.
func (s *Store) ScanLocator(shape revision.Shape, locator codec.Value) ([]revision.Revision, error) {
	segments := s.Segments()

	var out []revision.Revision

	for _, seg := range segments {
		revs, err := chunkByShape(seg, shape).ScanLocator(locator)
		if err != nil {
			return nil, err
		}
		out = append(out, revs...)
	}

	return out, nil
}

// ScanAll fans ScanAll out across every loaded Segment for the given
// shape, used by full-chunk operations like rebuilding a search query's
// candidate token set.
func (s *Store) ScanAll(shape revision.Shape) ([]revision.Revision, error) {
	segments := s.Segments()

	var out []revision.Revision

	for _, seg := range segments {
		revs, err := chunkByShape(seg, shape).ScanAll()
		if err != nil {
			return nil, err
		}
		out = append(out, revs...)
	}

	return out, nil
}

// Close releases every loaded Segment's backing resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}

	return nil
}

func chunkByShape(seg *Segment, shape revision.Shape) *Chunk {
	return seg.chunkFor(shape)
}

func listSegmentIDs(fs fsx.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: list dir %q: %w", dir, err)
	}

	seen := map[string]bool{}
	var ids []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		ext := filepath.Ext(name)
		if ext != segExt {
			continue
		}

		id := strings.TrimSuffix(name, ext)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}
