// Package buffer implements the durable, append-only write-ahead page log
// that is the fastest write path into the store: every accepted Write
// lands here before it is observable, and the background transporter
// later drains pages into the Segment store.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/inventory"
	"github.com/strata-db/strata/internal/revision"
	"go.uber.org/zap"
)

// ErrCapacity is returned by Append when the configured upper bound of
// undrained pages is exceeded. This is a back-pressure signal, not a bug:
// callers should wait for the transporter to catch up and retry.
var ErrCapacity = errors.New("buffer: capacity exceeded")

// DefaultPageSize matches spec.md §4.3's "typical 8 MiB" page capacity.
const DefaultPageSize = 8 << 20

// DefaultMaxUndrainedPages bounds how many pages may accumulate before
// writers start observing ErrCapacity.
const DefaultMaxUndrainedPages = 64

// Options configures a Buffer.
type Options struct {
	PageSize          int64
	MaxUndrainedPages int
	// SyncEveryAppend requests an fsync after every single Append; when
	// false (the default once Engine group-commits a Transaction batch)
	// the caller is responsible for calling Sync explicitly.
	SyncEveryAppend bool
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxUndrainedPages <= 0 {
		o.MaxUndrainedPages = DefaultMaxUndrainedPages
	}
	return o
}

// SegmentSink receives the Revisions carried by one drained page. It must
// be idempotent: spec.md §4.3 requires a partially-drained page to be
// safely redriven in full after a crash.
type SegmentSink interface {
	Accept(revisions []revision.Revision) error
}

// Buffer owns an ordered sequence of on-disk pages plus the in-memory
// tail, and mints the monotonic version stamped onto every Write it
// accepts.
type Buffer struct {
	fs  fsx.FS
	dir string
	opt Options
	log *zap.SugaredLogger

	inv *inventory.Inventory

	mu      sync.Mutex
	pages   []*page
	nextSeq int64

	version atomic.Uint64
}

// Open scans dir for existing page files, replays each to find its write
// cursor, and seeds the monotonic version counter from the max version
// observed across all recovered records (spec.md §3's "restart preserves
// monotonicity by seeding from the max version seen on disk").
func Open(fs fsx.FS, dir string, inv *inventory.Inventory, opts Options, log *zap.SugaredLogger) (*Buffer, error) {
	opts = opts.withDefaults()

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: mkdir %q: %w", dir, err)
	}

	seqs, err := listPageFiles(fs, dir)
	if err != nil {
		return nil, err
	}

	b := &Buffer{fs: fs, dir: dir, opt: opts, log: log, inv: inv}

	var maxVersion uint64

	for _, seq := range seqs {
		p, body, err := openExistingPage(fs, pagePath(dir, seq), seq, opts.PageSize)
		if err != nil {
			return nil, err
		}

		scanRecords(body, func(payload []byte) {
			rev, _, decErr := revision.Decode(payload)
			if decErr != nil {
				log.Warnw("buffer: discarding malformed record during recovery", "page", p.path, "error", decErr)
				return
			}

			if rev.Version > maxVersion {
				maxVersion = rev.Version
			}
		})

		b.pages = append(b.pages, p)

		if seq >= b.nextSeq {
			b.nextSeq = seq + 1
		}
	}

	b.version.Store(maxVersion)

	if len(b.pages) == 0 {
		p, err := createPage(fs, dir, b.nextSeq, opts.PageSize)
		if err != nil {
			return nil, err
		}

		b.pages = append(b.pages, p)
		b.nextSeq++
	}

	return b, nil
}

// NextVersion mints a new strictly-monotonic version without appending a
// record.
func (b *Buffer) NextVersion() uint64 {
	return b.version.Add(1)
}

// Append stamps rev with a freshly minted version, appends it to the tail
// page (rotating to a new page first if needed), updates the inventory,
// and returns the stamped version.
//
// Record ids are extracted from rev by the caller's chunk-shape
// convention; Append itself is shape-agnostic and simply persists
// whatever Locator/Key/Val the revision carries, along with updating the
// Inventory with the recordID argument.
func (b *Buffer) Append(rev revision.Revision, recordID int64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rev.Version = b.version.Add(1)

	payload := revision.Encode(nil, rev)

	tail := b.pages[len(b.pages)-1]

	if tail.remaining() < int64(pageRecordHeaderSize+len(payload)) {
		rotated, err := b.rotateLocked()
		if err != nil {
			return 0, err
		}
		tail = rotated
	}

	if err := tail.append(payload); err != nil {
		return 0, err
	}

	if b.opt.SyncEveryAppend {
		if err := tail.sync(); err != nil {
			return 0, err
		}
	}

	b.inv.Add(recordID)

	return rev.Version, nil
}

// Sync fsyncs the tail page. Used by the Engine to group-commit a batch of
// Appends (an AtomicOperation or Transaction commit) with a single fsync.
func (b *Buffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pages) == 0 {
		return nil
	}

	return b.pages[len(b.pages)-1].sync()
}

func (b *Buffer) rotateLocked() (*page, error) {
	if len(b.pages) >= b.opt.MaxUndrainedPages {
		return nil, ErrCapacity
	}

	p, err := createPage(b.fs, b.dir, b.nextSeq, b.opt.PageSize)
	if err != nil {
		return nil, err
	}

	b.nextSeq++
	b.pages = append(b.pages, p)

	return p, nil
}

// Close releases every open page file handle. It does not delete any
// page: undrained pages remain on disk and are recovered by the next
// Open.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error

	for _, p := range b.pages {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// PageCount reports how many undrained pages currently exist.
func (b *Buffer) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pages)
}

// Live decodes and returns every Revision currently held across all
// undrained pages, oldest page first. This is the Buffer's "serves reads
// as overlay" role from spec.md §2: a present-time read merges Live with
// the Segment store's frozen Chunks before folding presence, so a write
// is observable the instant its Append returns even though the
// transporter has not yet drained its page.
func (b *Buffer) Live() ([]revision.Revision, error) {
	b.mu.Lock()
	pages := make([]*page, len(b.pages))
	copy(pages, b.pages)
	b.mu.Unlock()

	var out []revision.Revision

	for _, p := range pages {
		revs, err := readPageRevisions(p)
		if err != nil {
			return nil, fmt.Errorf("buffer: live read page %q: %w", p.path, err)
		}
		out = append(out, revs...)
	}

	return out, nil
}

// Drain removes the oldest page, decodes its Writes into Revisions, hands
// them to sink in one batch, and deletes the page file on success.
//
// Per spec.md §4.3: transport is atomic per page (either the whole page's
// revisions are handed to sink and the page is deleted, or neither
// happens and the page is redriven in full on the next call / after a
// restart). The last remaining page is never drained — the Buffer always
// keeps at least one (possibly empty) tail page as the active write
// target, matching "the oldest page is the drain target" read together
// with "a Buffer is the ordered sequence of pages" implying an active tail.
func (b *Buffer) Drain(sink SegmentSink) (bool, error) {
	b.mu.Lock()

	if len(b.pages) <= 1 {
		b.mu.Unlock()
		return false, nil
	}

	oldest := b.pages[0]
	b.mu.Unlock()

	revisions, err := readPageRevisions(oldest)
	if err != nil {
		return false, fmt.Errorf("buffer: decode page %q: %w", oldest.path, err)
	}

	if err := sink.Accept(revisions); err != nil {
		return false, fmt.Errorf("buffer: transport page %q: %w", oldest.path, err)
	}

	if err := oldest.remove(); err != nil {
		return false, err
	}

	b.mu.Lock()
	b.pages = b.pages[1:]
	b.mu.Unlock()

	return true, nil
}

func readPageRevisions(p *page) ([]revision.Revision, error) {
	var revisions []revision.Revision

	buf := make([]byte, p.cursor)

	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("buffer: seek page %q: %w", p.path, err)
	}

	if _, err := io.ReadFull(p.file, buf); err != nil {
		return nil, fmt.Errorf("buffer: read page %q: %w", p.path, err)
	}

	scanRecords(buf, func(payload []byte) {
		rev, _, decErr := revision.Decode(payload)
		if decErr != nil {
			return
		}
		revisions = append(revisions, rev)
	})

	return revisions, nil
}
