// Package segment implements the immutable on-disk Segment / Chunk store
// (spec.md §4.4): Buffer pages are drained into Segments, each holding
// three sorted, Bloom-filtered, manifest-indexed Chunks (Table, Index,
// Corpus) frozen once and read many times thereafter.
package segment

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/revision"
)

// ErrMalformedSegment is returned (and logged, never fatal) when a
// Segment directory entry is missing one of its four companion files.
var ErrMalformedSegment = errors.New("segment: malformed segment, missing companion file")

const (
	segExt  = ".seg"
	mfstExt = ".mfst"
	fltrExt = ".fltr"
	sttsExt = ".stts"
)

// tocSections is the fixed section order every companion file shares:
// Table, Index, Corpus.
var tocSections = [3]revision.Shape{revision.ShapeTable, revision.ShapeIndex, revision.ShapeCorpus}

// Segment is an immutable on-disk unit of indexed truth, produced by
// draining a Buffer page. MinVersion orders Segments chronologically.
type Segment struct {
	ID         string
	Table      *Chunk
	Index      *Chunk
	Corpus     *Chunk
	MinVersion uint64
	MaxVersion uint64
	Checksum   [32]byte
}

// chunkFor returns the Segment's Chunk for the given shape.
func (s *Segment) chunkFor(shape revision.Shape) *Chunk {
	switch shape {
	case revision.ShapeTable:
		return s.Table
	case revision.ShapeIndex:
		return s.Index
	case revision.ShapeCorpus:
		return s.Corpus
	default:
		panic(fmt.Sprintf("segment: unknown shape %v", shape))
	}
}

// NewMutableSegment returns a fresh Segment with three empty mutable
// Chunks, ready to accept a drained page's Revisions before being frozen.
func NewMutableSegment(id string) *Segment {
	return &Segment{
		ID:     id,
		Table:  NewChunk(revision.ShapeTable),
		Index:  NewChunk(revision.ShapeIndex),
		Corpus: NewChunk(revision.ShapeCorpus),
	}
}

// Insert routes rev to the correct Chunk by its inferred shape and tracks
// the Segment's version span.
func (s *Segment) Insert(rev revision.Revision) {
	s.chunkFor(revision.ShapeOf(rev)).Insert(rev)

	if s.MinVersion == 0 || rev.Version < s.MinVersion {
		s.MinVersion = rev.Version
	}
	if rev.Version > s.MaxVersion {
		s.MaxVersion = rev.Version
	}
}

// Freeze writes the Segment's four companion files under dir and drops
// all three Chunks' in-memory state, per spec.md §4.4's freeze
// transition. Companion files share one TOC layout: a 3x[8-byte length]
// header (Table, Index, Corpus) followed by each section's concatenated
// bytes - this is how one .seg file holds "table + index + corpus
// concatenated" per spec.md §6.
func (s *Segment) Freeze(fs fsx.FS, dir string) error {
	var segSections, mfstSections, fltrSections, sttsSections [3][]byte

	for i, shape := range tocSections {
		data, manifest, filter, stats, err := s.chunkFor(shape).Freeze()
		if err != nil {
			return fmt.Errorf("segment: freeze %s chunk: %w", shape, err)
		}

		segSections[i] = data
		mfstSections[i] = manifest
		fltrSections[i] = filter
		sttsSections[i] = stats
	}

	s.Checksum = sha256.Sum256(concatWithTOC(segSections))

	writer := fsx.NewAtomicWriter(fs)

	files := map[string][3][]byte{
		filepath.Join(dir, s.ID+segExt):  segSections,
		filepath.Join(dir, s.ID+mfstExt): mfstSections,
		filepath.Join(dir, s.ID+fltrExt): fltrSections,
		filepath.Join(dir, s.ID+sttsExt): sttsSections,
	}

	for path, sections := range files {
		buf := concatWithTOC(sections)
		if err := writer.WriteWithDefaults(path, byteReader(buf)); err != nil {
			return fmt.Errorf("segment: write %q: %w", path, err)
		}
	}

	return nil
}

// Close releases every Chunk's frozen backing resource.
func (s *Segment) Close() error {
	return errors.Join(s.Table.Close(), s.Index.Close(), s.Corpus.Close())
}

// concatWithTOC lays out sections as [3x uint64 length][section 0][section
// 1][section 2].
func concatWithTOC(sections [3][]byte) []byte {
	var header [24]byte
	for i, sec := range sections {
		binary.BigEndian.PutUint64(header[i*8:i*8+8], uint64(len(sec)))
	}

	buf := make([]byte, 0, 24+len(sections[0])+len(sections[1])+len(sections[2]))
	buf = append(buf, header[:]...)
	for _, sec := range sections {
		buf = append(buf, sec...)
	}

	return buf
}

// mmapThresholdDefault is spec.md §4.4/§9's "~400 MiB" default, tunable via
// Store.Options.MmapThreshold.
const mmapThresholdDefault = 400 << 20

// loadSegment opens id's four companion files under dir. A missing file
// yields ErrMalformedSegment (the caller logs and skips, never loads).
func loadSegment(fs fsx.FS, dir, id string, mmapThreshold int64) (*Segment, error) {
	segPath := filepath.Join(dir, id+segExt)
	mfstPath := filepath.Join(dir, id+mfstExt)
	fltrPath := filepath.Join(dir, id+fltrExt)
	sttsPath := filepath.Join(dir, id+sttsExt)

	for _, p := range []string{segPath, mfstPath, fltrPath, sttsPath} {
		exists, err := fs.Exists(p)
		if err != nil {
			return nil, fmt.Errorf("segment: stat %q: %w", p, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s missing %s", ErrMalformedSegment, id, filepath.Base(p))
		}
	}

	mfstRaw, err := fs.ReadFile(mfstPath)
	if err != nil {
		return nil, fmt.Errorf("segment: read %q: %w", mfstPath, err)
	}
	fltrRaw, err := fs.ReadFile(fltrPath)
	if err != nil {
		return nil, fmt.Errorf("segment: read %q: %w", fltrPath, err)
	}
	sttsRaw, err := fs.ReadFile(sttsPath)
	if err != nil {
		return nil, fmt.Errorf("segment: read %q: %w", sttsPath, err)
	}

	mfstSections, err := splitSections(mfstRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad manifest TOC: %v", ErrMalformedSegment, id, err)
	}
	fltrSections, err := splitSections(fltrRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad filter TOC: %v", ErrMalformedSegment, id, err)
	}
	sttsSections, err := splitSections(sttsRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad stats TOC: %v", ErrMalformedSegment, id, err)
	}

	segFile, err := fs.Open(segPath)
	if err != nil {
		return nil, fmt.Errorf("segment: open %q: %w", segPath, err)
	}

	segHeader := make([]byte, 24)
	if _, err := io.ReadFull(segFile, segHeader); err != nil {
		_ = segFile.Close()
		return nil, fmt.Errorf("%w: %s: bad seg TOC: %v", ErrMalformedSegment, id, err)
	}

	segLens := [3]int64{}
	for i := range segLens {
		segLens[i] = int64(binary.BigEndian.Uint64(segHeader[i*8 : i*8+8]))
	}

	info, err := segFile.Stat()
	if err != nil {
		_ = segFile.Close()
		return nil, fmt.Errorf("segment: stat %q: %w", segPath, err)
	}

	seg := &Segment{ID: id}
	checksumInput := make([]byte, 0, info.Size())
	checksumInput = append(checksumInput, segHeader...)

	useMmap := info.Size() <= mmapThreshold

	offset := int64(24)

	for i, shape := range tocSections {
		length := segLens[i]

		sectionBytes := make([]byte, length)
		if _, err := io.ReadFull(segFile, sectionBytes); err != nil && length > 0 {
			_ = segFile.Close()
			return nil, fmt.Errorf("segment: read %s section: %w", shape, err)
		}
		checksumInput = append(checksumInput, sectionBytes...)

		// Each chunk gets its own dataSource. For the mmap path that
		// means its own independent mapping over the shared fd (safe to
		// create several, and the kernel keeps each mapping alive after
		// the fd used to create it is closed); for the file-backed
		// fallback it means its own *os.File and flock, since fileSource
		// is not safe to share across Chunks that may Close
		// independently.
		var src dataSource
		if useMmap {
			src, err = newMmapSource(segFile, offset, length)
		} else {
			chunkFile, openErr := fs.Open(segPath)
			if openErr != nil {
				_ = segFile.Close()
				return nil, fmt.Errorf("segment: open %s section file: %w", shape, openErr)
			}
			src, err = newFileSource(chunkFile, offset, length)
		}
		if err != nil {
			_ = segFile.Close()
			return nil, fmt.Errorf("segment: open %s data source: %w", shape, err)
		}

		chunk, err := LoadChunk(shape, src, mfstSections[i], fltrSections[i], sttsSections[i])
		if err != nil {
			_ = src.Close()
			_ = segFile.Close()
			return nil, fmt.Errorf("segment: load %s chunk: %w", shape, err)
		}

		switch shape {
		case revision.ShapeTable:
			seg.Table = chunk
		case revision.ShapeIndex:
			seg.Index = chunk
		case revision.ShapeCorpus:
			seg.Corpus = chunk
		}

		if chunk.Stats().MinVersion != 0 && (seg.MinVersion == 0 || chunk.Stats().MinVersion < seg.MinVersion) {
			seg.MinVersion = chunk.Stats().MinVersion
		}
		if chunk.Stats().MaxVersion > seg.MaxVersion {
			seg.MaxVersion = chunk.Stats().MaxVersion
		}

		offset += length
	}

	if err := segFile.Close(); err != nil {
		return nil, fmt.Errorf("segment: close %q: %w", segPath, err)
	}

	seg.Checksum = sha256.Sum256(checksumInput)

	return seg, nil
}

func splitSections(buf []byte) ([3][]byte, error) {
	var out [3][]byte

	if len(buf) < 24 {
		return out, fmt.Errorf("truncated TOC header (%d bytes)", len(buf))
	}

	var lens [3]int64
	for i := range lens {
		lens[i] = int64(binary.BigEndian.Uint64(buf[i*8 : i*8+8]))
	}

	offset := int64(24)
	for i, l := range lens {
		if offset+l > int64(len(buf)) {
			return out, fmt.Errorf("section %d overruns buffer", i)
		}
		out[i] = buf[offset : offset+l]
		offset += l
	}

	return out, nil
}

type byteReaderType struct {
	b []byte
	i int
}

func byteReader(b []byte) *byteReaderType { return &byteReaderType{b: b} }

func (r *byteReaderType) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
