package fsx

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
)

// ChaosConfig controls fault injection probabilities for [Chaos].
//
// Each rate is a float64 from 0.0 (never) to 1.0 (always). The zero value
// disables all fault injection.
type ChaosConfig struct {
	// WriteFailRate controls how often File.Write fails entirely before any
	// bytes are written.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes only a random
	// prefix of p before returning io.ErrShortWrite, simulating a crash
	// mid-append to a buffer page or segment file.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync fails, simulating an fsync
	// that never made it to the platter (EIO) or a full filesystem
	// (ENOSPC) discovered only at fsync time.
	SyncFailRate float64

	// RenameFailRate controls how often FS.Rename fails, exercising the
	// atomic-write and segment-freeze retry/rollback paths.
	RenameFailRate float64

	// CloseFailRate controls how often File.Close reports an error. The
	// underlying descriptor is always closed regardless, to avoid leaking
	// file descriptors across chaos-injected test runs.
	CloseFailRate float64
}

// Chaos wraps an [FS] and injects faults according to [ChaosConfig],
// exercising the engine's crash-recovery paths (truncated buffer pages,
// transaction backup replay, segment freeze rollback) without an actual
// process crash.
//
// A new Chaos starts in active mode. Use [Chaos.Disable] to pass every
// operation straight through, typically to perform test setup before
// arming fault injection with [Chaos.Enable].
type Chaos struct {
	fs   FS
	rng  *rand.Rand
	mu   sync.Mutex
	cfg  ChaosConfig
	off  atomic.Bool
	seen ChaosStats
}

// ChaosStats counts faults actually injected, for test assertions that a
// crash-recovery path was genuinely exercised rather than skipped.
type ChaosStats struct {
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	RenameFails   int64
	CloseFails    int64
}

// NewChaos wraps fs with fault injection seeded by seed. A fixed seed makes
// failures reproducible across test runs.
func NewChaos(fs FS, cfg ChaosConfig, seed uint64) *Chaos {
	return &Chaos{
		fs:  fs,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		cfg: cfg,
	}
}

// Disable suspends fault injection; operations pass straight through.
func (c *Chaos) Disable() { c.off.Store(true) }

// Enable resumes fault injection after [Chaos.Disable].
func (c *Chaos) Enable() { c.off.Store(false) }

// Stats returns a snapshot of faults injected so far.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		WriteFails:    atomic.LoadInt64(&c.seen.WriteFails),
		PartialWrites: atomic.LoadInt64(&c.seen.PartialWrites),
		SyncFails:     atomic.LoadInt64(&c.seen.SyncFails),
		RenameFails:   atomic.LoadInt64(&c.seen.RenameFails),
		CloseFails:    atomic.LoadInt64(&c.seen.CloseFails),
	}
}

func (c *Chaos) roll(rate float64) bool {
	if c.off.Load() || rate <= 0 {
		return false
	}

	c.mu.Lock()
	hit := c.rng.Float64() < rate
	c.mu.Unlock()

	return hit
}

func (c *Chaos) Open(path string) (File, error) { return c.wrapOpen(c.fs.Open(path)) }

func (c *Chaos) Create(path string) (File, error) { return c.wrapOpen(c.fs.Create(path)) }

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.wrapOpen(c.fs.OpenFile(path, flag, perm))
}

func (c *Chaos) wrapOpen(f File, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, chaos: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

func (c *Chaos) Remove(path string) error { return c.fs.Remove(path) }

func (c *Chaos) RemoveAll(path string) error { return c.fs.RemoveAll(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		atomic.AddInt64(&c.seen.RenameFails, 1)
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrPermission}
	}

	return c.fs.Rename(oldpath, newpath)
}

var _ FS = (*Chaos)(nil)

// chaosFile wraps an open [File], injecting write/sync/close faults.
type chaosFile struct {
	File
	chaos *Chaos
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.chaos.roll(f.chaos.cfg.WriteFailRate) {
		atomic.AddInt64(&f.chaos.seen.WriteFails, 1)
		return 0, fmt.Errorf("fsx: chaos write fail: %w", os.ErrClosed)
	}

	if f.chaos.roll(f.chaos.cfg.PartialWriteRate) && len(p) > 1 {
		atomic.AddInt64(&f.chaos.seen.PartialWrites, 1)

		f.chaos.mu.Lock()
		n := 1 + f.chaos.rng.IntN(len(p)-1)
		f.chaos.mu.Unlock()

		written, err := f.File.Write(p[:n])
		if err != nil {
			return written, err
		}

		return written, io.ErrShortWrite
	}

	return f.File.Write(p)
}

func (f *chaosFile) Sync() error {
	if f.chaos.roll(f.chaos.cfg.SyncFailRate) {
		atomic.AddInt64(&f.chaos.seen.SyncFails, 1)
		return fmt.Errorf("fsx: chaos sync fail: %w", os.ErrInvalid)
	}

	return f.File.Sync()
}

func (f *chaosFile) Close() error {
	closeErr := f.File.Close()

	if f.chaos.roll(f.chaos.cfg.CloseFailRate) {
		atomic.AddInt64(&f.chaos.seen.CloseFails, 1)
		return fmt.Errorf("fsx: chaos close fail: %w", os.ErrInvalid)
	}

	return closeErr
}

var _ File = (*chaosFile)(nil)
