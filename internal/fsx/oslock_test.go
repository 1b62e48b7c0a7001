package fsx

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func Test_OSLocker_Lock_Excludes_Second_Exclusive_Lock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	locker := NewOSLocker(NewReal())

	first, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer first.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second TryLock err=%v, want=%v", err, ErrWouldBlock)
	}
}

func Test_OSLocker_Lock_Released_By_Close_Allows_Reacquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	locker := NewOSLocker(NewReal())

	first, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	defer second.Close()
}

func Test_OSLocker_RLock_Allows_Multiple_Shared_Holders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.lock")
	locker := NewOSLocker(NewReal())

	a, err := locker.RLock(path)
	if err != nil {
		t.Fatalf("first RLock: %v", err)
	}
	defer a.Close()

	b, err := locker.TryRLock(path)
	if err != nil {
		t.Fatalf("second TryRLock: %v", err)
	}
	defer b.Close()
}

func Test_OSLocker_TryLock_Blocked_By_Shared_Lock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.lock")
	locker := NewOSLocker(NewReal())

	shared, err := locker.RLock(path)
	if err != nil {
		t.Fatalf("RLock: %v", err)
	}
	defer shared.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock err=%v, want=%v", err, ErrWouldBlock)
	}
}

func Test_OSLocker_LockWithTimeout_Rejects_NonPositive_Timeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	locker := NewOSLocker(NewReal())

	_, err := locker.LockWithTimeout(path, 0)
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("err=%v, want=%v", err, ErrInvalidTimeout)
	}
}

func Test_OSLocker_LockWithTimeout_Expires_When_Held(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	locker := NewOSLocker(NewReal())

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer held.Close()

	start := time.Now()

	_, err = locker.LockWithTimeout(path, 20*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err=%v, want=%v", err, ErrWouldBlock)
	}

	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned after %v, want >= 20ms", elapsed)
	}
}

func Test_OSLock_Close_Is_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	locker := NewOSLocker(NewReal())

	lk, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
