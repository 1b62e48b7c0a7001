package fsx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_AtomicWriter_Write_Creates_File_With_Contents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.dat")
	w := NewAtomicWriter(NewReal())

	if err := w.WriteWithDefaults(path, strings.NewReader("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "payload" {
		t.Fatalf("contents=%q, want=%q", got, "payload")
	}
}

func Test_AtomicWriter_Write_Leaves_No_Temp_File_Behind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.dat")
	w := NewAtomicWriter(NewReal())

	if err := w.WriteWithDefaults(path, strings.NewReader("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if got, want := len(entries), 1; got != want {
		t.Fatalf("entries=%d, want=%d (leftover temp files: %v)", got, want, entries)
	}
}

func Test_AtomicWriter_Write_Overwrites_Existing_File_Atomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.dat")
	w := NewAtomicWriter(NewReal())

	if err := w.WriteWithDefaults(path, strings.NewReader("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}

	if err := w.WriteWithDefaults(path, strings.NewReader("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "second" {
		t.Fatalf("contents=%q, want=%q", got, "second")
	}
}

func Test_AtomicWriter_Write_Rejects_Empty_Path(t *testing.T) {
	w := NewAtomicWriter(NewReal())

	err := w.WriteWithDefaults("", strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected error for empty path, got nil")
	}
}

func Test_AtomicWriter_Write_Via_Chaos_Fails_On_Injected_Rename_Error(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.dat")

	chaos := NewChaos(NewReal(), ChaosConfig{RenameFailRate: 1.0}, 1)
	w := NewAtomicWriter(chaos)

	err := w.WriteWithDefaults(path, strings.NewReader("payload"))
	if err == nil {
		t.Fatal("expected rename error, got nil")
	}

	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("destination should not exist after failed rename, stat err=%v", statErr)
	}
}

func Test_AtomicWriter_Write_Via_Chaos_Without_Faults_Writes_Full_Payload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.dat")

	payload := bytes.Repeat([]byte("x"), 4096)
	chaos := NewChaos(NewReal(), ChaosConfig{}, 2)
	w := NewAtomicWriter(chaos)

	if err := w.WriteWithDefaults(path, bytes.NewReader(payload)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("contents mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}
