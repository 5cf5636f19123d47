package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFlagsDrift(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "drifted.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		names := w.DirtyNames()
		if len(names) == 1 && names[0] == "drifted" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("drift never flagged, dirty=%v", names)
		}
		time.Sleep(20 * time.Millisecond)
	}

	w.ClearDirty("drifted")
	if names := w.DirtyNames(); len(names) != 0 {
		t.Errorf("DirtyNames after clear = %v", names)
	}

	stats := w.Stats()
	if stats.Modified == 0 {
		t.Error("modification counter not incremented")
	}
}

func TestWatcherIgnoresNonGoFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(500 * time.Millisecond)
	if names := w.DirtyNames(); len(names) != 0 {
		t.Errorf("non-Go file flagged: %v", names)
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop() // second stop must not panic or block
}
