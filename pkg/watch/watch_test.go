package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingRebuilder struct {
	calls   atomic.Int64
	failNext bool
}

func (r *countingRebuilder) Rebuild(path string) error {
	if r.failNext {
		r.failNext = false
		return errors.New("forced rebuild failure")
	}
	r.calls.Add(1)
	return nil
}

func TestWatcherRebuildsOnFirstTick(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}

	rb := &countingRebuilder{}
	w := &Watcher{Path: path, PollInterval: 50 * time.Millisecond, Rebuilder: rb}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if rb.calls.Load() == 0 {
		t.Error("expected at least one rebuild on first tick")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}

	rb := &countingRebuilder{}
	reloads := make(chan struct{}, 8)
	w := &Watcher{
		Path:         path,
		PollInterval: 20 * time.Millisecond,
		Rebuilder:    rb,
		OnReload:     func() { reloads <- struct{}{} },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-reloads:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for initial reload")
	}

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloads:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for change reload")
	}

	if rb.calls.Load() < 2 {
		t.Errorf("expected >=2 rebuilds, got %d", rb.calls.Load())
	}
}

func TestWatcherSkipsCycleOnStatFailure(t *testing.T) {
	rb := &countingRebuilder{}
	var gotErr error
	w := &Watcher{
		Path:         filepath.Join(t.TempDir(), "missing.txt"),
		PollInterval: 20 * time.Millisecond,
		Rebuilder:    rb,
		OnError:      func(err error) { gotErr = err },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if rb.calls.Load() != 0 {
		t.Errorf("expected no rebuilds against a missing file, got %d", rb.calls.Load())
	}
	if gotErr == nil {
		t.Error("expected OnError to be called for stat failure")
	}
}

func TestWatcherSkipsCycleOnRebuildFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}

	rb := &countingRebuilder{failNext: true}
	var errCount atomic.Int64
	w := &Watcher{
		Path:         path,
		PollInterval: 20 * time.Millisecond,
		Rebuilder:    rb,
		OnError:      func(error) { errCount.Add(1) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if errCount.Load() == 0 {
		t.Error("expected at least one OnError call for the forced failure")
	}
}
