// Package watch implements the build-into-auxiliary-then-atomically-swap
// hot-reload loop shared by the allowlist watcher and the server-hash-ring
// watcher: sleep, stat the watched path, compare mtime, and on change
// rebuild off to the side before swapping it in.
package watch

import (
	"context"
	"os"
	"time"

	"github.com/dcache/dcache/pkg/logging"
)

// State names the watcher's position in its poll/rebuild/swap cycle.
type State int

const (
	Idle State = iota
	Probing
	Rebuilding
	Swapping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Rebuilding:
		return "rebuilding"
	case Swapping:
		return "swapping"
	default:
		return "unknown"
	}
}

// Rebuilder rebuilds whatever structure a watcher guards (a ring, an
// allowlist) from the file at path. It does all file I/O and allocation
// off to the side and then swaps the result in under its own lock(s);
// Watcher holds no lock and only decides when to call it.
type Rebuilder interface {
	Rebuild(path string) error
}

// Watcher runs one Idle->Probing->Rebuilding->Swapping->Idle cycle per
// PollInterval against a single file path.
type Watcher struct {
	Path         string
	PollInterval time.Duration
	Rebuilder    Rebuilder
	Logger       *logging.Logger

	// OnReload, if set, is called after every successful swap.
	OnReload func()
	// OnError, if set, is called after every failed cycle (stat or
	// rebuild failure). The cycle is skipped; live state is untouched.
	OnError func(error)

	lastMod time.Time
	state   State
}

// State returns the watcher's current position in its cycle. Intended for
// diagnostics/tests, not for synchronization.
func (w *Watcher) State() State {
	return w.state
}

// Run polls until ctx is cancelled. The first tick always rebuilds
// (lastMod starts at the zero time), establishing the initial live state.
func (w *Watcher) Run(ctx context.Context) {
	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	w.tick()

	for {
		select {
		case <-ctx.Done():
			w.state = Idle
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	w.state = Probing
	info, err := os.Stat(w.Path)
	if err != nil {
		w.state = Idle
		w.fail(err)
		return
	}

	if !info.ModTime().After(w.lastMod) {
		w.state = Idle
		return
	}

	w.state = Rebuilding
	if err := w.Rebuilder.Rebuild(w.Path); err != nil {
		w.state = Idle
		w.fail(err)
		return
	}

	w.state = Swapping
	w.lastMod = info.ModTime()
	w.state = Idle

	if w.OnReload != nil {
		w.OnReload()
	}
}

func (w *Watcher) fail(err error) {
	if w.Logger != nil {
		w.Logger.Warn("watch cycle failed, retrying next tick", "path", w.Path, "error", err)
	}
	if w.OnError != nil {
		w.OnError(err)
	}
}
