package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clinivox/clinivox/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
recording:
  model: base
`

const watcherUpdatedYAML = `
server:
  log_level: debug
recording:
  model: medium
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const pollInterval = time.Second

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	// Explicit mtimes keep change detection independent of filesystem
	// timestamp granularity.
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type watcherHarness struct {
	path  string
	clock *clockwork.FakeClock
	w     *config.Watcher
	calls chan [2]*config.Config
}

func newWatcher(t *testing.T) *watcherHarness {
	t.Helper()
	h := &watcherHarness{
		path:  filepath.Join(t.TempDir(), "config.yaml"),
		clock: clockwork.NewFakeClock(),
		calls: make(chan [2]*config.Config, 4),
	}
	writeFile(t, h.path, watcherValidYAML, time.Unix(1_700_000_000, 0))

	w, err := config.NewWatcher(h.path, func(old, cur *config.Config) {
		h.calls <- [2]*config.Config{old, cur}
	}, config.WithInterval(pollInterval), config.WithWatcherClock(h.clock))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	h.w = w
	return h
}

// tick waits for the poll ticker to exist and fires it once.
func (h *watcherHarness) tick(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("watcher never waited on its ticker: %v", err)
	}
	h.clock.Advance(pollInterval)
}

// settle fires two ticks so the file is checked at least once.
func (h *watcherHarness) settle(t *testing.T) {
	t.Helper()
	h.tick(t)
	h.tick(t)
}

// eventually keeps ticking until cond holds.
func (h *watcherHarness) eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		h.tick(t)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	h := newWatcher(t)

	cfg := h.w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	h := newWatcher(t)

	writeFile(t, h.path, watcherUpdatedYAML, time.Unix(1_700_000_100, 0))
	h.tick(t)

	select {
	case got := <-h.calls:
		old, cur := got[0], got[1]
		if old.Server.LogLevel != config.LogInfo {
			t.Errorf("old log_level = %q", old.Server.LogLevel)
		}
		if cur.Server.LogLevel != config.LogDebug || cur.Recording.Model != "medium" {
			t.Errorf("new config = %+v", cur)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked")
	}
	if h.w.Current().Recording.Model != "medium" {
		t.Errorf("Current() model = %q, want medium", h.w.Current().Recording.Model)
	}
	if got := h.w.Reloads(); got != 1 {
		t.Errorf("Reloads() = %d, want 1", got)
	}
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	t.Parallel()
	h := newWatcher(t)

	writeFile(t, h.path, watcherInvalidYAML, time.Unix(1_700_000_100, 0))
	h.settle(t)

	select {
	case <-h.calls:
		t.Fatal("callback invoked for invalid config")
	default:
	}
	if h.w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want previous info", h.w.Current().Server.LogLevel)
	}
}

func TestWatcher_ReportsAndRecoversFromInvalidConfig(t *testing.T) {
	t.Parallel()
	h := newWatcher(t)

	writeFile(t, h.path, watcherInvalidYAML, time.Unix(1_700_000_100, 0))
	h.eventually(t, func() bool { return h.w.Err() != nil })

	writeFile(t, h.path, watcherUpdatedYAML, time.Unix(1_700_000_200, 0))
	h.eventually(t, func() bool { return h.w.Err() == nil })

	select {
	case got := <-h.calls:
		if got[0].Server.LogLevel != config.LogInfo || got[1].Server.LogLevel != config.LogDebug {
			t.Errorf("reload = %q -> %q, want info -> debug", got[0].Server.LogLevel, got[1].Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked after the file was fixed")
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	h := newWatcher(t)

	writeFile(t, h.path, watcherValidYAML, time.Unix(1_700_000_100, 0))
	h.settle(t)

	select {
	case <-h.calls:
		t.Fatal("callback invoked for identical content")
	default:
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
