package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPollInterval is how often a [Watcher] looks at the file.
const DefaultPollInterval = 5 * time.Second

// ReloadFunc receives the previous and the newly loaded configuration.
type ReloadFunc func(old, cur *Config)

// Watcher reloads a config file when its content changes. It polls the file
// instead of subscribing to filesystem notifications so that it also works
// on bind mounts and network shares.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clockwork.Clock
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    fileState
	lastErr error
	reloads int

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherClock sets the clock driving the poll ticker.
func WithWatcherClock(c clockwork.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWatcher loads path and starts polling it in the background. The initial
// load must succeed; later invalid versions are reported through [Watcher.Err]
// and leave the current config in place.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		clock:    clockwork.NewRealClock(),
		onReload: onReload,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error of the last rejected version of the file, or nil
// once a valid version has been loaded again.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reloads reports how many changed configurations have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Stop ends polling and waits for the loop to exit. It is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.Chan():
			w.poll()
		}
	}
}

// poll reloads the file when its modification time moved and its content
// differs from the last applied version.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, state, err := w.read()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	sameContent := state.sum == w.seen.sum
	w.seen = state
	w.lastErr = nil
	if sameContent {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.reloads++
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
}

func (w *Watcher) reject(err error) {
	w.mu.Lock()
	repeated := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	w.mu.Unlock()
	if !repeated {
		slog.Warn("configuration not reloaded, keeping previous", "path", w.path, "err", err)
	}
}

// read parses and validates the file and fingerprints the bytes it parsed.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
