// Package notify carries the short user-facing messages the pipeline emits:
// "Recording started", device and processing errors, fallback warnings.
//
// [Bus] keeps a bounded, sequenced history so that a late subscriber (the
// dashboard after a reconnect) can catch up with [Bus.Since], and pushes new
// messages to live subscribers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one sequenced message.
type Notification struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	JourneyID string    `json:"journey_id,omitempty"`
}

// Notifier publishes notifications. [Bus] implements it.
type Notifier interface {
	Notify(level Level, message, journeyID string) Notification
}

// Discard is a [Notifier] that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(level Level, message, journeyID string) Notification {
	return Notification{Level: level, Message: message, JourneyID: journeyID}
}

const defaultMaxHistory = 100

// Option is a functional option for configuring a [Bus].
type Option func(*Bus)

// WithMaxHistory bounds the retained history. Default: 100.
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// Bus stores recent notifications and fans them out to subscribers. It is
// safe for concurrent use.
type Bus struct {
	clock      clockwork.Clock
	maxHistory int

	mu      sync.RWMutex
	nextSeq int64
	history []Notification
	subs    map[int]func(Notification)
	nextSub int
}

// Compile-time interface assertion.
var _ Notifier = (*Bus)(nil)

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		clock:      clockwork.NewRealClock(),
		maxHistory: defaultMaxHistory,
		subs:       make(map[int]func(Notification)),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Notify implements [Notifier]. Subscribers are called synchronously, after
// the bus lock is released, in no particular order.
func (b *Bus) Notify(level Level, message, journeyID string) Notification {
	b.mu.Lock()
	b.nextSeq++
	n := Notification{
		Seq:       b.nextSeq,
		Timestamp: b.clock.Now().UTC(),
		Level:     level,
		Message:   message,
		JourneyID: journeyID,
	}
	b.history = append(b.history, n)
	if len(b.history) > b.maxHistory {
		trim := len(b.history) - b.maxHistory
		b.history = append([]Notification(nil), b.history[trim:]...)
	}
	subs := make([]func(Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	logAt(level, message, journeyID)
	for _, fn := range subs {
		fn(n)
	}
	return n
}

// Since returns notifications with a sequence number strictly greater than
// seq, oldest first.
func (b *Bus) Since(seq int64) []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Notification
	for _, n := range b.history {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

// Latest returns the most recent notification, if any.
func (b *Bus) Latest() (Notification, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.history) == 0 {
		return Notification{}, false
	}
	return b.history[len(b.history)-1], true
}

// Subscribe registers fn for every future notification. The returned func
// removes the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(fn func(Notification)) (cancel func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func logAt(level Level, message, journeyID string) {
	var lvl slog.Level
	switch level {
	case LevelError:
		lvl = slog.LevelError
	case LevelWarning:
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelInfo
	}
	slog.Log(context.Background(), lvl, "notification", "message", message, "journey_id", journeyID)
}
