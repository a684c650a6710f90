package notify

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBus_Since(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	bus.Notify(LevelInfo, "1", "")
	bus.Notify(LevelInfo, "2", "")
	bus.Notify(LevelInfo, "3", "")

	got := bus.Since(1)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("unexpected seqs: %+v", got)
	}
}

func TestBus_CapsHistory(t *testing.T) {
	t.Parallel()
	bus := NewBus(WithMaxHistory(2))
	bus.Notify(LevelInfo, "1", "")
	bus.Notify(LevelWarning, "2", "")
	bus.Notify(LevelError, "3", "")

	got := bus.Since(0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Message != "2" || got[1].Message != "3" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestBus_Timestamp(t *testing.T) {
	t.Parallel()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	bus := NewBus(WithClock(clk))

	n := bus.Notify(LevelInfo, "hello", "j1")
	if !n.Timestamp.Equal(clk.Now()) {
		t.Fatalf("Timestamp = %v, want %v", n.Timestamp, clk.Now())
	}
	if n.JourneyID != "j1" {
		t.Fatalf("JourneyID = %q, want j1", n.JourneyID)
	}
}

func TestBus_Subscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	var got []Notification
	cancel := bus.Subscribe(func(n Notification) { got = append(got, n) })

	bus.Notify(LevelWarning, "careful", "")
	cancel()
	cancel()
	bus.Notify(LevelInfo, "ignored", "")

	if len(got) != 1 || got[0].Message != "careful" || got[0].Level != LevelWarning {
		t.Fatalf("received %+v, want one warning", got)
	}
}

func TestBus_Latest(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	if _, ok := bus.Latest(); ok {
		t.Fatal("Latest on empty bus reported ok")
	}
	bus.Notify(LevelInfo, "a", "")
	bus.Notify(LevelError, "b", "")
	n, ok := bus.Latest()
	if !ok || n.Message != "b" {
		t.Fatalf("Latest = %+v, %v; want b", n, ok)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	n := Discard.Notify(LevelError, "x", "j")
	if n.Seq != 0 || n.Message != "x" {
		t.Fatalf("Discard returned %+v", n)
	}
}
