package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/clinivox/clinivox/internal/notify"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/pipeline"
)

// writeTimeout bounds a single websocket frame write. A client that cannot
// keep up is disconnected and resyncs through /api/status on reconnect.
const writeTimeout = 5 * time.Second

// Event types pushed over /api/ws.
const (
	EventHello         = "hello"
	EventSnapshot      = "snapshot"
	EventNotifications = "notifications"
)

// Event is one websocket message.
type Event struct {
	Type          string                `json:"type"`
	Snapshot      *pipeline.Snapshot    `json:"snapshot,omitempty"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
}

// handleWS streams snapshots and notifications. Snapshots are coalesced:
// a slow client only ever receives the latest one. Notifications are never
// dropped; the writer catches up from the bus history by sequence number.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The dashboard never sends; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	s.metrics.DashboardClients.Add(ctx, 1)
	defer s.metrics.DashboardClients.Add(context.Background(), -1)

	snaps := make(chan pipeline.Snapshot, 1)
	wake := make(chan struct{}, 1)

	cancelSnaps := s.rec.Subscribe(func(sn pipeline.Snapshot) { offerLatest(snaps, sn) })
	defer cancelSnaps()
	cancelNotes := s.bus.Subscribe(func(notify.Notification) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancelNotes()

	snap := s.rec.Snapshot()
	notes := s.bus.Since(since)
	if err := writeEvent(ctx, conn, Event{Type: EventHello, Snapshot: &snap, Notifications: notes}); err != nil {
		return
	}
	lastSeq := since
	if len(notes) > 0 {
		lastSeq = notes[len(notes)-1].Seq
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case sn := <-snaps:
			if err := writeEvent(ctx, conn, Event{Type: EventSnapshot, Snapshot: &sn}); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
		case <-wake:
			notes := s.bus.Since(lastSeq)
			if len(notes) == 0 {
				continue
			}
			if err := writeEvent(ctx, conn, Event{Type: EventNotifications, Notifications: notes}); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
			lastSeq = notes[len(notes)-1].Seq
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// offerLatest replaces whatever is buffered in ch (capacity 1) with v.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
