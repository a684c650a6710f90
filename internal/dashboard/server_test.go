package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/catalog"
	"github.com/clinivox/clinivox/internal/health"
	"github.com/clinivox/clinivox/internal/notify"
	"github.com/clinivox/clinivox/internal/pipeline"
	"github.com/clinivox/clinivox/pkg/audio"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeRecorder struct {
	mu       sync.Mutex
	snap     pipeline.Snapshot
	startErr error
	stopErr  error
	started  []analysis.Options
	stops    int
	handoff  *pipeline.Handoff
	taken    int
	subs     map[int]func(pipeline.Snapshot)
	nextSub  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		snap: pipeline.Snapshot{Phase: pipeline.Idle, Status: pipeline.Idle.StatusText(), ElapsedText: "0:00"},
		subs: make(map[int]func(pipeline.Snapshot)),
	}
}

func (f *fakeRecorder) Start(_ context.Context, opts analysis.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, opts)
	f.snap.Phase = pipeline.Recording
	f.snap.Status = pipeline.Recording.StatusText()
	return nil
}

func (f *fakeRecorder) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	f.snap.Phase = pipeline.Transcribing
	f.snap.Status = pipeline.Transcribing.StatusText()
	return nil
}

func (f *fakeRecorder) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRecorder) Subscribe(fn func(pipeline.Snapshot)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeRecorder) Handoff() (pipeline.Handoff, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handoff == nil {
		return pipeline.Handoff{}, false
	}
	return *f.handoff, true
}

func (f *fakeRecorder) TakeHandoff() (pipeline.Handoff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handoff == nil {
		return pipeline.Handoff{}, fmt.Errorf("take: %w", pipeline.ErrInvalidPhase)
	}
	h := *f.handoff
	f.handoff = nil
	f.taken++
	return h, nil
}

func (f *fakeRecorder) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeRecorder) setHandoff(h *pipeline.Handoff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoff = h
}

func (f *fakeRecorder) counts() (started []analysis.Options, stops, taken int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analysis.Options(nil), f.started...), f.stops, f.taken
}

// publish replaces the snapshot and notifies subscribers.
func (f *fakeRecorder) publish(sn pipeline.Snapshot) {
	f.mu.Lock()
	f.snap = sn
	subs := make([]func(pipeline.Snapshot), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(sn)
	}
}

type fakeCatalog struct {
	mu         sync.Mutex
	models     []analysis.ModelInfo
	refreshErr error
	refreshes  int
}

func (c *fakeCatalog) Models() []analysis.ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models
}

func (c *fakeCatalog) Refresh(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return c.refreshErr
}

func (c *fakeCatalog) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	rec *fakeRecorder
	bus *notify.Bus
	cat *fakeCatalog
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec: newFakeRecorder(),
		bus: notify.NewBus(),
		cat: &fakeCatalog{models: catalog.Defaults()},
	}
	s, err := New(Config{
		Recorder:      h.rec,
		Catalog:       h.cat,
		Notifications: h.bus,
		Defaults:      analysis.DefaultOptions,
		Health:        health.New(),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return v
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.bus.Notify(notify.LevelInfo, "first", "")
	h.bus.Notify(notify.LevelError, "second", "")

	resp, body := h.do(t, http.MethodGet, "/api/status?since=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	got := decode[struct {
		Phase         string                `json:"phase"`
		Status        string                `json:"status"`
		Notifications []notify.Notification `json:"notifications"`
	}](t, body)
	if got.Phase != "idle" {
		t.Errorf("phase = %q, want idle", got.Phase)
	}
	if got.Status != pipeline.Idle.StatusText() {
		t.Errorf("status = %q", got.Status)
	}
	if len(got.Notifications) != 1 || got.Notifications[0].Message != "second" {
		t.Errorf("notifications = %+v, want only 'second'", got.Notifications)
	}
}

func TestStatus_InvalidSince(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/api/status?since=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStart_UsesDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/recording/start", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	started, _, _ := h.rec.counts()
	if len(started) != 1 {
		t.Fatalf("Start calls = %d, want 1", len(started))
	}
	if got := started[0]; got != analysis.DefaultOptions() {
		t.Errorf("options = %+v, want defaults", got)
	}
	snap := decode[pipeline.Snapshot](t, body)
	if snap.Phase != pipeline.Recording {
		t.Errorf("phase = %v, want recording", snap.Phase)
	}
}

func TestStart_Overrides(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/recording/start",
		`{"model":"medium","diarization":true,"patient_speaker":"speaker2"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	want := analysis.Options{Model: "medium", Diarization: true, PatientSpeaker: analysis.SpeakerTwo}
	started, _, _ := h.rec.counts()
	if len(started) != 1 {
		t.Fatalf("Start calls = %d, want 1", len(started))
	}
	if got := started[0]; got != want {
		t.Errorf("options = %+v, want %+v", got, want)
	}
}

func TestStart_BadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"language":"de"}`},
		{"malformed", `{"model":`},
		{"bad speaker", `{"patient_speaker":"speaker9"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			resp, _ := h.do(t, http.MethodPost, "/api/recording/start", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if started, _, _ := h.rec.counts(); len(started) != 0 {
				t.Error("Start must not be called")
			}
		})
	}
}

func TestStart_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"wrong phase", fmt.Errorf("start: %w", pipeline.ErrInvalidPhase), http.StatusConflict, "not allowed while idle"},
		{"no microphone", fmt.Errorf("open: %w", audio.ErrDeviceUnavailable), http.StatusServiceUnavailable, pipeline.MsgDeviceUnavailable},
		{"closed", pipeline.ErrClosed, http.StatusServiceUnavailable, "shutting down"},
		{"other", errors.New("bad model"), http.StatusBadRequest, "bad model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.rec.setStartErr(tt.err)
			resp, body := h.do(t, http.MethodPost, "/api/recording/start", "")
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			got := decode[map[string]string](t, body)
			if got["error"] != tt.message {
				t.Errorf("error = %q, want %q", got["error"], tt.message)
			}
		})
	}
}

func TestStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/recording/start", "")
	resp, body := h.do(t, http.MethodPost, "/api/recording/stop", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if _, stops, _ := h.rec.counts(); stops != 1 {
		t.Errorf("Stop calls = %d, want 1", stops)
	}
	if snap := decode[pipeline.Snapshot](t, body); snap.Phase != pipeline.Transcribing {
		t.Errorf("phase = %v, want transcribing", snap.Phase)
	}
}

func TestModels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/models", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[modelsResponse](t, body)
	if len(got.Models) != len(catalog.Defaults()) || got.Warning != "" {
		t.Errorf("response = %+v", got)
	}
	if n := h.cat.refreshCount(); n != 0 {
		t.Errorf("refreshes = %d, want 0 without ?refresh", n)
	}
}

func TestModels_RefreshFailureKeepsList(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cat.mu.Lock()
	h.cat.refreshErr = catalog.ErrCatalogUnavailable
	h.cat.mu.Unlock()

	_, body := h.do(t, http.MethodGet, "/api/models?refresh=1", "")
	got := decode[modelsResponse](t, body)
	if got.Warning != catalog.UnavailableMessage {
		t.Errorf("warning = %q", got.Warning)
	}
	if len(got.Models) != len(catalog.Defaults()) {
		t.Errorf("models = %d, want previous list", len(got.Models))
	}
	if n := h.cat.refreshCount(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestHandoff_NotReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, path := range []string{"/api/handoff", "/api/handoff/audio"} {
		resp, _ := h.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	resp, _ := h.do(t, http.MethodPost, "/api/handoff/take", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("take = %d, want 409", resp.StatusCode)
	}
}

func TestHandoff_ViewAudioAndTake(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	payload := []byte("RIFF....WAVEfmt ")
	h.rec.setHandoff(&pipeline.Handoff{
		JourneyID: "j-1",
		Results:   &analysis.Result{Transcription: analysis.Transcription{Text: "hello there"}},
		Audio: &audio.Artifact{
			Data:        payload,
			ContentType: audio.ContentTypeWAV,
			Duration:    3 * time.Second,
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	})

	resp, body := h.do(t, http.MethodGet, "/api/handoff", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	view := decode[handoffView](t, body)
	if view.JourneyID != "j-1" || view.Results == nil || view.Results.Transcription.Text != "hello there" {
		t.Errorf("view = %+v", view)
	}
	if view.Audio == nil || view.Audio.Size != int64(len(payload)) || view.Audio.DurationSeconds != 3 {
		t.Errorf("audio = %+v", view.Audio)
	}

	resp, body = h.do(t, http.MethodGet, "/api/handoff/audio", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d", resp.StatusCode)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("audio body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != audio.ContentTypeWAV {
		t.Errorf("Content-Type = %q", ct)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/handoff/take", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("take status = %d", resp.StatusCode)
	}
	if _, _, taken := h.rec.counts(); taken != 1 {
		t.Errorf("taken = %d, want 1", taken)
	}
	if resp, _ := h.do(t, http.MethodGet, "/api/handoff", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("handoff after take = %d, want 404", resp.StatusCode)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := h.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

func dial(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return decode[Event](t, data)
}

func TestWebSocket_StreamsSnapshotsAndNotifications(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.bus.Notify(notify.LevelInfo, "before connect", "")

	conn := dial(t, h, "")

	hello := readEvent(t, conn)
	if hello.Type != EventHello {
		t.Fatalf("first event = %q, want hello", hello.Type)
	}
	if hello.Snapshot == nil || hello.Snapshot.Phase != pipeline.Idle {
		t.Errorf("hello snapshot = %+v", hello.Snapshot)
	}
	if len(hello.Notifications) != 1 || hello.Notifications[0].Message != "before connect" {
		t.Errorf("hello notifications = %+v", hello.Notifications)
	}

	h.rec.publish(pipeline.Snapshot{Phase: pipeline.Recording, Status: pipeline.Recording.StatusText(), Elapsed: 2})
	ev := readEvent(t, conn)
	if ev.Type != EventSnapshot || ev.Snapshot == nil || ev.Snapshot.Elapsed != 2 {
		t.Fatalf("event = %+v, want recording snapshot", ev)
	}

	h.bus.Notify(notify.LevelError, "Could not access microphone.", "j-9")
	ev = readEvent(t, conn)
	if ev.Type != EventNotifications {
		t.Fatalf("event type = %q, want notifications", ev.Type)
	}
	if len(ev.Notifications) != 1 || ev.Notifications[0].JourneyID != "j-9" {
		t.Errorf("notifications = %+v", ev.Notifications)
	}
}

func TestWebSocket_ResumesFromSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.bus.Notify(notify.LevelInfo, "one", "")
	h.bus.Notify(notify.LevelInfo, "two", "")

	conn := dial(t, h, fmt.Sprintf("?since=%d", first.Seq))
	hello := readEvent(t, conn)
	if len(hello.Notifications) != 1 || hello.Notifications[0].Message != "two" {
		t.Errorf("hello notifications = %+v, want only 'two'", hello.Notifications)
	}
}

func TestOfferLatest_KeepsNewest(t *testing.T) {
	t.Parallel()
	ch := make(chan int, 1)
	for i := range 5 {
		offerLatest(ch, i)
	}
	if got := <-ch; got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}
