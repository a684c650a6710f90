// Package dashboard exposes the pipeline to a local UI over HTTP.
//
// Routes:
//
//	GET  /api/status            current snapshot plus notifications (?since=<seq>)
//	GET  /api/ws                WebSocket stream of snapshots and notifications
//	POST /api/recording/start   start a journey; optional JSON body overrides the defaults
//	POST /api/recording/stop    stop recording and submit for analysis
//	GET  /api/models            model catalog (?refresh=1 refetches it)
//	GET  /api/handoff           pending results of a completed journey
//	GET  /api/handoff/audio     the recording of the pending handoff
//	POST /api/handoff/take      hand the results over and reset to idle
//	GET  /healthz, /readyz      probes
//	GET  /metrics               Prometheus scrape endpoint
//
// Every route runs behind [observe.Middleware].
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/catalog"
	"github.com/clinivox/clinivox/internal/health"
	"github.com/clinivox/clinivox/internal/notify"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/pipeline"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Recorder is the part of [pipeline.Machine] the dashboard drives.
type Recorder interface {
	Start(ctx context.Context, opts analysis.Options) error
	Stop(ctx context.Context) error
	Snapshot() pipeline.Snapshot
	Subscribe(fn func(pipeline.Snapshot)) (cancel func())
	Handoff() (pipeline.Handoff, bool)
	TakeHandoff() (pipeline.Handoff, error)
}

// Catalog is the part of [catalog.Catalog] the dashboard reads.
type Catalog interface {
	Models() []analysis.ModelInfo
	Refresh(ctx context.Context) error
}

// Config holds the dependencies of a [Server]. Recorder, Notifications and
// Defaults are required.
type Config struct {
	Recorder      Recorder
	Catalog       Catalog
	Notifications *notify.Bus

	// Defaults returns the recording options used when a start request
	// does not override them. It is called per request so configuration
	// reloads apply to the next journey.
	Defaults func() analysis.Options

	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// AllowedOrigins are extra host patterns accepted for websocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string
}

// Server is the dashboard HTTP surface.
type Server struct {
	rec     Recorder
	cat     Catalog
	bus     *notify.Bus
	defs    func() analysis.Options
	metrics *observe.Metrics
	origins []string
	handler http.Handler
}

// New creates a Server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Recorder == nil || cfg.Notifications == nil || cfg.Defaults == nil {
		return nil, errors.New("dashboard: recorder, notifications and defaults are required")
	}
	s := &Server{
		rec:     cfg.Recorder,
		cat:     cfg.Catalog,
		bus:     cfg.Notifications,
		defs:    cfg.Defaults,
		metrics: cfg.Metrics,
		origins: cfg.AllowedOrigins,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("POST /api/recording/start", s.handleStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleStop)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/handoff", s.handleHandoff)
	mux.HandleFunc("GET /api/handoff/audio", s.handleHandoffAudio)
	mux.HandleFunc("POST /api/handoff/take", s.handleTake)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ─── Status ──────────────────────────────────────────────────────────────────

type statusResponse struct {
	pipeline.Snapshot
	Notifications []notify.Notification `json:"notifications"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = n
	}
	notes := s.bus.Since(since)
	if notes == nil {
		notes = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Snapshot: s.rec.Snapshot(), Notifications: notes})
}

// ─── Recording ───────────────────────────────────────────────────────────────

// startRequest overrides individual recording defaults.
type startRequest struct {
	Model          *string `json:"model"`
	Diarization    *bool   `json:"diarization"`
	PatientSpeaker *string `json:"patient_speaker"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts := s.defs()
	if r.ContentLength != 0 {
		var req startRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Model != nil {
			opts.Model = *req.Model
		}
		if req.Diarization != nil {
			opts.Diarization = *req.Diarization
		}
		if req.PatientSpeaker != nil {
			sp, err := analysis.ParseSpeaker(*req.PatientSpeaker)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			opts.PatientSpeaker = sp
		}
	}

	if err := s.rec.Start(r.Context(), opts); err != nil {
		s.writeRecorderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.rec.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Stop(r.Context()); err != nil {
		s.writeRecorderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.rec.Snapshot())
}

// writeRecorderError maps pipeline errors to status codes. The body carries
// the user-facing message, never a raw transport error.
func (s *Server) writeRecorderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidPhase):
		writeError(w, http.StatusConflict, "not allowed while "+s.rec.Snapshot().Phase.String())
	case errors.Is(err, audio.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, pipeline.MsgDeviceUnavailable)
	case errors.Is(err, pipeline.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, analysis.ErrLocalProcessing):
		writeError(w, http.StatusInternalServerError, "Failed to process audio")
	default:
		observe.Logger(r.Context()).Warn("recording request rejected", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// ─── Models ──────────────────────────────────────────────────────────────────

type modelsResponse struct {
	Models  []analysis.ModelInfo `json:"models"`
	Warning string               `json:"warning,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.cat == nil {
		writeJSON(w, http.StatusOK, modelsResponse{Models: catalog.Defaults()})
		return
	}
	var resp modelsResponse
	if r.URL.Query().Get("refresh") != "" {
		if err := s.cat.Refresh(r.Context()); err != nil {
			resp.Warning = catalog.UnavailableMessage
		}
	}
	resp.Models = s.cat.Models()
	writeJSON(w, http.StatusOK, resp)
}

// ─── Handoff ─────────────────────────────────────────────────────────────────

type audioView struct {
	ContentType     string  `json:"content_type"`
	Size            int64   `json:"size"`
	DurationSeconds float64 `json:"duration_seconds"`
	Filename        string  `json:"filename"`
	URL             string  `json:"url"`
}

type handoffView struct {
	JourneyID    string           `json:"journey_id"`
	Results      *analysis.Result `json:"results"`
	UsedFallback bool             `json:"used_fallback"`
	Warning      string           `json:"warning,omitempty"`
	Audio        *audioView       `json:"audio,omitempty"`
}

func newHandoffView(h pipeline.Handoff) handoffView {
	v := handoffView{
		JourneyID:    h.JourneyID,
		Results:      h.Results,
		UsedFallback: h.UsedFallback,
		Warning:      h.Warning,
	}
	if a := h.Audio; a != nil {
		v.Audio = &audioView{
			ContentType:     a.ContentType,
			Size:            a.Size(),
			DurationSeconds: a.Duration.Seconds(),
			Filename:        a.Filename(),
			URL:             "/api/handoff/audio",
		}
	}
	return v
}

func (s *Server) handleHandoff(w http.ResponseWriter, _ *http.Request) {
	h, ok := s.rec.Handoff()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed analysis")
		return
	}
	writeJSON(w, http.StatusOK, newHandoffView(h))
}

func (s *Server) handleHandoffAudio(w http.ResponseWriter, r *http.Request) {
	h, ok := s.rec.Handoff()
	if !ok || h.Audio == nil {
		writeError(w, http.StatusNotFound, "no recording available")
		return
	}
	w.Header().Set("Content-Type", h.Audio.ContentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+h.Audio.Filename()+`"`)
	http.ServeContent(w, r, h.Audio.Filename(), h.Audio.CreatedAt, h.Audio.Reader())
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	h, err := s.rec.TakeHandoff()
	if err != nil {
		s.writeRecorderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHandoffView(h))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
