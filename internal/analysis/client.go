package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Service paths.
const (
	PathAnalyzeAudio = "/api/analyze-audio"
	PathAnalyzeText  = "/api/analyze-text"
	PathModels       = "/api/models"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// UploadFunc receives upload progress as bytes sent out of total.
type UploadFunc func(sent, total int64)

// Analyzer submits one recording for analysis. [*Client] is the production
// implementation; resilience.AnalyzerFallback spreads calls over several
// endpoints.
type Analyzer interface {
	Analyze(ctx context.Context, art *audio.Artifact, opts Options, onUpload UploadFunc) (*Result, error)
}

// Compile-time interface assertion.
var _ Analyzer = (*Client)(nil)

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. The default has no timeout of its
// own; deadlines come from the request context.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client calls the analysis service at one base address.
// It is safe for concurrent use.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	metrics   *observe.Metrics
}

// NewClient creates a Client for baseURL, e.g. "http://localhost:5000".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("analysis: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("analysis: base url %q must use http or https", baseURL)
	}
	c := &Client{
		baseURL:   strings.TrimRight(u.String(), "/"),
		http:      &http.Client{},
		userAgent: "clinivox",
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// BaseURL returns the normalised base address.
func (c *Client) BaseURL() string { return c.baseURL }

// Analyze uploads art as multipart/form-data together with the recording
// options and decodes the service's findings. onUpload, if non-nil, is called
// as the request body is consumed.
//
// Errors wrap [ErrLocalProcessing] when the request could not be built and
// [ErrRemoteAnalysis] for everything that went wrong after that.
func (c *Client) Analyze(ctx context.Context, art *audio.Artifact, opts Options, onUpload UploadFunc) (*Result, error) {
	if art == nil {
		return nil, fmt.Errorf("%w: no recording to submit", ErrLocalProcessing)
	}

	ctx, span := observe.StartSpan(ctx, "analysis.analyze_audio",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("analysis.model", opts.Model),
			attribute.Bool("analysis.diarization", opts.Diarization),
			attribute.Int64("audio.bytes", art.Size()),
			attribute.String("audio.content_type", art.ContentType),
		),
	)
	defer span.End()

	body, contentType, err := encodeAudioForm(art, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrLocalProcessing, err)
	}
	total := int64(len(body))

	var reader io.Reader = bytes.NewReader(body)
	if onUpload != nil {
		reader = &countingReader{r: reader, total: total, report: onUpload}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathAnalyzeAudio, reader)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: build request: %w", ErrLocalProcessing, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)

	c.metrics.UploadBytes.Add(ctx, art.Size())

	var res Result
	if err := c.do(req, &res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("analysis.adverse_events", len(res.AdverseEvents)),
		attribute.Float64("analysis.processing_time", res.ProcessingTime),
	)
	return &res, nil
}

// AnalyzeText submits an already transcribed conversation.
func (c *Client) AnalyzeText(ctx context.Context, conversation string) (*Result, error) {
	if strings.TrimSpace(conversation) == "" {
		return nil, fmt.Errorf("%w: empty conversation", ErrLocalProcessing)
	}
	ctx, span := observe.StartSpan(ctx, "analysis.analyze_text",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("analysis.text_length", len(conversation))),
	)
	defer span.End()

	payload, err := json.Marshal(map[string]string{"conversation": conversation})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrLocalProcessing, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathAnalyzeText, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrLocalProcessing, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res Result
	if err := c.do(req, &res); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &res, nil
}

// Models fetches the list of selectable transcription models.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathModels, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrLocalProcessing, err)
	}
	var models []ModelInfo
	if err := c.do(req, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	ctx := req.Context()
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordAnalysisRequest(ctx, req.URL.Path, "error")
		return fmt.Errorf("%w: %s %s: %w", ErrRemoteAnalysis, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.RecordAnalysisRequest(ctx, req.URL.Path, strconv.Itoa(resp.StatusCode))
		return &RemoteError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.RecordAnalysisRequest(ctx, req.URL.Path, "decode_error")
		return fmt.Errorf("%w: decode %s response: %w", ErrRemoteAnalysis, req.URL.Path, err)
	}
	c.metrics.RecordAnalysisRequest(ctx, req.URL.Path, "ok")
	observe.Logger(ctx).Debug("analysis request completed",
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return nil
}

// errorMessage extracts {"error": "..."} from a failed response, falling back
// to the HTTP status text.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "unexpected status"
}

// encodeAudioForm builds the analyze-audio multipart body: the recording
// under "audio" followed by the three option fields.
func encodeAudioForm(art *audio.Artifact, opts Options) ([]byte, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	contentType := art.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, art.Filename()))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(art.Data); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}

	fields := []struct{ name, value string }{
		{"whisper_model", opts.Model},
		{"enable_diarization", strconv.FormatBool(opts.Diarization)},
		{"patient_speaker", opts.wireSpeaker()},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body.Bytes(), mw.FormDataContentType(), nil
}

// countingReader reports cumulative bytes read to report.
type countingReader struct {
	r      io.Reader
	total  int64
	report UploadFunc

	mu   sync.Mutex
	sent int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.mu.Lock()
		cr.sent += int64(n)
		sent := cr.sent
		cr.mu.Unlock()
		cr.report(sent, cr.total)
	}
	return n, err
}
