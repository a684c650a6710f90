// Package catalog keeps the list of transcription models offered by the
// analysis service.
//
// The list is fetched with [Catalog.Refresh]. A failed fetch never blocks
// recording: the catalog keeps serving the last good list, or the built-in
// defaults when nothing was ever fetched, and the caller shows
// [UnavailableMessage] to the user.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/metric"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/observe"
)

// ErrCatalogUnavailable is returned by [Catalog.Refresh] when the model list
// could not be fetched.
var ErrCatalogUnavailable = errors.New("catalog: model list unavailable")

// ErrUnknownModel is returned by [Catalog.Resolve] for an id that is not in
// the catalog.
var ErrUnknownModel = errors.New("catalog: unknown model")

// UnavailableMessage is the user-facing warning for a failed refresh.
const UnavailableMessage = "Failed to fetch available models. Please refresh the page."

// defaultSuggestThreshold is the minimum Jaro-Winkler score for a
// "did you mean" suggestion.
const defaultSuggestThreshold = 0.7

// Lister fetches the model list. [analysis.Client] implements it.
type Lister interface {
	Models(ctx context.Context) ([]analysis.ModelInfo, error)
}

// Defaults returns the built-in model list served until a refresh succeeds.
func Defaults() []analysis.ModelInfo {
	return []analysis.ModelInfo{
		{ID: "tiny", Name: "Whisper Tiny", ProcessingSpeed: "Very Fast", Description: "Fastest model, lower accuracy", Accuracy: "Basic", Languages: "English-focused"},
		{ID: "base", Name: "Whisper Base", ProcessingSpeed: "Fast", Description: "Good balance of speed and accuracy", Accuracy: "Good", Languages: "Major languages"},
		{ID: "small", Name: "Whisper Small", ProcessingSpeed: "Medium", Description: "Higher accuracy, slower processing", Accuracy: "Very Good", Languages: "Most languages"},
		{ID: "medium", Name: "Whisper Medium", ProcessingSpeed: "Slow", Description: "High accuracy, slower processing", Accuracy: "Excellent", Languages: "All supported languages"},
	}
}

// Option is a functional option for configuring a [Catalog].
type Option func(*Catalog)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Catalog) { c.metrics = m }
}

// WithSuggestThreshold sets the minimum similarity for suggestions.
func WithSuggestThreshold(t float64) Option {
	return func(c *Catalog) { c.threshold = t }
}

// Catalog caches the model list. It is safe for concurrent use.
type Catalog struct {
	lister    Lister
	metrics   *observe.Metrics
	threshold float64

	mu      sync.RWMutex
	models  []analysis.ModelInfo
	fetched bool
}

// New creates a Catalog serving [Defaults] until the first successful
// refresh. lister may be nil, in which case Refresh always fails.
func New(lister Lister, opts ...Option) *Catalog {
	c := &Catalog{
		lister:    lister,
		threshold: defaultSuggestThreshold,
		models:    Defaults(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Refresh fetches the model list. On failure the current list is kept and
// the returned error wraps [ErrCatalogUnavailable]. An empty list from the
// service counts as a failure.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.lister == nil {
		c.record(ctx, "error")
		return fmt.Errorf("%w: no analysis endpoint configured", ErrCatalogUnavailable)
	}
	models, err := c.lister.Models(ctx)
	if err == nil && len(models) == 0 {
		err = errors.New("empty model list")
	}
	if err != nil {
		c.record(ctx, "error")
		observe.Logger(ctx).Warn("model catalog refresh failed", "err", err)
		return fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	c.mu.Lock()
	c.models = slices.Clone(models)
	c.fetched = true
	c.mu.Unlock()

	c.record(ctx, "ok")
	slog.Debug("model catalog refreshed", "models", len(models))
	return nil
}

func (c *Catalog) record(ctx context.Context, status string) {
	c.metrics.CatalogRefreshes.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", status)))
}

// Models returns a copy of the current list.
func (c *Catalog) Models() []analysis.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.models)
}

// Fetched reports whether the list came from the service rather than the
// built-in defaults.
func (c *Catalog) Fetched() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetched
}

// Resolve looks id up case-insensitively. For an unknown id the error wraps
// [ErrUnknownModel] and, when a close match exists, suggestion names it.
func (c *Catalog) Resolve(id string) (info analysis.ModelInfo, suggestion string, err error) {
	want := strings.ToLower(strings.TrimSpace(id))
	models := c.Models()
	for _, m := range models {
		if strings.ToLower(m.ID) == want {
			return m, "", nil
		}
	}

	best := 0.0
	for _, m := range models {
		if s := matchr.JaroWinkler(want, strings.ToLower(m.ID), false); s > best && s >= c.threshold {
			best, suggestion = s, m.ID
		}
	}
	if suggestion != "" {
		return analysis.ModelInfo{}, suggestion, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownModel, id, suggestion)
	}
	return analysis.ModelInfo{}, "", fmt.Errorf("%w %q", ErrUnknownModel, id)
}
