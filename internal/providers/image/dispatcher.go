package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
)

// Action tells the dispatcher what to do after a backend failure.
type Action int

const (
	// ActionFail surfaces the error.
	ActionFail Action = iota
	// ActionNext moves on to the next backend in the fallback chain.
	ActionNext
)

func (a Action) String() string {
	if a == ActionNext {
		return "next"
	}
	return "fail"
}

// Classify decides whether a backend failure may fall through to the next
// backend. Only quota exhaustion and an unusable backend do; content
// blocks, malformed answers and transport errors fail the render.
func Classify(err error) Action {
	if err == nil {
		return ActionFail
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ActionFail
	}
	switch domain.ClassifyProviderError(err) {
	case domain.CodeRateLimited, domain.CodeInsufficientCredits:
		return ActionNext
	case domain.CodeContentBlocked, domain.CodeMalformedResponse, domain.CodeValidation:
		return ActionFail
	}
	if domain.IsUnavailable(err) {
		return ActionNext
	}
	return ActionFail
}

// Publisher turns rendered bytes into a durable URL.
type Publisher interface {
	Publish(ctx context.Context, data []byte, contentType string) (string, error)
}

// Result is the outcome of one Render call.
type Result struct {
	ImageURL       string        `json:"imageUrl"`
	Inline         bool          `json:"inline"`
	Backend        string        `json:"backend"`
	FallbackUsed   bool          `json:"fallbackUsed"`
	Attempts       int           `json:"attempts"`
	ProcessingTime time.Duration `json:"processingTime"`
	Asset          *Asset        `json:"-"`
}

// DispatcherOptions wires backends and their fallback chains. Chains list
// the backends tried after the requested one, in order.
type DispatcherOptions struct {
	Backends  map[string]Generator
	Fallbacks map[string][]string
	Publisher Publisher
	Logger    *infra.Logger
}

// Dispatcher routes a render to the requested backend and walks its
// fallback chain on recoverable failures.
type Dispatcher struct {
	backends  map[string]Generator
	fallbacks map[string][]string
	publisher Publisher
	logger    *infra.Logger
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if len(opts.Backends) == 0 {
		return nil, domain.ConfigError("image: no rendering backends configured")
	}
	backends := make(map[string]Generator, len(opts.Backends))
	for id, gen := range opts.Backends {
		if gen == nil {
			continue
		}
		backends[strings.ToLower(strings.TrimSpace(id))] = gen
	}
	fallbacks := make(map[string][]string, len(opts.Fallbacks))
	for id, chain := range opts.Fallbacks {
		id = strings.ToLower(strings.TrimSpace(id))
		for _, next := range chain {
			next = strings.ToLower(strings.TrimSpace(next))
			if next == "" || next == id {
				continue
			}
			if _, ok := backends[next]; !ok {
				return nil, domain.ConfigError("image: fallback %q for %q is not a configured backend", next, id)
			}
			fallbacks[id] = append(fallbacks[id], next)
		}
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Dispatcher{backends: backends, fallbacks: fallbacks, publisher: opts.Publisher, logger: logger}, nil
}

// Backends lists the registered backend ids in sorted order.
func (d *Dispatcher) Backends() []string {
	ids := make([]string, 0, len(d.backends))
	for id := range d.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether backendID is registered.
func (d *Dispatcher) Has(backendID string) bool {
	_, ok := d.backends[strings.ToLower(strings.TrimSpace(backendID))]
	return ok
}

// Chain returns the backends Render would try for backendID, in order.
func (d *Dispatcher) Chain(backendID string) []string {
	backendID = strings.ToLower(strings.TrimSpace(backendID))
	if _, ok := d.backends[backendID]; !ok {
		return nil
	}
	chain := []string{backendID}
	seen := map[string]bool{backendID: true}
	for _, next := range d.fallbacks[backendID] {
		if !seen[next] {
			seen[next] = true
			chain = append(chain, next)
		}
	}
	return chain
}

// Render produces exactly one image or a terminal *domain.PipelineError
// for the rendering stage.
func (d *Dispatcher) Render(ctx context.Context, backendID string, req GenerateRequest) (*Result, error) {
	chain := d.Chain(backendID)
	if len(chain) == 0 {
		return nil, &domain.PipelineError{
			Code:    domain.CodeConfig,
			Stage:   domain.StageRendering,
			Message: fmt.Sprintf("unknown rendering backend %q", backendID),
		}
	}
	started := time.Now()
	var lastErr error
	for i, id := range chain {
		asset, err := d.backends[id].Generate(ctx, req)
		if err == nil && !hasImage(asset) {
			err = fmt.Errorf("image: %s returned no image: %w", id, domain.ErrMalformed)
		}
		if err != nil {
			lastErr = err
			action := Classify(err)
			d.logger.Warn().
				Err(err).
				Str("session_id", req.SessionID).
				Str("backend", id).
				Str("action", action.String()).
				Msg("image: backend failed")
			if action == ActionNext && i < len(chain)-1 {
				continue
			}
			return nil, domain.AsPipelineError(err, domain.StageRendering)
		}
		result := &Result{
			Backend:      id,
			FallbackUsed: i > 0,
			Attempts:     i + 1,
			Asset:        asset,
		}
		d.publish(ctx, req.SessionID, result)
		result.ProcessingTime = time.Since(started)
		d.logger.Info().
			Str("session_id", req.SessionID).
			Str("backend", id).
			Bool("fallback_used", result.FallbackUsed).
			Bool("inline", result.Inline).
			Dur("elapsed", result.ProcessingTime).
			Msg("image: rendered")
		return result, nil
	}
	return nil, domain.AsPipelineError(lastErr, domain.StageRendering)
}

// publish stores the bytes and falls back to an inline data URI when the
// store is unavailable. Assets without bytes keep the provider URL.
func (d *Dispatcher) publish(ctx context.Context, sessionID string, result *Result) {
	asset := result.Asset
	if len(asset.Data) == 0 {
		result.ImageURL = asset.URL
		return
	}
	if d.publisher != nil {
		url, err := d.publisher.Publish(ctx, asset.Data, asset.Format)
		if err == nil && url != "" {
			result.ImageURL = url
			return
		}
		d.logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Msg("image: publish failed, returning inline image")
	}
	result.ImageURL = domain.ImageRef{Data: asset.Data, MIME: asset.Format}.DataURI()
	result.Inline = true
}
