// Package background removes photo backgrounds ahead of garment analysis.
package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/fal"
)

// DefaultApp is the fal.ai background removal endpoint.
const DefaultApp = "fal-ai/bria/background/remove"

// Result is a cleaned image plus how long the provider took.
type Result struct {
	Image          domain.ImageRef `json:"image"`
	Width          int             `json:"width,omitempty"`
	Height         int             `json:"height,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`
}

// Remover is implemented by background removal providers. Failures are
// returned as *domain.PipelineError with a classified code.
type Remover interface {
	Remove(ctx context.Context, img domain.ImageRef) (*Result, error)
}

type falRunner interface {
	Run(ctx context.Context, app string, input any, out any) error
	Download(ctx context.Context, f fal.File) ([]byte, string, error)
	HasCredentials() bool
}

// FalRemover calls a fal.ai background removal app.
type FalRemover struct {
	client falRunner
	app    string
}

// NewFalRemover wires a fal client. An empty app uses DefaultApp.
func NewFalRemover(client falRunner, app string) *FalRemover {
	if app == "" {
		app = DefaultApp
	}
	return &FalRemover{client: client, app: app}
}

type falInput struct {
	ImageURL string `json:"image_url"`
}

type falOutput struct {
	Image fal.File `json:"image"`
}

func (r *FalRemover) Remove(ctx context.Context, img domain.ImageRef) (*Result, error) {
	if r == nil || r.client == nil || !r.client.HasCredentials() {
		return nil, domain.ConfigError("background removal: fal credentials are not configured")
	}
	if img.IsZero() {
		return nil, domain.ValidationError(domain.ErrMissingImage)
	}
	started := time.Now()
	var out falOutput
	if err := r.client.Run(ctx, r.app, falInput{ImageURL: img.DataURI()}, &out); err != nil {
		return nil, classify(err)
	}
	if out.Image.URL == "" {
		return nil, classify(fmt.Errorf("background removal: no image in response: %w", domain.ErrMalformed))
	}
	cleaned, err := domain.ParseImageRef(out.Image.URL)
	if err != nil {
		return nil, classify(fmt.Errorf("background removal: %v: %w", err, domain.ErrMalformed))
	}
	if cleaned.MIME == "" {
		cleaned.MIME = out.Image.ContentType
	}
	// Cut-out bytes are kept for retry downscaling.
	if !cleaned.Inline() {
		if data, mime, err := r.client.Download(ctx, out.Image); err == nil {
			cleaned.Data, cleaned.MIME = data, mime
		}
	}
	return &Result{
		Image:          cleaned,
		Width:          out.Image.Width,
		Height:         out.Image.Height,
		ProcessingTime: time.Since(started),
	}, nil
}

// classify maps provider failures onto the removal error classes. Anything
// unrecognized stays a generic provider error.
func classify(err error) error {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	code := domain.ClassifyProviderError(err)
	switch code {
	case domain.CodeRateLimited, domain.CodeInsufficientCredits, domain.CodeInvalidImageFormat,
		domain.CodeContentBlocked, domain.CodeMalformedResponse, domain.CodeStageTimeout:
	default:
		code = domain.CodeProvider
	}
	return domain.NewPipelineError(code, "", err)
}

// Passthrough returns the input unchanged. It serves local runs where no
// removal provider is configured.
type Passthrough struct{}

func (Passthrough) Remove(ctx context.Context, img domain.ImageRef) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.IsZero() {
		return nil, domain.ValidationError(domain.ErrMissingImage)
	}
	return &Result{Image: img}, nil
}

var (
	_ Remover = (*FalRemover)(nil)
	_ Remover = Passthrough{}
)
