package pipeline

import (
	"context"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/providers/image"
	"ghostmannequin/internal/qa"
)

// Renderer dispatches a render to a backend with its fallback chain.
type Renderer interface {
	Render(ctx context.Context, backendID string, req image.GenerateRequest) (*image.Result, error)
	Has(backendID string) bool
}

// QARunner validates a render and re-renders within its budget.
type QARunner interface {
	Run(ctx context.Context, contract imagegen.CoreContract, initial *image.Result, regenerate qa.RegenerateFunc) (*qa.Outcome, error)
}

// ImagePublisher gives cleaned images a durable URL.
type ImagePublisher interface {
	PublishImage(ctx context.Context, ref domain.ImageRef) (domain.ImageRef, error)
}

var (
	_ Renderer = (*image.Dispatcher)(nil)
	_ QARunner = (*qa.Loop)(nil)
)
