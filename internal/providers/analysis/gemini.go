package analysis

import (
	"context"
	"errors"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/genai"
)

type jsonGenerator interface {
	GenerateJSON(ctx context.Context, req genai.JSONRequest) (string, error)
	HasCredentials() bool
}

type GeminiOptions struct {
	Client     jsonGenerator
	Fallback   Analyzer
	OnFallback FallbackFunc
}

// GeminiAnalyzer runs both analysis passes on the Gemini text model in
// JSON mode.
type GeminiAnalyzer struct {
	client     jsonGenerator
	fallback   Analyzer
	onFallback FallbackFunc
}

func NewGeminiAnalyzer(opts GeminiOptions) (*GeminiAnalyzer, error) {
	if opts.Client == nil {
		return nil, errors.New("analysis: gemini client is required")
	}
	return &GeminiAnalyzer{client: opts.Client, fallback: opts.Fallback, onFallback: opts.OnFallback}, nil
}

func (g *GeminiAnalyzer) AnalyzeStructure(ctx context.Context, req StructuralRequest) (*domain.StructuralAnalysis, error) {
	images := []domain.ImageRef{req.Image}
	if req.OnModel != nil && !req.OnModel.IsZero() {
		images = append(images, *req.OnModel)
	} else {
		req.OnModel = nil
	}
	text, err := g.client.GenerateJSON(ctx, genai.JSONRequest{
		Prompt:      buildStructuralPrompt(req),
		Images:      images,
		Temperature: 0.1,
		RequestID:   req.SessionID,
	})
	var out *domain.StructuralAnalysis
	if err == nil {
		out, err = decodeStructural(text, req.SessionID, req.OnModel != nil)
	}
	if err != nil {
		var fallback func() (*domain.StructuralAnalysis, error)
		if g.fallback != nil {
			fallback = func() (*domain.StructuralAnalysis, error) { return g.fallback.AnalyzeStructure(ctx, req) }
		}
		minimal := func() *domain.StructuralAnalysis {
			return &domain.StructuralAnalysis{SessionID: req.SessionID, Degraded: true}
		}
		return recoverFrom(ctx, geminiProviderName, err, fallback, minimal, g.onFallback)
	}
	return out, nil
}

func (g *GeminiAnalyzer) AnalyzeEnrichment(ctx context.Context, req EnrichmentRequest) (*domain.EnrichmentAnalysis, error) {
	text, err := g.client.GenerateJSON(ctx, genai.JSONRequest{
		Prompt:      buildEnrichmentPrompt(req),
		Images:      []domain.ImageRef{req.Image},
		Temperature: 0.2,
		RequestID:   req.SessionID,
	})
	var out *domain.EnrichmentAnalysis
	if err == nil {
		out, err = decodeEnrichment(text, req)
	}
	if err != nil {
		var fallback func() (*domain.EnrichmentAnalysis, error)
		if g.fallback != nil {
			fallback = func() (*domain.EnrichmentAnalysis, error) { return g.fallback.AnalyzeEnrichment(ctx, req) }
		}
		minimal := func() *domain.EnrichmentAnalysis {
			res, _ := NewStaticAnalyzer().AnalyzeEnrichment(ctx, req)
			return res
		}
		return recoverFrom(ctx, geminiProviderName, err, fallback, minimal, g.onFallback)
	}
	return out, nil
}

var _ Analyzer = (*GeminiAnalyzer)(nil)
