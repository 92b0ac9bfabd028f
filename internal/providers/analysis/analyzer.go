// Package analysis turns garment photos into structural and enrichment
// analyses using vision-language models.
package analysis

import (
	"context"
	"errors"

	"ghostmannequin/internal/domain"
)

const (
	geminiProviderName = "gemini"
	openAIProviderName = "openai"
	staticProviderName = "static"
)

// StructuralRequest asks for the first-pass garment description. OnModel is
// set only when the caller supplied an on-model photo.
type StructuralRequest struct {
	SessionID string
	Image     domain.ImageRef
	OnModel   *domain.ImageRef
}

// EnrichmentRequest asks for the precision pass. The structural session id
// is recorded as a reference only; the analysis sees nothing else from the
// structural pass.
type EnrichmentRequest struct {
	SessionID           string
	Image               domain.ImageRef
	StructuralSessionID string
}

// StructuralAnalyzer produces a StructuralAnalysis for a cleaned flatlay.
type StructuralAnalyzer interface {
	AnalyzeStructure(ctx context.Context, req StructuralRequest) (*domain.StructuralAnalysis, error)
}

// EnrichmentAnalyzer produces an EnrichmentAnalysis for a cleaned flatlay.
type EnrichmentAnalyzer interface {
	AnalyzeEnrichment(ctx context.Context, req EnrichmentRequest) (*domain.EnrichmentAnalysis, error)
}

// Analyzer serves both passes.
type Analyzer interface {
	StructuralAnalyzer
	EnrichmentAnalyzer
}

// FallbackFunc observes every recovered failure.
type FallbackFunc func(provider, reason string, err error)

// StaticAnalyzer returns minimal, degraded analyses. Consolidation fills
// every field from defaults.
type StaticAnalyzer struct{}

func NewStaticAnalyzer() *StaticAnalyzer {
	return &StaticAnalyzer{}
}

func (s *StaticAnalyzer) AnalyzeStructure(ctx context.Context, req StructuralRequest) (*domain.StructuralAnalysis, error) {
	return &domain.StructuralAnalysis{SessionID: req.SessionID, Degraded: true}, nil
}

func (s *StaticAnalyzer) AnalyzeEnrichment(ctx context.Context, req EnrichmentRequest) (*domain.EnrichmentAnalysis, error) {
	return &domain.EnrichmentAnalysis{
		SessionID:       req.SessionID,
		BaseAnalysisRef: coalesce(req.StructuralSessionID, req.SessionID),
		Degraded:        true,
	}, nil
}

var _ Analyzer = (*StaticAnalyzer)(nil)

// recoverFrom applies the failure policy shared by every remote analyzer:
// a malformed answer degrades to the minimal analysis, quota or an
// unavailable provider moves to the fallback analyzer when one exists, and
// everything else (content blocks included) is surfaced.
func recoverFrom[T any](ctx context.Context, provider string, err error, fallback func() (T, error), minimal func() T, notify FallbackFunc) (T, error) {
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, err
	}
	code := domain.ClassifyProviderError(err)
	switch {
	case code == domain.CodeMalformedResponse:
		emit(notify, provider, "malformed_response", err)
		return minimal(), nil
	case code == domain.CodeContentBlocked:
		return zero, err
	case fallback != nil && code == domain.CodeRateLimited:
		emit(notify, provider, "quota", err)
		return fallback()
	case fallback != nil && domain.IsUnavailable(err):
		emit(notify, provider, "unavailable", err)
		return fallback()
	}
	return zero, err
}

func emit(notify FallbackFunc, provider, reason string, err error) {
	if notify != nil {
		notify(provider, reason, err)
	}
}

// decodeStructural parses model output; any parse failure is malformed.
func decodeStructural(text, sessionID string, withOnModel bool) (*domain.StructuralAnalysis, error) {
	parsed, err := parseModelPayload[domain.StructuralAnalysis](text)
	if err != nil {
		return nil, errors.Join(domain.ErrMalformed, err)
	}
	parsed.SessionID = sessionID
	parsed.Degraded = false
	if !withOnModel {
		parsed.ProportionHints = nil
	}
	return &parsed, nil
}

func decodeEnrichment(text string, req EnrichmentRequest) (*domain.EnrichmentAnalysis, error) {
	parsed, err := parseModelPayload[domain.EnrichmentAnalysis](text)
	if err != nil {
		return nil, errors.Join(domain.ErrMalformed, err)
	}
	parsed.SessionID = req.SessionID
	parsed.BaseAnalysisRef = coalesce(req.StructuralSessionID, req.SessionID)
	parsed.Degraded = false
	return &parsed, nil
}
