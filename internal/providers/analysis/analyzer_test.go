package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/genai"
)

type stubGenerator struct {
	text     string
	err      error
	requests []genai.JSONRequest
}

func (s *stubGenerator) GenerateJSON(ctx context.Context, req genai.JSONRequest) (string, error) {
	s.requests = append(s.requests, req)
	return s.text, s.err
}

func (s *stubGenerator) HasCredentials() bool { return true }

type recordingFallback struct {
	calls []string
}

func (r *recordingFallback) notify(provider, reason string, err error) {
	r.calls = append(r.calls, provider+":"+reason)
}

var flatlay = domain.ImageRef{Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"}

func TestGeminiStructuralDecodesFencedJSON(t *testing.T) {
	gen := &stubGenerator{text: "```json\n{\"category\":\"shirt\",\"button_count\":7,\"labels_found\":[{\"type\":\"brand\",\"text\":\"NORTHWIND\",\"preserve\":true}],\"proportion_hints\":{\"body_length_ratio\":1.3}}\n```"}
	analyzer, err := NewGeminiAnalyzer(GeminiOptions{Client: gen})
	require.NoError(t, err)

	out, err := analyzer.AnalyzeStructure(context.Background(), StructuralRequest{SessionID: "s1", Image: flatlay})
	require.NoError(t, err)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "shirt", out.Category)
	require.NotNil(t, out.ButtonCount)
	assert.Equal(t, 7, *out.ButtonCount)
	require.Len(t, out.Labels, 1)
	assert.Nil(t, out.ProportionHints, "hints without an on-model photo are discarded")
	require.Len(t, gen.requests, 1)
	assert.Len(t, gen.requests[0].Images, 1)
	assert.NotContains(t, gen.requests[0].Prompt, "proportion_hints")
}

func TestGeminiStructuralSendsOnModelImage(t *testing.T) {
	gen := &stubGenerator{text: `{"category":"dress","proportion_hints":{"body_length_ratio":1.8}}`}
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: gen})
	onModel := domain.ImageRef{URL: "https://example.com/model.jpg"}

	out, err := analyzer.AnalyzeStructure(context.Background(), StructuralRequest{SessionID: "s1", Image: flatlay, OnModel: &onModel})
	require.NoError(t, err)
	require.NotNil(t, out.ProportionHints)
	assert.InDelta(t, 1.8, out.ProportionHints.BodyLength, 1e-9)
	assert.Len(t, gen.requests[0].Images, 2)
	assert.Contains(t, gen.requests[0].Prompt, "proportion_hints")
}

func TestMalformedResponseDegradesToMinimalAnalysis(t *testing.T) {
	rec := &recordingFallback{}
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: &stubGenerator{text: "I cannot describe this garment."}, OnFallback: rec.notify})

	structural, err := analyzer.AnalyzeStructure(context.Background(), StructuralRequest{SessionID: "s1", Image: flatlay})
	require.NoError(t, err)
	assert.True(t, structural.Degraded)
	assert.Equal(t, "s1", structural.SessionID)

	enrichment, err := analyzer.AnalyzeEnrichment(context.Background(), EnrichmentRequest{SessionID: "s1", Image: flatlay, StructuralSessionID: "s0"})
	require.NoError(t, err)
	assert.True(t, enrichment.Degraded)
	assert.Equal(t, "s0", enrichment.BaseAnalysisRef)
	assert.Equal(t, []string{"gemini:malformed_response", "gemini:malformed_response"}, rec.calls)
}

func TestQuotaMovesToFallbackAnalyzer(t *testing.T) {
	rec := &recordingFallback{}
	quota := &domain.ProviderError{Provider: "gemini", StatusCode: http.StatusTooManyRequests, Code: "RESOURCE_EXHAUSTED"}
	fallback := &GeminiAnalyzer{client: &stubGenerator{text: `{"category":"jacket"}`}}
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: &stubGenerator{err: quota}, Fallback: fallback, OnFallback: rec.notify})

	out, err := analyzer.AnalyzeStructure(context.Background(), StructuralRequest{SessionID: "s1", Image: flatlay})
	require.NoError(t, err)
	assert.Equal(t, "jacket", out.Category)
	assert.Equal(t, []string{"gemini:quota"}, rec.calls)
}

func TestQuotaWithoutFallbackSurfaces(t *testing.T) {
	quota := &domain.ProviderError{Provider: "gemini", StatusCode: http.StatusTooManyRequests}
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: &stubGenerator{err: quota}})

	_, err := analyzer.AnalyzeEnrichment(context.Background(), EnrichmentRequest{SessionID: "s1", Image: flatlay})
	require.Error(t, err)
	assert.Equal(t, domain.CodeRateLimited, domain.ClassifyProviderError(err))
}

func TestContentBlockIsNeverRecovered(t *testing.T) {
	rec := &recordingFallback{}
	blocked := errors.Join(domain.ErrContentBlocked, errors.New("SAFETY"))
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{
		Client:     &stubGenerator{err: blocked},
		Fallback:   NewStaticAnalyzer(),
		OnFallback: rec.notify,
	})

	_, err := analyzer.AnalyzeStructure(context.Background(), StructuralRequest{SessionID: "s1", Image: flatlay})
	require.ErrorIs(t, err, domain.ErrContentBlocked)
	assert.Empty(t, rec.calls)
}

func TestCancelledContextReturnsOriginalError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: &stubGenerator{err: context.Canceled}, Fallback: NewStaticAnalyzer()})

	_, err := analyzer.AnalyzeStructure(ctx, StructuralRequest{SessionID: "s1", Image: flatlay})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnrichmentPromptCarriesOnlyStructuralReference(t *testing.T) {
	gen := &stubGenerator{text: `{"color_precision":{"primary_hex":"#1a2b3c"},"fabric_behavior":{"drape_stiffness":0.4}}`}
	analyzer, _ := NewGeminiAnalyzer(GeminiOptions{Client: gen})

	out, err := analyzer.AnalyzeEnrichment(context.Background(), EnrichmentRequest{
		SessionID:           "s2",
		Image:               flatlay,
		StructuralSessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "#1a2b3c", out.Color.PrimaryHex)
	require.NotNil(t, out.Fabric.DrapeStiffness)
	assert.Equal(t, "s1", out.BaseAnalysisRef)
	assert.False(t, strings.Contains(gen.requests[0].Prompt, "previous pass"))
	assert.Contains(t, gen.requests[0].Prompt, "base_analysis_ref=s1")
}

func TestNewGeminiAnalyzerRequiresClient(t *testing.T) {
	_, err := NewGeminiAnalyzer(GeminiOptions{})
	require.Error(t, err)
}
