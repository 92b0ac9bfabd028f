package pipeline

import (
	"bytes"
	"context"
	"fmt"
	goimage "image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/providers/analysis"
	"ghostmannequin/internal/providers/background"
	"ghostmannequin/internal/providers/image"
	"ghostmannequin/internal/qa"
)

type stubRemover struct {
	mu    sync.Mutex
	calls []domain.ImageRef
	err   error
}

func (s *stubRemover) Remove(ctx context.Context, img domain.ImageRef) (*background.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, img)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	data := append([]byte(nil), img.Data...)
	return &background.Result{Image: domain.ImageRef{Data: data, MIME: "image/png"}}, nil
}

type stubAnalyzer struct {
	structural    *domain.StructuralAnalysis
	enrichment    *domain.EnrichmentAnalysis
	structuralErr error
	enrichmentErr error
	block         bool
	structuralReq analysis.StructuralRequest
}

func (s *stubAnalyzer) AnalyzeStructure(ctx context.Context, req analysis.StructuralRequest) (*domain.StructuralAnalysis, error) {
	s.structuralReq = req
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.structuralErr != nil {
		return nil, s.structuralErr
	}
	out := *s.structural
	out.SessionID = req.SessionID
	return &out, nil
}

func (s *stubAnalyzer) AnalyzeEnrichment(ctx context.Context, req analysis.EnrichmentRequest) (*domain.EnrichmentAnalysis, error) {
	if s.enrichmentErr != nil {
		return nil, s.enrichmentErr
	}
	out := *s.enrichment
	out.SessionID = req.SessionID
	out.BaseAnalysisRef = req.StructuralSessionID
	return &out, nil
}

type stubGenerator struct {
	mu       sync.Mutex
	requests []image.GenerateRequest
	errs     []error
	block    bool
}

func (g *stubGenerator) Generate(ctx context.Context, req image.GenerateRequest) (*image.Asset, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	var err error
	if len(g.errs) > 0 {
		err = g.errs[0]
		g.errs = g.errs[1:]
	}
	block := g.block
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("gemini: invoke: %w", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return &image.Asset{Format: "image/png", Data: []byte{0x89, byte(n)}}, nil
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type stubPublisher struct{}

func (stubPublisher) Publish(ctx context.Context, data []byte, contentType string) (string, error) {
	return "https://cdn.example.com/render-" + string(rune('0'+data[len(data)-1])) + ".png", nil
}

type scriptedValidator struct {
	verdicts []*qa.Verdict
	calls    int
}

func (v *scriptedValidator) Validate(ctx context.Context, contract imagegen.CoreContract, rendered domain.ImageRef) (*qa.Verdict, error) {
	i := v.calls
	v.calls++
	if i >= len(v.verdicts) {
		i = len(v.verdicts) - 1
	}
	return v.verdicts[i], nil
}

func intPtr(v int) *int { return &v }

func shirtAnalyses() *stubAnalyzer {
	return &stubAnalyzer{
		structural: &domain.StructuralAnalysis{
			Category:    "shirt",
			Silhouette:  "regular fit button-down",
			Pattern:     "solid",
			ClosureType: "buttons",
			ButtonCount: intPtr(7),
			Palette:     domain.CoarsePalette{Dominant: []string{"#203040"}},
			Labels: []domain.LabelFinding{
				{Type: "brand", Text: "ACME Tailors", Location: "neck", Priority: "critical", Preserve: true},
			},
		},
		enrichment: &domain.EnrichmentAnalysis{
			Color:  domain.ColorPrecision{PrimaryHex: "#1a2b3c"},
			Fabric: domain.FabricBehavior{Material: "cotton poplin"},
		},
	}
}

type fixture struct {
	remover   *stubRemover
	analyzer  *stubAnalyzer
	primary   *stubGenerator
	fallback  *stubGenerator
	validator *scriptedValidator
	cfg       Config
}

func newFixture() *fixture {
	return &fixture{
		remover:   &stubRemover{},
		analyzer:  shirtAnalyses(),
		primary:   &stubGenerator{},
		fallback:  &stubGenerator{},
		validator: &scriptedValidator{verdicts: []*qa.Verdict{{Pass: true}}},
		cfg:       Config{QAEnabled: true},
	}
}

func (f *fixture) build(t *testing.T) *Orchestrator {
	t.Helper()
	dispatcher, err := image.NewDispatcher(image.DispatcherOptions{
		Backends:  map[string]image.Generator{image.BackendGemini: f.primary, image.BackendSeedream: f.fallback},
		Fallbacks: map[string][]string{image.BackendGemini: {image.BackendSeedream}},
		Publisher: stubPublisher{},
	})
	require.NoError(t, err)
	loop, err := qa.NewLoop(qa.LoopOptions{Validator: f.validator})
	require.NoError(t, err)
	o, err := New(f.cfg, Deps{
		Remover:    f.remover,
		Structural: f.analyzer,
		Enrichment: f.analyzer,
		Renderer:   dispatcher,
		QA:         loop,
		NewID:      func() string { return "sess-1" },
	})
	require.NoError(t, err)
	return o
}

var flatlayOnly = domain.Request{
	Flatlay: domain.ImageRef{Data: []byte("flatlay"), MIME: "image/png"},
	Options: domain.Options{UseStructuredPrompt: true, PreserveLabels: true},
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{QAEnabled: true}, Deps{Remover: &stubRemover{}})
	var pe *domain.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.CodeConfig, pe.Code)
	assert.Contains(t, pe.Error(), "structural analyzer")
	assert.Contains(t, pe.Error(), "qa validator")
}

func TestNewRejectsUnregisteredDefaultBackend(t *testing.T) {
	dispatcher, err := image.NewDispatcher(image.DispatcherOptions{
		Backends: map[string]image.Generator{image.BackendGemini: &stubGenerator{}},
	})
	require.NoError(t, err)
	analyzer := shirtAnalyses()
	_, err = New(Config{DefaultBackend: image.BackendQwen}, Deps{
		Remover:    &stubRemover{},
		Structural: analyzer,
		Enrichment: analyzer,
		Renderer:   dispatcher,
	})
	var pe *domain.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.CodeConfig, pe.Code)
}

func TestRunFlatlayOnlyUsesCategoryDefaultProportions(t *testing.T) {
	f := newFixture()
	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	assert.Equal(t, domain.RunCompleted, res.Status)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Len(t, f.remover.calls, 1)
	assert.Nil(t, f.analyzer.structuralReq.OnModel)
	for _, stage := range domain.Stages {
		assert.Contains(t, res.StageResults, stage)
		assert.Contains(t, res.Timings.Stages, stage)
	}

	outcome, ok := res.StageResults[domain.StageConsolidation].(*FactsOnly)
	require.True(t, ok)
	assert.Equal(t, consolidate.ProportionsCategoryDefault, outcome.Facts.Proportions.Source)
	assert.Equal(t, outcome.Compiled.Digest, res.Digest)
	assert.Equal(t, "https://cdn.example.com/render-1.png", res.RenderedImageURL)
	assert.Equal(t, image.BackendGemini, res.Backend)
	assert.False(t, res.FallbackUsed)
	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Pass)
	assert.Equal(t, 1, res.QA.Iterations)
	assert.True(t, strings.HasPrefix(res.CleanedImageURL, "data:image/png;base64,"))
}

func TestRunOnModelCleansBothImages(t *testing.T) {
	f := newFixture()
	f.analyzer.structural.ProportionHints = &domain.Proportions{ShoulderWidth: 1.1, BodyLength: 1.4}
	req := flatlayOnly
	req.OnModel = &domain.ImageRef{Data: []byte("model"), MIME: "image/png"}

	res := f.build(t).Run(context.Background(), req)

	require.Nil(t, res.Error)
	assert.Len(t, f.remover.calls, 2)
	require.NotNil(t, f.analyzer.structuralReq.OnModel)
	assert.Equal(t, []byte("model"), f.analyzer.structuralReq.OnModel.Data)
	bg := res.StageResults[domain.StageBackgroundRemoval].(*BackgroundArtifact)
	require.NotNil(t, bg.OnModel)
	outcome := res.StageResults[domain.StageConsolidation].(*FactsOnly)
	assert.Equal(t, consolidate.ProportionsOnModel, outcome.Facts.Proportions.Source)
	require.Len(t, f.primary.requests, 1)
	assert.Len(t, f.primary.requests[0].Images, 2)
}

func TestRunCarriesLabelsAndEnrichmentHex(t *testing.T) {
	f := newFixture()
	res := f.build(t).Run(context.Background(), flatlayOnly)
	require.Nil(t, res.Error)

	outcome := res.StageResults[domain.StageConsolidation].(*FactsOnly)
	contract := outcome.Compiled.Contract
	require.NotEmpty(t, contract.ColorsHex)
	assert.Equal(t, "#1A2B3C", contract.ColorsHex[0])
	assert.Equal(t, 1, contract.Parts.LabelCount)
	assert.True(t, contract.Rules.PreserveLabels)

	require.Len(t, f.primary.requests, 1)
	sent := f.primary.requests[0]
	assert.Contains(t, sent.Instruction, "#1A2B3C")
	assert.Contains(t, sent.Instruction, "ACME Tailors")
	assert.Equal(t, outcome.Compiled.Digest, sent.Digest)
	assert.Equal(t, "2048x2048", sent.OutputSize)
	assert.NotEmpty(t, sent.NegativePrompt)
}

func TestRunLegacyPromptWhenStructuredDisabled(t *testing.T) {
	f := newFixture()
	req := flatlayOnly
	req.Options.UseStructuredPrompt = false
	res := f.build(t).Run(context.Background(), req)
	require.Nil(t, res.Error)

	require.Len(t, f.primary.requests, 1)
	sent := f.primary.requests[0].Instruction
	assert.NotContains(t, sent, "CORE_CONTRACT")
	assert.Contains(t, sent, "#1A2B3C")
}

func TestRunQuotaFallbackReportsFallbackUsed(t *testing.T) {
	f := newFixture()
	f.primary.errs = []error{&domain.ProviderError{Provider: "gemini", StatusCode: 429, Message: "quota exceeded"}}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	assert.Equal(t, domain.RunCompleted, res.Status)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, image.BackendSeedream, res.Backend)
	assert.Equal(t, 1, f.primary.calls())
	assert.Equal(t, 1, f.fallback.calls())
}

func wideImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, goimage.NewRGBA(goimage.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestRunColorOnlyQARetryDownscalesWithoutShortening(t *testing.T) {
	f := newFixture()
	f.validator.verdicts = []*qa.Verdict{
		{Violations: []qa.Violation{{Kind: qa.ViolationColor, Constraint: "colors_hex[0]", Expected: "#1A2B3C", Observed: "#885522", Deviation: 40}}},
		{Pass: true},
	}
	o := f.build(t)
	req := flatlayOnly
	req.Flatlay = domain.ImageRef{Data: wideImage(t, 1600, 400), MIME: "image/png"}

	res := o.Run(context.Background(), req)

	require.Nil(t, res.Error)
	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Pass)
	assert.Equal(t, 1, res.QA.Retries)
	assert.Equal(t, 2, res.QA.Iterations)
	require.Len(t, f.primary.requests, 2)

	first, retry := f.primary.requests[0], f.primary.requests[1]
	assert.Equal(t, first.Instruction, retry.Instruction)
	assert.Contains(t, retry.Instruction, "HINTS")
	cfg, _, err := goimage.DecodeConfig(bytes.NewReader(retry.Images[0].Data))
	require.NoError(t, err)
	assert.Equal(t, qa.DefaultDownscaleDim, cfg.Width)
	assert.Equal(t, 256, cfg.Height)

	assert.Equal(t, "https://cdn.example.com/render-2.png", res.RenderedImageURL)
	rendered := res.StageResults[domain.StageRendering].(*image.Result)
	assert.Equal(t, res.RenderedImageURL, rendered.ImageURL)
}

func TestRunStructuralQARetryShortensPrompt(t *testing.T) {
	f := newFixture()
	f.validator.verdicts = []*qa.Verdict{
		{Violations: []qa.Violation{{Kind: qa.ViolationStructural, Constraint: "button_count", Expected: "7", Observed: "5"}}},
		{Pass: true},
	}
	res := f.build(t).Run(context.Background(), flatlayOnly)
	require.Nil(t, res.Error)

	require.Len(t, f.primary.requests, 2)
	assert.Contains(t, f.primary.requests[0].Instruction, "HINTS")
	assert.NotContains(t, f.primary.requests[1].Instruction, "HINTS")
}

func TestRunQANeverExceedsBudget(t *testing.T) {
	f := newFixture()
	failing := &qa.Verdict{Violations: []qa.Violation{{Kind: qa.ViolationProportion, Constraint: "body_length_ratio"}}}
	f.validator.verdicts = []*qa.Verdict{failing}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	assert.Equal(t, domain.RunCompleted, res.Status)
	require.NotNil(t, res.QA)
	assert.False(t, res.QA.Pass)
	assert.Equal(t, qa.DefaultMaxIterations, res.QA.Iterations)
	assert.Equal(t, qa.DefaultMaxIterations, f.primary.calls())
	assert.Len(t, res.QA.Violations, 1)
}

func TestRunFailOnQAViolation(t *testing.T) {
	f := newFixture()
	f.cfg.FailOnQAViolation = true
	f.validator.verdicts = []*qa.Verdict{{Violations: []qa.Violation{{Kind: qa.ViolationColor}}}}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.CodeQAFailed, res.Error.Code)
	assert.Equal(t, domain.StageQA, res.Error.Stage)
	assert.NotContains(t, res.StageResults, domain.StageQA)
	assert.Contains(t, res.StageResults, domain.StageRendering)
}

func TestRunQADisabledReturnsRenderVerbatim(t *testing.T) {
	f := newFixture()
	f.cfg.QAEnabled = false
	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	assert.Nil(t, res.QA)
	assert.NotContains(t, res.StageResults, domain.StageQA)
	assert.Equal(t, 0, f.validator.calls)
	rendered := res.StageResults[domain.StageRendering].(*image.Result)
	assert.Equal(t, rendered.ImageURL, res.RenderedImageURL)
}

func TestRunStopsAfterStageFailure(t *testing.T) {
	f := newFixture()
	f.analyzer.enrichmentErr = fmt.Errorf("gemini: %w", domain.ErrContentBlocked)

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.CodeContentBlocked, res.Error.Code)
	assert.Equal(t, domain.StageEnrichment, res.Error.Stage)
	assert.Equal(t, domain.StageEnrichment, res.CurrentStage)
	assert.Len(t, res.StageResults, 2)
	assert.Contains(t, res.StageResults, domain.StageBackgroundRemoval)
	assert.Contains(t, res.StageResults, domain.StageAnalysis)
	assert.Equal(t, 0, f.primary.calls())
	assert.NotEmpty(t, res.CleanedImageURL)
}

func TestRunStageTimeout(t *testing.T) {
	f := newFixture()
	f.analyzer.block = true
	f.cfg.StageTimeouts = map[domain.Stage]time.Duration{domain.StageAnalysis: 20 * time.Millisecond}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeStageTimeout, res.Error.Code)
	assert.Equal(t, domain.StageAnalysis, res.Error.Stage)
	assert.NotContains(t, res.StageResults, domain.StageAnalysis)
	assert.Len(t, res.StageResults, 1)
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture()
	f.analyzer.block = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := f.build(t).Run(ctx, flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeInternal, res.Error.Code)
	assert.Equal(t, domain.StageAnalysis, res.Error.Stage)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	f := newFixture()
	o := f.build(t)

	res := o.Run(context.Background(), domain.Request{})
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeValidation, res.Error.Code)
	assert.Empty(t, res.Error.Stage)
	assert.Empty(t, res.StageResults)
	assert.Empty(t, f.remover.calls)

	req := flatlayOnly
	req.Options.RenderingBackend = "dalle"
	res = o.Run(context.Background(), req)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeValidation, res.Error.Code)
}

func TestRunBackgroundRemovalFailure(t *testing.T) {
	f := newFixture()
	f.remover.err = &domain.PipelineError{Code: domain.CodeInsufficientCredits, Stage: domain.StageBackgroundRemoval, Message: "out of credits"}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeInsufficientCredits, res.Error.Code)
	assert.Empty(t, res.StageResults)
	assert.Empty(t, res.CleanedImageURL)
}

func TestRunCombinedRendering(t *testing.T) {
	f := newFixture()
	f.cfg.CombinedRendering = true

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	combined, ok := res.StageResults[domain.StageConsolidation].(*FactsAndResult)
	require.True(t, ok)
	assert.Same(t, combined.Result, res.StageResults[domain.StageRendering])
	assert.Equal(t, 1, f.primary.calls())
}

func TestRunCombinedRenderingFailureFallsBackToRenderingStage(t *testing.T) {
	f := newFixture()
	f.cfg.CombinedRendering = true
	f.primary.errs = []error{fmt.Errorf("gemini: %w", domain.ErrMalformed)}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.Nil(t, res.Error)
	_, ok := res.StageResults[domain.StageConsolidation].(*FactsOnly)
	assert.True(t, ok)
	assert.Equal(t, 2, f.primary.calls())
}

func TestRunCombinedRenderingContentBlockIsNotRetried(t *testing.T) {
	f := newFixture()
	f.cfg.CombinedRendering = true
	f.primary.errs = []error{fmt.Errorf("gemini: %w", domain.ErrContentBlocked)}

	res := f.build(t).Run(context.Background(), flatlayOnly)

	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeContentBlocked, res.Error.Code)
	assert.Equal(t, domain.StageConsolidation, res.Error.Stage)
	assert.NotContains(t, res.StageResults, domain.StageConsolidation)
	assert.NotContains(t, res.StageResults, domain.StageRendering)
	assert.Equal(t, 1, f.primary.calls())
	assert.Equal(t, 0, f.fallback.calls())
}

func TestRunCombinedRenderingDeadlineIsStageTimeout(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture()
		f.cfg.CombinedRendering = true
		f.cfg.StageTimeouts = map[domain.Stage]time.Duration{
			domain.StageConsolidation: 10 * time.Millisecond,
			domain.StageRendering:     10 * time.Millisecond,
		}
		f.primary.block = true

		res := f.build(t).Run(context.Background(), flatlayOnly)

		require.NotNil(t, res.Error)
		assert.Equal(t, domain.CodeStageTimeout, res.Error.Code)
		assert.Equal(t, domain.StageConsolidation, res.Error.Stage)
		assert.Equal(t, 1, f.primary.calls())
	}
}

func TestClassifyKeepsErrorReturnedAtDeadline(t *testing.T) {
	o := newFixture().build(t)
	stageCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-stageCtx.Done()

	pe := o.classify(context.Background(), stageCtx, domain.StageRendering, time.Second, fmt.Errorf("gemini: %w", domain.ErrContentBlocked))
	assert.Equal(t, domain.CodeContentBlocked, pe.Code)

	pe = o.classify(context.Background(), stageCtx, domain.StageRendering, time.Second, fmt.Errorf("gemini: invoke: %w", stageCtx.Err()))
	assert.Equal(t, domain.CodeStageTimeout, pe.Code)
	assert.Equal(t, domain.StageRendering, pe.Stage)
}

func TestRunStateIsForwardOnly(t *testing.T) {
	r := newRun("s")
	require.NoError(t, r.advance(domain.StageAnalysis))
	require.NoError(t, r.commit(domain.StageAnalysis, "a", time.Millisecond))
	assert.Error(t, r.commit(domain.StageAnalysis, "b", time.Millisecond))
	assert.Error(t, r.advance(domain.StageBackgroundRemoval))
	assert.Error(t, r.commit(domain.StageRendering, "c", time.Millisecond))
	require.NoError(t, r.advance(domain.StageRendering))

	out := r.result()
	assert.Equal(t, "a", out.StageResults[domain.StageAnalysis])
	assert.NotContains(t, out.StageResults, domain.StageRendering)
}

func TestMarshalStageResults(t *testing.T) {
	raw, err := MarshalStageResults(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = MarshalStageResults(map[domain.Stage]any{domain.StageQA: map[string]bool{"pass": true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"qa":{"pass":true}}`, string(raw))
}

func TestRunResultOutcome(t *testing.T) {
	f := newFixture()
	f.analyzer.enrichmentErr = fmt.Errorf("gemini: %w", domain.ErrContentBlocked)
	res := f.build(t).Run(context.Background(), flatlayOnly)

	out, err := res.Outcome()
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, out.Status)
	assert.Equal(t, domain.CodeContentBlocked, out.ErrorCode)
	assert.Equal(t, domain.StageEnrichment, out.FailedStage)
	assert.NotContains(t, string(out.ResultJSON), "stageResults")
	assert.Contains(t, string(out.StageJSON), `"analysis"`)
}
