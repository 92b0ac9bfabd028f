package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/providers/analysis"
	"ghostmannequin/internal/providers/image"
	"ghostmannequin/internal/qa"
)

// Orchestrator sequences the stages of a run. It holds no per-run state
// and is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *infra.Logger
}

// New validates the collaborators. A missing required one is reported as
// a CONFIG_ERROR.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()
	var missing []string
	if deps.Remover == nil {
		missing = append(missing, "background remover")
	}
	if deps.Structural == nil {
		missing = append(missing, "structural analyzer")
	}
	if deps.Enrichment == nil {
		missing = append(missing, "enrichment analyzer")
	}
	if deps.Renderer == nil {
		missing = append(missing, "renderer")
	}
	if cfg.QAEnabled && deps.QA == nil {
		missing = append(missing, "qa validator")
	}
	if len(missing) > 0 {
		return nil, domain.ConfigError("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if !deps.Renderer.Has(cfg.DefaultBackend) {
		return nil, domain.ConfigError("pipeline: default backend %q is not registered", cfg.DefaultBackend)
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run executes every stage in order and always returns a result. On
// failure the result carries the artifacts of the completed stages, the
// failing stage and the error code.
func (o *Orchestrator) Run(ctx context.Context, req domain.Request) *RunResult {
	return o.RunWithID(ctx, o.deps.NewID(), req)
}

// RunWithID is Run with a caller-chosen session id, used by the job worker
// so the run and its job share one id.
func (o *Orchestrator) RunWithID(ctx context.Context, sessionID string, req domain.Request) *RunResult {
	r := newRun(sessionID)
	log := o.logger.With().Str("session_id", sessionID).Logger()

	if err := req.Validate(); err != nil {
		return o.fail(r, domain.ValidationError(err), &log)
	}
	req = req.Normalize(o.cfg.DefaultBackend)
	if !o.deps.Renderer.Has(req.Options.RenderingBackend) {
		return o.fail(r, domain.ValidationError(fmt.Errorf("unknown rendering backend %q", req.Options.RenderingBackend)), &log)
	}
	log.Info().
		Bool("on_model", req.HasOnModel()).
		Str("backend", req.Options.RenderingBackend).
		Bool("qa", o.cfg.QAEnabled).
		Msg("pipeline: run started")

	s := &state{sessionID: sessionID, req: req}
	steps := []struct {
		stage domain.Stage
		fn    func(context.Context, *state) (any, error)
	}{
		{domain.StageBackgroundRemoval, o.removeBackground},
		{domain.StageAnalysis, o.analyzeStructure},
		{domain.StageEnrichment, o.analyzeEnrichment},
		{domain.StageConsolidation, o.consolidate},
		{domain.StageRendering, o.render},
		{domain.StageQA, o.runQA},
	}
	for _, step := range steps {
		if step.stage == domain.StageRendering {
			if combined, ok := s.outcome.(*FactsAndResult); ok {
				if err := o.commitCombined(r, combined, &log); err != nil {
					return o.fail(r, err, &log)
				}
				s.rendered = combined.Result
				continue
			}
		}
		if step.stage == domain.StageQA && !o.cfg.QAEnabled {
			log.Debug().Msg("pipeline: qa disabled, skipping")
			continue
		}
		if err := o.runStage(ctx, r, step.stage, s, step.fn, &log); err != nil {
			return o.fail(r, err, &log)
		}
		if step.stage == domain.StageQA && s.qa != nil {
			r.replaceRendering(s.qa.Result)
		}
	}
	return o.complete(r, s, &log)
}

// state carries stage outputs forward within one run.
type state struct {
	sessionID  string
	req        domain.Request
	flatlay    domain.ImageRef
	onModel    *domain.ImageRef
	structural *domain.StructuralAnalysis
	enrichment *domain.EnrichmentAnalysis
	outcome    ConsolidationOutcome
	rendered   *image.Result
	qa         *qa.Outcome
}

type stageResult struct {
	artifact any
	err      error
}

// runStage executes fn under the stage's own deadline. A stage that does
// not return in time is abandoned and reported as STAGE_TIMEOUT; nothing
// it produces afterwards is committed.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage domain.Stage, s *state, fn func(context.Context, *state) (any, error), log *infra.Logger) *domain.PipelineError {
	if err := r.advance(stage); err != nil {
		return domain.NewPipelineError(domain.CodeInternal, stage, err)
	}
	budget := o.cfg.StageTimeouts[stage]
	if stage == domain.StageConsolidation && o.cfg.CombinedRendering {
		budget += o.cfg.StageTimeouts[domain.StageRendering]
	}
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	log.Info().Str("stage", string(stage)).Dur("budget", budget).Msg("pipeline: stage started")
	started := time.Now()

	// The staged copy keeps a late result from an abandoned stage out of s.
	staged := *s
	done := make(chan stageResult, 1)
	go func() {
		artifact, err := fn(stageCtx, &staged)
		done <- stageResult{artifact: artifact, err: err}
	}()

	var res stageResult
	select {
	case res = <-done:
	case <-stageCtx.Done():
		select {
		case res = <-done:
		default:
			res = stageResult{err: stageCtx.Err()}
		}
	}
	// A success delivered after the deadline still counts as a timeout.
	if err := stageCtx.Err(); err != nil && res.err == nil {
		res = stageResult{err: err}
	}
	elapsed := time.Since(started)

	if res.err != nil {
		pe := o.classify(ctx, stageCtx, stage, budget, res.err)
		log.Warn().
			Str("stage", string(stage)).
			Str("code", string(pe.Code)).
			Dur("elapsed", elapsed).
			Err(res.err).
			Msg("pipeline: stage failed")
		return pe
	}
	*s = staged
	if err := r.commit(stage, res.artifact, elapsed); err != nil {
		return domain.NewPipelineError(domain.CodeInternal, stage, err)
	}
	log.Info().Str("stage", string(stage)).Dur("elapsed", elapsed).Msg("pipeline: stage completed")
	return nil
}

func (o *Orchestrator) classify(parent, stageCtx context.Context, stage domain.Stage, budget time.Duration, err error) *domain.PipelineError {
	switch {
	case parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded):
		return &domain.PipelineError{Code: domain.CodeInternal, Stage: stage, Message: "run cancelled", Err: parent.Err()}
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		return domain.StageTimeout(stage, budget)
	}
	return domain.AsPipelineError(err, stage)
}

func (o *Orchestrator) commitCombined(r *run, combined *FactsAndResult, log *infra.Logger) *domain.PipelineError {
	if err := r.advance(domain.StageRendering); err != nil {
		return domain.NewPipelineError(domain.CodeInternal, domain.StageRendering, err)
	}
	if err := r.commit(domain.StageRendering, combined.Result, combined.Result.ProcessingTime); err != nil {
		return domain.NewPipelineError(domain.CodeInternal, domain.StageRendering, err)
	}
	log.Info().Str("stage", string(domain.StageRendering)).Msg("pipeline: rendered during consolidation")
	return nil
}

func (o *Orchestrator) fail(r *run, pe *domain.PipelineError, log *infra.Logger) *RunResult {
	out := r.result()
	out.Status = domain.RunFailed
	out.Error = newRunError(pe)
	if pe.Stage != "" {
		out.CurrentStage = pe.Stage
	}
	if bg, ok := r.results[domain.StageBackgroundRemoval].(*BackgroundArtifact); ok {
		out.CleanedImageURL = displayURL(bg.Flatlay)
	}
	log.Error().
		Str("stage", string(pe.Stage)).
		Str("code", string(pe.Code)).
		Int64("total_ms", out.Timings.TotalMS).
		Msg("pipeline: run failed")
	return out
}

func (o *Orchestrator) complete(r *run, s *state, log *infra.Logger) *RunResult {
	out := r.result()
	out.Status = domain.RunCompleted
	out.CleanedImageURL = displayURL(s.flatlay)
	if c := s.outcome.consolidation(); c != nil {
		out.Digest = c.Compiled.Digest
	}
	final := s.rendered
	if s.qa != nil {
		final = s.qa.Result
		report := &QAReport{Pass: s.qa.Passed, Iterations: s.qa.Iterations, Retries: s.qa.Retries}
		if s.qa.Verdict != nil {
			report.Violations = s.qa.Verdict.Violations
		}
		out.QA = report
	}
	if final != nil {
		out.RenderedImageURL = final.ImageURL
		out.Backend = final.Backend
		out.FallbackUsed = final.FallbackUsed
	}
	log.Info().
		Str("backend", out.Backend).
		Bool("fallback_used", out.FallbackUsed).
		Int64("total_ms", out.Timings.TotalMS).
		Msg("pipeline: run completed")
	return out
}

func displayURL(ref domain.ImageRef) string {
	if ref.URL != "" {
		return ref.URL
	}
	return ref.DataURI()
}

func (o *Orchestrator) removeBackground(ctx context.Context, s *state) (any, error) {
	started := time.Now()
	cleaned, err := o.deps.Remover.Remove(ctx, s.req.Flatlay)
	if err != nil {
		return nil, err
	}
	s.flatlay = o.publish(ctx, cleaned.Image)
	artifact := &BackgroundArtifact{Flatlay: s.flatlay}
	if s.req.HasOnModel() {
		onModel, err := o.deps.Remover.Remove(ctx, *s.req.OnModel)
		if err != nil {
			return nil, err
		}
		ref := o.publish(ctx, onModel.Image)
		s.onModel = &ref
		artifact.OnModel = &ref
	}
	artifact.ProcessingTime = time.Since(started)
	return artifact, nil
}

// publish uploads the cut-out when a publisher is configured. Upload
// failures keep the image inline.
func (o *Orchestrator) publish(ctx context.Context, ref domain.ImageRef) domain.ImageRef {
	if o.deps.Images == nil || !ref.Inline() {
		return ref
	}
	published, err := o.deps.Images.PublishImage(ctx, ref)
	if err != nil {
		o.logger.Warn().Err(err).Msg("pipeline: publish cleaned image failed")
		return ref
	}
	return published
}

func (o *Orchestrator) analyzeStructure(ctx context.Context, s *state) (any, error) {
	structural, err := o.deps.Structural.AnalyzeStructure(ctx, analysis.StructuralRequest{
		SessionID: s.sessionID,
		Image:     s.flatlay,
		OnModel:   s.onModel,
	})
	if err != nil {
		return nil, err
	}
	if structural == nil {
		return nil, fmt.Errorf("pipeline: structural analysis is empty: %w", domain.ErrMalformed)
	}
	s.structural = structural
	return structural, nil
}

func (o *Orchestrator) analyzeEnrichment(ctx context.Context, s *state) (any, error) {
	enrichment, err := o.deps.Enrichment.AnalyzeEnrichment(ctx, analysis.EnrichmentRequest{
		SessionID:           s.sessionID,
		Image:               s.flatlay,
		StructuralSessionID: s.structural.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if enrichment == nil {
		return nil, fmt.Errorf("pipeline: enrichment analysis is empty: %w", domain.ErrMalformed)
	}
	s.enrichment = enrichment
	return enrichment, nil
}

func (o *Orchestrator) consolidate(ctx context.Context, s *state) (any, error) {
	structural := s.structural
	if s.onModel == nil && structural.ProportionHints != nil {
		copied := *structural
		copied.ProportionHints = nil
		structural = &copied
	}
	facts, control, conflicts := consolidate.Consolidate(structural, s.enrichment)
	if err := control.ConsistentWith(facts); err != nil {
		return nil, domain.NewPipelineError(domain.CodeInternal, domain.StageConsolidation, err)
	}
	rules := imagegen.RenderRules{
		BackgroundHex:  s.req.Options.BackgroundColor,
		PreserveLabels: s.req.Options.PreserveLabels,
		OutputSize:     s.req.Options.OutputSize,
	}
	c := Consolidation{
		Facts:     facts,
		Control:   control,
		Conflicts: conflicts,
		Compiled:  imagegen.Compile(facts, control, s.sessionID, rules),
	}
	s.outcome = &FactsOnly{Consolidation: c}
	if o.cfg.CombinedRendering {
		res, err := o.deps.Renderer.Render(ctx, s.req.Options.RenderingBackend, o.generateRequest(s, &c, false, nil))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !renderStageMayRetry(err) {
				pe := *domain.AsPipelineError(err, domain.StageConsolidation)
				pe.Stage = domain.StageConsolidation
				return nil, &pe
			}
			o.logger.Warn().Err(err).Msg("pipeline: combined rendering failed, falling back to rendering stage")
			return s.outcome, nil
		}
		s.outcome = &FactsAndResult{Consolidation: c, Result: res}
	}
	return s.outcome, nil
}

// renderStageMayRetry reports whether a failed combined render may be
// repeated by the rendering stage. Content blocks and transport failures
// surface at once.
func renderStageMayRetry(err error) bool {
	if image.Classify(err) == image.ActionNext {
		return true
	}
	return domain.ClassifyProviderError(err) == domain.CodeMalformedResponse
}

func (o *Orchestrator) render(ctx context.Context, s *state) (any, error) {
	c := s.outcome.consolidation()
	res, err := o.deps.Renderer.Render(ctx, s.req.Options.RenderingBackend, o.generateRequest(s, c, false, nil))
	if err != nil {
		return nil, err
	}
	s.rendered = res
	return res, nil
}

func (o *Orchestrator) runQA(ctx context.Context, s *state) (any, error) {
	c := s.outcome.consolidation()
	regenerate := func(ctx context.Context, p qa.RetryParams) (*image.Result, error) {
		return o.deps.Renderer.Render(ctx, s.req.Options.RenderingBackend, o.generateRequest(s, c, p.ShortenPrompt, &p))
	}
	outcome, err := o.deps.QA.Run(ctx, c.Compiled.Contract, s.rendered, regenerate)
	if err != nil {
		return nil, err
	}
	if !outcome.Passed && o.cfg.FailOnQAViolation {
		return nil, &domain.PipelineError{
			Code:    domain.CodeQAFailed,
			Stage:   domain.StageQA,
			Message: fmt.Sprintf("render failed qa after %d attempts", outcome.Iterations),
		}
	}
	s.qa = outcome
	return outcome, nil
}

// generateRequest builds the render input. Shortened requests send only
// the binding contract; params may ask for downscaled reference images.
func (o *Orchestrator) generateRequest(s *state, c *Consolidation, shorten bool, params *qa.RetryParams) image.GenerateRequest {
	var instruction string
	switch {
	case shorten:
		instruction = c.Compiled.Instruction
	case s.req.Options.UseStructuredPrompt:
		instruction = c.Compiled.InstructionWithHints()
	default:
		rules := imagegen.RenderRules{
			BackgroundHex:  c.Compiled.Contract.Rules.Background,
			PreserveLabels: c.Compiled.Contract.Rules.PreserveLabels,
			OutputSize:     c.Compiled.Contract.Rules.OutputSize,
		}
		instruction = imagegen.BuildLegacyPrompt(c.Facts, c.Control, rules)
	}
	images := []domain.ImageRef{s.flatlay}
	if s.onModel != nil {
		images = append(images, *s.onModel)
	}
	if params != nil && params.DownscaleImages {
		images = qa.DownscaleAll(images, params.MaxImageDim)
	}
	return image.GenerateRequest{
		SessionID:      s.sessionID,
		Instruction:    instruction,
		NegativePrompt: o.cfg.NegativePrompt,
		Images:         images,
		OutputSize:     s.req.Options.OutputSize,
		Digest:         c.Compiled.Digest,
	}
}
