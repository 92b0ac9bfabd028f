// Package pipeline runs a ghost-mannequin request through its stages in a
// fixed order, each under its own deadline.
package pipeline

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/providers/analysis"
	"ghostmannequin/internal/providers/background"
)

// Config tunes an Orchestrator. Zero values take the defaults from
// DefaultConfig.
type Config struct {
	StageTimeouts     map[domain.Stage]time.Duration
	DefaultBackend    string
	QAEnabled         bool
	FailOnQAViolation bool
	// CombinedRendering renders inside the consolidation stage; the
	// rendering stage then only runs when the combined attempt failed.
	CombinedRendering bool
	NegativePrompt    string
}

const defaultNegativePrompt = "person, model, mannequin, hanger, hands, props, text overlays, watermark, cropped garment"

// DefaultStageTimeouts are the per-stage budgets used when none are set.
func DefaultStageTimeouts() map[domain.Stage]time.Duration {
	return map[domain.Stage]time.Duration{
		domain.StageBackgroundRemoval: 60 * time.Second,
		domain.StageAnalysis:          90 * time.Second,
		domain.StageEnrichment:        90 * time.Second,
		domain.StageConsolidation:     10 * time.Second,
		domain.StageRendering:         180 * time.Second,
		domain.StageQA:                300 * time.Second,
	}
}

func DefaultConfig() Config {
	return Config{
		StageTimeouts:  DefaultStageTimeouts(),
		DefaultBackend: "gemini",
		NegativePrompt: defaultNegativePrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	timeouts := DefaultStageTimeouts()
	for stage, budget := range c.StageTimeouts {
		if budget > 0 && stage.Valid() {
			timeouts[stage] = budget
		}
	}
	c.StageTimeouts = timeouts
	if c.DefaultBackend == "" {
		c.DefaultBackend = d.DefaultBackend
	}
	if c.NegativePrompt == "" {
		c.NegativePrompt = d.NegativePrompt
	}
	return c
}

// Deps are the collaborators a run calls out to. Images and QA are
// optional; QA is required only when Config.QAEnabled is set.
type Deps struct {
	Remover    background.Remover
	Structural analysis.StructuralAnalyzer
	Enrichment analysis.EnrichmentAnalyzer
	Renderer   Renderer
	QA         QARunner
	Images     ImagePublisher
	Logger     *infra.Logger
	NewID      func() string
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		d.Logger = &discard
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}
