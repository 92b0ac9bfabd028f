package bootstrap

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
)

func testLogger() *infra.Logger {
	l := infra.Logger(zerolog.New(io.Discard))
	return &l
}

func localConfig(t *testing.T) *infra.Config {
	t.Helper()
	dir := t.TempDir()
	return &infra.Config{
		RunStore:       "sqlite",
		SQLitePath:     filepath.Join(dir, "ghost.db"),
		StorageBackend: "fs",
		StoragePath:    filepath.Join(dir, "storage"),
		StorageBaseURL: "http://localhost:8080/static",
		Pipeline: infra.PipelineSettings{
			DefaultBackend:  "gemini",
			QAEnabled:       true,
			QAMaxIterations: 2,
			StageTimeouts:   map[string]time.Duration{"rendering": time.Minute},
		},
	}
}

func TestBuildWithoutProviderKeysDegrades(t *testing.T) {
	svc, err := Build(context.Background(), localConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	require.NotNil(t, svc.Pipeline)
	require.NotNil(t, svc.Jobs)
	assert.Nil(t, svc.Credentials)
	assert.False(t, svc.Pipeline.Config().QAEnabled, "QA needs a gemini key")
	assert.Equal(t, time.Minute, svc.Pipeline.Config().StageTimeouts[domain.StageRendering])

	names := map[string]bool{}
	for _, dep := range svc.Dependencies {
		names[dep.Name] = dep.Configured
	}
	assert.Equal(t, map[string]bool{
		"run_store:sqlite": true,
		"object_store:fs":  true,
		"gemini":           false,
		"openai":           false,
		"fal":              false,
		"qwen":             false,
	}, names)
	require.NoError(t, svc.Jobs.Ping(context.Background()))
}

func TestBuildRegistersKeysFromEnvironment(t *testing.T) {
	cfg := localConfig(t)
	cfg.GeminiAPIKey = "g-key"
	cfg.FalAPIKey = "f-key"
	svc, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	assert.True(t, svc.Pipeline.Config().QAEnabled)
	configured := map[string]bool{}
	for _, dep := range svc.Dependencies {
		configured[dep.Name] = dep.Configured
	}
	assert.True(t, configured["gemini"])
	assert.True(t, configured["fal"])
	assert.False(t, configured["qwen"])
}

func TestPipelineConfigMapsStages(t *testing.T) {
	pcfg := PipelineConfig(infra.PipelineSettings{
		DefaultBackend:    "qwen",
		CombinedRendering: true,
		FailOnQAViolation: true,
		StageTimeouts: map[string]time.Duration{
			"analysis": 5 * time.Second,
			"qa":       time.Minute,
			"bogus":    time.Second,
		},
	})
	assert.Equal(t, "qwen", pcfg.DefaultBackend)
	assert.True(t, pcfg.CombinedRendering)
	assert.True(t, pcfg.FailOnQAViolation)
	assert.Equal(t, map[domain.Stage]time.Duration{
		domain.StageAnalysis: 5 * time.Second,
		domain.StageQA:       time.Minute,
	}, pcfg.StageTimeouts)
}

func TestBuildRejectsUnknownDefaultBackend(t *testing.T) {
	cfg := localConfig(t)
	cfg.Pipeline.DefaultBackend = "dalle"
	_, err := Build(context.Background(), cfg, testLogger())
	require.Error(t, err)
}
