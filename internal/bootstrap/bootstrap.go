// Package bootstrap assembles the pipeline and its collaborators from
// configuration for the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"ghostmannequin/internal/adapter/repo"
	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/http/handlers"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/infra/credentials"
	"ghostmannequin/internal/pipeline"
	"ghostmannequin/internal/providers/analysis"
	"ghostmannequin/internal/providers/background"
	"ghostmannequin/internal/providers/fal"
	"ghostmannequin/internal/providers/genai"
	"ghostmannequin/internal/providers/image"
	"ghostmannequin/internal/providers/qwen"
	"ghostmannequin/internal/qa"
	"ghostmannequin/internal/storage"
	"ghostmannequin/internal/uploads"
)

// DefaultFallbacks are the backend chains used when none are configured.
var DefaultFallbacks = map[string][]string{
	image.BackendGemini:   {image.BackendSeedream, image.BackendQwen},
	image.BackendSeedream: {image.BackendGemini, image.BackendQwen},
	image.BackendQwen:     {image.BackendGemini, image.BackendSeedream},
}

// Services is everything a binary needs to serve runs.
type Services struct {
	Pipeline     *pipeline.Orchestrator
	Jobs         domain.JobRepository
	Credentials  *credentials.Store
	Dependencies []handlers.Dependency

	closers []func()
}

// Close releases the run store and any other held resources.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type objectStore interface {
	uploads.ObjectStore
	pinger
}

// Build wires the pipeline. Provider keys come from the environment first
// and from the credential store second. Missing keys degrade the service
// rather than failing startup: background removal passes images through,
// analysis falls back to minimal analyses and QA is switched off.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Services, error) {
	svc := &Services{}
	if err := svc.openRunStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	keys := svc.resolveKeys(ctx, cfg, logger)
	httpClient := &http.Client{Timeout: 120 * time.Second}

	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     keys.gemini,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		ImageModel: cfg.GeminiImageModel,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gemini client: %w", err)
	}
	falClient, err := fal.NewClient(fal.Options{APIKey: keys.fal, BaseURL: cfg.FalBaseURL, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fal client: %w", err)
	}
	qwenClient, err := qwen.NewClient(qwen.Options{
		APIKey:  keys.qwen,
		BaseURL: cfg.QwenBaseURL,
		Model:   cfg.QwenModel,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: qwen client: %w", err)
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache, err := uploads.NewCache(uploads.Options{Store: store, Prefix: "ghost", Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: upload cache: %w", err)
	}

	analyzer, err := newAnalyzer(cfg, keys.openai, geminiClient, logger)
	if err != nil {
		return nil, err
	}

	var remover background.Remover = background.Passthrough{}
	if falClient.HasCredentials() {
		remover = background.NewFalRemover(falClient, cfg.BackgroundApp)
	} else {
		logger.Warn().Msg("bootstrap: FAL_KEY missing, background removal passes images through")
	}

	fallbacks := cfg.Pipeline.BackendFallbacks
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbacks
	}
	dispatcher, err := image.NewDispatcher(image.DispatcherOptions{
		Backends: map[string]image.Generator{
			image.BackendGemini:   image.NewGeminiGenerator(geminiClient),
			image.BackendSeedream: image.NewSeedreamGenerator(falClient, cfg.SeedreamApp),
			image.BackendQwen:     image.NewQwenGenerator(qwenClient),
		},
		Fallbacks: fallbacks,
		Publisher: cache,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	pcfg := PipelineConfig(cfg.Pipeline)
	deps := pipeline.Deps{
		Remover:    remover,
		Structural: analyzer,
		Enrichment: analyzer,
		Renderer:   dispatcher,
		Images:     cache,
		Logger:     logger,
	}
	if pcfg.QAEnabled && !geminiClient.HasCredentials() {
		logger.Warn().Msg("bootstrap: GEMINI_API_KEY missing, QA disabled")
		pcfg.QAEnabled = false
	}
	if pcfg.QAEnabled {
		validator, err := qa.NewGeminiValidator(geminiClient, qa.Tolerances{
			MaxDeltaE:           cfg.Pipeline.MaxDeltaE,
			ProportionTolerance: cfg.Pipeline.ProportionTolerance,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: qa validator: %w", err)
		}
		loop, err := qa.NewLoop(qa.LoopOptions{
			Validator:     validator,
			MaxIterations: cfg.Pipeline.QAMaxIterations,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		deps.QA = loop
	}

	orchestrator, err := pipeline.New(pcfg, deps)
	if err != nil {
		return nil, err
	}
	svc.Pipeline = orchestrator
	svc.Dependencies = append(svc.Dependencies,
		handlers.Dependency{Name: "object_store:" + cfg.StorageBackend, Configured: true, Check: store.Ping},
		handlers.Dependency{Name: "gemini", Configured: geminiClient.HasCredentials(), Check: geminiClient.Ping},
		handlers.Dependency{Name: "openai", Configured: keys.openai != ""},
		handlers.Dependency{Name: "fal", Configured: falClient.HasCredentials()},
		handlers.Dependency{Name: "qwen", Configured: qwenClient.HasCredentials()},
	)

	logger.Info().
		Str("run_store", cfg.RunStore).
		Str("storage", cfg.StorageBackend).
		Str("default_backend", pcfg.DefaultBackend).
		Strs("backends", dispatcher.Backends()).
		Bool("qa", pcfg.QAEnabled).
		Bool("combined_rendering", pcfg.CombinedRendering).
		Msg("bootstrap: pipeline ready")
	ok = true
	return svc, nil
}

// PipelineConfig maps the environment settings onto the orchestrator
// config. Unknown stage names are ignored.
func PipelineConfig(s infra.PipelineSettings) pipeline.Config {
	timeouts := make(map[domain.Stage]time.Duration, len(s.StageTimeouts))
	for name, budget := range s.StageTimeouts {
		if stage := domain.Stage(name); stage.Valid() {
			timeouts[stage] = budget
		}
	}
	return pipeline.Config{
		StageTimeouts:     timeouts,
		DefaultBackend:    s.DefaultBackend,
		QAEnabled:         s.QAEnabled,
		FailOnQAViolation: s.FailOnQAViolation,
		CombinedRendering: s.CombinedRendering,
		NegativePrompt:    s.NegativePrompt,
	}
}

func (s *Services) openRunStore(ctx context.Context, cfg *infra.Config, logger *infra.Logger) error {
	switch cfg.RunStore {
	case "postgres":
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		runner := infra.NewSQLRunner(pool, *logger)
		jobs := repo.NewJobRepository(runner)
		if err := jobs.EnsureSchema(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("bootstrap: %w", err)
		}
		s.Jobs = jobs
		s.Credentials = credentials.NewStore(runner)
		s.Dependencies = append(s.Dependencies, handlers.Dependency{Name: "run_store:postgres", Configured: true, Check: jobs.Ping})
	default:
		jobs, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		s.closers = append(s.closers, func() { _ = jobs.Close() })
		s.Jobs = jobs
		s.Dependencies = append(s.Dependencies, handlers.Dependency{Name: "run_store:sqlite", Configured: true, Check: jobs.Ping})
	}
	return nil
}

type providerKeys struct {
	gemini, openai, fal, qwen string
}

func (s *Services) resolveKeys(ctx context.Context, cfg *infra.Config, logger *infra.Logger) providerKeys {
	resolve := func(provider, fromEnv string) string {
		key, err := s.Credentials.Resolve(ctx, provider, fromEnv)
		if err != nil {
			logger.Warn().Err(err).Str("provider", provider).Msg("bootstrap: failed to load api key from store")
			return strings.TrimSpace(fromEnv)
		}
		return key
	}
	return providerKeys{
		gemini: resolve(credentials.ProviderGemini, cfg.GeminiAPIKey),
		openai: resolve(credentials.ProviderOpenAI, cfg.OpenAIAPIKey),
		fal:    resolve(credentials.ProviderFal, cfg.FalAPIKey),
		qwen:   resolve(credentials.ProviderQwen, cfg.QwenAPIKey),
	}
}

func newObjectStore(ctx context.Context, cfg *infra.Config) (objectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return store, nil
	case "minio":
		store, err := storage.NewMinioStore(storage.MinioOptions{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKeyID,
			SecretKey:     cfg.Minio.SecretAccessKey,
			Bucket:        cfg.Minio.Bucket,
			UseSSL:        cfg.Minio.UseSSL,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return store, nil
	default:
		path := cfg.StoragePath
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		store, err := storage.NewFileStore(path, cfg.StorageBaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return store, nil
	}
}

// newAnalyzer prefers Gemini with OpenAI as the quota fallback. Without any
// key it returns the static analyzer.
func newAnalyzer(cfg *infra.Config, openAIKey string, gemini *genai.Client, logger *infra.Logger) (analysis.Analyzer, error) {
	onFallback := func(provider, reason string, err error) {
		logger.Warn().Err(err).Str("provider", provider).Str("reason", reason).Msg("analysis: fallback")
	}
	var fallback analysis.Analyzer
	if openAIKey != "" {
		openai, err := analysis.NewOpenAIAnalyzer(analysis.OpenAIOptions{
			APIKey:       openAIKey,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			OnFallback:   onFallback,
			OnWarning: func(reason, detail string) {
				logger.Warn().Str("reason", reason).Str("detail", detail).Msg("analysis: openai model adjusted")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai analyzer: %w", err)
		}
		fallback = openai
	}
	if !gemini.HasCredentials() {
		if fallback != nil {
			return fallback, nil
		}
		logger.Warn().Msg("bootstrap: no analysis provider key, using minimal analyses")
		return analysis.NewStaticAnalyzer(), nil
	}
	analyzer, err := analysis.NewGeminiAnalyzer(analysis.GeminiOptions{
		Client:     gemini,
		Fallback:   fallback,
		OnFallback: onFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gemini analyzer: %w", err)
	}
	return analyzer, nil
}
