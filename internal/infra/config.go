package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv               string
	Port                 string
	DatabaseURL          string
	RunStore             string
	SQLitePath           string
	StorageBackend       string
	StoragePath          string
	StorageBaseURL       string
	ImageSourceAllowlist []string
	// RestrictImageSources is set when IMAGE_SOURCE_HOST_ALLOWLIST names hosts.
	RestrictImageSources bool
	CORSOrigins          []string
	S3                   ObjectStoreConfig
	Minio                ObjectStoreConfig
	GeminiAPIKey         string
	GeminiModel          string
	GeminiImageModel     string
	GeminiBaseURL        string
	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAIBaseURL        string
	OpenAIOrg            string
	FalAPIKey            string
	FalBaseURL           string
	BackgroundApp        string
	SeedreamApp          string
	QwenAPIKey           string
	QwenModel            string
	QwenBaseURL          string
	Pipeline             PipelineSettings
	PipelineConfigFile   string
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HTTPIdleTimeout      time.Duration
	RateLimitPerMin      int
	MaxRequestBytes      int64
	WorkerPollInterval   time.Duration
}

// ObjectStoreConfig covers both S3 and S3-compatible endpoints.
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	ForcePathStyle  bool
	PublicBaseURL   string
}

// PipelineSettings tune the stage orchestrator. Stage keys are stage names.
type PipelineSettings struct {
	DefaultBackend      string
	StageTimeouts       map[string]time.Duration
	BackendFallbacks    map[string][]string
	QAEnabled           bool
	QAMaxIterations     int
	FailOnQAViolation   bool
	CombinedRendering   bool
	MaxDeltaE           float64
	ProportionTolerance float64
	NegativePrompt      string
}

var stageTimeoutEnv = map[string]string{
	"background_removal": "STAGE_TIMEOUT_BACKGROUND_REMOVAL",
	"analysis":           "STAGE_TIMEOUT_ANALYSIS",
	"enrichment":         "STAGE_TIMEOUT_ENRICHMENT",
	"consolidation":      "STAGE_TIMEOUT_CONSOLIDATION",
	"rendering":          "STAGE_TIMEOUT_RENDERING",
	"qa":                 "STAGE_TIMEOUT_QA",
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// A YAML file named by PIPELINE_CONFIG_FILE is applied over the pipeline settings.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RunStore:           strings.ToLower(getEnv("RUN_STORE", "")),
		SQLitePath:         getEnv("SQLITE_PATH", "./ghost.db"),
		StorageBackend:     strings.ToLower(getEnv("STORAGE_BACKEND", "fs")),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiImageModel:   getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:          os.Getenv("OPENAI_ORG"),
		FalAPIKey:          os.Getenv("FAL_KEY"),
		FalBaseURL:         getEnv("FAL_BASE_URL", "https://fal.run"),
		BackgroundApp:      getEnv("FAL_BACKGROUND_APP", "fal-ai/bria/background/remove"),
		SeedreamApp:        getEnv("FAL_SEEDREAM_APP", "fal-ai/bytedance/seedream/v4/edit"),
		QwenAPIKey:         os.Getenv("DASHSCOPE_API_KEY"),
		QwenModel:          getEnv("QWEN_MODEL", "qwen-image-edit"),
		QwenBaseURL:        getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		PipelineConfigFile: os.Getenv("PIPELINE_CONFIG_FILE"),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 900)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		MaxRequestBytes:    int64(getEnvInt("MAX_REQUEST_MB", 25)) << 20,
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
	}
	cfg.S3 = ObjectStoreConfig{
		Bucket:          os.Getenv("S3_BUCKET"),
		Region:          getEnv("S3_REGION", "us-east-1"),
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		ForcePathStyle:  getEnvBool("S3_FORCE_PATH_STYLE", false),
		PublicBaseURL:   os.Getenv("S3_PUBLIC_BASE_URL"),
	}
	cfg.Minio = ObjectStoreConfig{
		Bucket:          os.Getenv("MINIO_BUCKET"),
		Region:          os.Getenv("MINIO_REGION"),
		Endpoint:        os.Getenv("MINIO_ENDPOINT"),
		AccessKeyID:     os.Getenv("MINIO_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("MINIO_SECRET_KEY"),
		UseSSL:          getEnvBool("MINIO_USE_SSL", true),
		PublicBaseURL:   os.Getenv("MINIO_PUBLIC_BASE_URL"),
	}
	cfg.Pipeline = PipelineSettings{
		DefaultBackend:      strings.ToLower(getEnv("RENDERING_BACKEND", "gemini")),
		StageTimeouts:       map[string]time.Duration{},
		BackendFallbacks:    parseFallbacks(os.Getenv("RENDERING_FALLBACKS")),
		QAEnabled:           getEnvBool("QA_ENABLED", true),
		QAMaxIterations:     getEnvInt("QA_MAX_ITERATIONS", 2),
		FailOnQAViolation:   getEnvBool("QA_FAIL_ON_VIOLATION", false),
		CombinedRendering:   getEnvBool("COMBINED_RENDERING", false),
		MaxDeltaE:           getEnvFloat("QA_MAX_DELTA_E", 12),
		ProportionTolerance: getEnvFloat("QA_PROPORTION_TOLERANCE", 0.15),
		NegativePrompt:      os.Getenv("NEGATIVE_PROMPT"),
	}
	for stage, key := range stageTimeoutEnv {
		if d := getEnvDuration(key, 0); d > 0 {
			cfg.Pipeline.StageTimeouts[stage] = d
		}
	}

	if cfg.PipelineConfigFile != "" {
		if err := cfg.Pipeline.ApplyFile(cfg.PipelineConfigFile); err != nil {
			return nil, err
		}
	}

	if cfg.RunStore == "" {
		cfg.RunStore = "sqlite"
		if cfg.DatabaseURL != "" {
			cfg.RunStore = "postgres"
		}
	}
	switch cfg.RunStore {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for RUN_STORE=postgres")
		}
	case "sqlite":
	default:
		return nil, fmt.Errorf("RUN_STORE %q must be postgres or sqlite", cfg.RunStore)
	}

	switch cfg.StorageBackend {
	case "fs":
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for STORAGE_BACKEND=s3")
		}
	case "minio":
		if cfg.Minio.Bucket == "" || cfg.Minio.Endpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required for STORAGE_BACKEND=minio")
		}
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND %q must be fs, s3 or minio", cfg.StorageBackend)
	}

	explicitHosts := os.Getenv("IMAGE_SOURCE_HOST_ALLOWLIST")
	cfg.ImageSourceAllowlist = buildAllowlist(cfg.StorageBaseURL, explicitHosts)
	cfg.RestrictImageSources = len(splitCSV(explicitHosts)) > 0
	cfg.CORSOrigins = splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS"))
	return cfg, nil
}

// parseFallbacks reads "gemini=seedream|qwen,seedream=gemini".
func parseFallbacks(raw string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range splitCSV(raw) {
		id, chain, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		id = strings.ToLower(strings.TrimSpace(id))
		for _, next := range strings.Split(chain, "|") {
			if next = strings.ToLower(strings.TrimSpace(next)); next != "" {
				out[id] = append(out[id], next)
			}
		}
	}
	return out
}

func buildAllowlist(storageBaseURL, explicit string) []string {
	seen := map[string]struct{}{}
	if u, err := url.Parse(storageBaseURL); err == nil && u.Hostname() != "" {
		seen[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, host := range splitCSV(explicit) {
		seen[strings.ToLower(host)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
