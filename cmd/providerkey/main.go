package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"ghostmannequin/internal/adapter/repo"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/infra/credentials"
)

var providerEnv = map[string]string{
	credentials.ProviderGemini: "GEMINI_API_KEY",
	credentials.ProviderOpenAI: "OPENAI_API_KEY",
	credentials.ProviderFal:    "FAL_KEY",
	credentials.ProviderQwen:   "DASHSCOPE_API_KEY",
}

func main() {
	_ = godotenv.Load(".env", ".env.local")

	var (
		keyFlag      string
		providerFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the selected provider (falls back to the provider's environment variable)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderGemini, "Provider to configure ("+strings.Join(credentials.Providers(), ", ")+")")
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	envName, ok := providerEnv[provider]
	if !ok {
		fmt.Fprintf(os.Stderr, "unsupported provider %q\n", providerFlag)
		os.Exit(1)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(envName))
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s API key is required via -key or %s\n", strings.ToUpper(provider), envName)
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	runner := infra.NewSQLRunner(pool, logger)
	if err := repo.NewJobRepository(runner).EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare schema: %v\n", err)
		os.Exit(1)
	}
	if err := credentials.NewStore(runner).SetToken(ctx, provider, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s api key: %v\n", provider, err)
		os.Exit(1)
	}

	fmt.Printf("%s API key stored successfully\n", strings.ToUpper(provider))
}
