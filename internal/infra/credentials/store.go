// Package credentials keeps provider API keys in the integration_tokens
// table so deployments can rotate them without a restart.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderFal    = "fal"
	ProviderQwen   = "qwen"
)

var knownProviders = map[string]struct{}{
	ProviderGemini: {},
	ProviderOpenAI: {},
	ProviderFal:    {},
	ProviderQwen:   {},
}

// Providers lists the provider names the store accepts.
func Providers() []string {
	out := make([]string, 0, len(knownProviders))
	for p := range knownProviders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return "", err
	}
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Resolve prefers the key from the environment and falls back to the store.
// A nil store resolves to the environment value alone.
func (s *Store) Resolve(ctx context.Context, provider, fromEnv string) (string, error) {
	if key := strings.TrimSpace(fromEnv); key != "" || s == nil {
		return key, nil
	}
	return s.Token(ctx, provider)
}

// SetToken stores key for provider, replacing any previous key.
func (s *Store) SetToken(ctx context.Context, provider, key string) error {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	return s.upsert(ctx, provider, key, map[string]any{"source": "cli"})
}

func normalizeProvider(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if _, ok := knownProviders[provider]; !ok {
		return "", fmt.Errorf("unknown provider %q (want one of %s)", provider, strings.Join(Providers(), ", "))
	}
	return provider, nil
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
