package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ghostmannequin/internal/domain"
)

type OpenAIOptions struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	Fallback     Analyzer
	OnFallback   FallbackFunc
	OnWarning    func(reason, detail string)
}

// OpenAIAnalyzer runs both passes on an OpenAI vision chat model. It is
// usually chained behind GeminiAnalyzer as the quota fallback.
type OpenAIAnalyzer struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	client       *http.Client
	fallback     Analyzer
	onFallback   FallbackFunc
}

const openAIDefaultTimeout = 60 * time.Second

const defaultOpenAIModel = "gpt-4o-mini"

var openAIModelCanonical = map[string]string{
	"gpt-4o-mini": "gpt-4o-mini",
	"gpt-4o":      "gpt-4o",
	"gpt-4.1":     "gpt-4.1",
}

var openAIModelAliases = map[string]string{
	"gpt4o-mini":             "gpt-4o-mini",
	"gpt4omini":              "gpt-4o-mini",
	"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
	"gpt4o":                  "gpt-4o",
	"gpt-4o-2024-08-06":      "gpt-4o",
	"gpt-4-vision":           "gpt-4o",
	"gpt-4-vision-preview":   "gpt-4o",
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewOpenAIAnalyzer(opts OpenAIOptions) (*OpenAIAnalyzer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	modelInput := strings.TrimSpace(opts.Model)
	normalizedModel, normalizationReason := normalizeOpenAIModel(modelInput)
	if normalizationReason != "" && opts.OnWarning != nil {
		detail := fmt.Sprintf("requested=%s resolved=%s", coalesce(modelInput, defaultOpenAIModel), normalizedModel)
		opts.OnWarning("model_"+normalizationReason, detail)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAIAnalyzer{
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        normalizedModel,
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		client:       client,
		fallback:     opts.Fallback,
		onFallback:   opts.OnFallback,
	}, nil
}

func (o *OpenAIAnalyzer) AnalyzeStructure(ctx context.Context, req StructuralRequest) (*domain.StructuralAnalysis, error) {
	images := []domain.ImageRef{req.Image}
	if req.OnModel != nil && !req.OnModel.IsZero() {
		images = append(images, *req.OnModel)
	} else {
		req.OnModel = nil
	}
	text, err := o.complete(ctx, buildStructuralPrompt(req), images, 0.1)
	var out *domain.StructuralAnalysis
	if err == nil {
		out, err = decodeStructural(text, req.SessionID, req.OnModel != nil)
	}
	if err != nil {
		var fallback func() (*domain.StructuralAnalysis, error)
		if o.fallback != nil {
			fallback = func() (*domain.StructuralAnalysis, error) { return o.fallback.AnalyzeStructure(ctx, req) }
		}
		minimal := func() *domain.StructuralAnalysis {
			return &domain.StructuralAnalysis{SessionID: req.SessionID, Degraded: true}
		}
		return recoverFrom(ctx, openAIProviderName, err, fallback, minimal, o.onFallback)
	}
	return out, nil
}

func (o *OpenAIAnalyzer) AnalyzeEnrichment(ctx context.Context, req EnrichmentRequest) (*domain.EnrichmentAnalysis, error) {
	text, err := o.complete(ctx, buildEnrichmentPrompt(req), []domain.ImageRef{req.Image}, 0.2)
	var out *domain.EnrichmentAnalysis
	if err == nil {
		out, err = decodeEnrichment(text, req)
	}
	if err != nil {
		var fallback func() (*domain.EnrichmentAnalysis, error)
		if o.fallback != nil {
			fallback = func() (*domain.EnrichmentAnalysis, error) { return o.fallback.AnalyzeEnrichment(ctx, req) }
		}
		minimal := func() *domain.EnrichmentAnalysis {
			res, _ := NewStaticAnalyzer().AnalyzeEnrichment(ctx, req)
			return res
		}
		return recoverFrom(ctx, openAIProviderName, err, fallback, minimal, o.onFallback)
	}
	return out, nil
}

func (o *OpenAIAnalyzer) complete(ctx context.Context, prompt string, images []domain.ImageRef, temperature float64) (string, error) {
	parts := []openAIContentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		if img.IsZero() {
			continue
		}
		parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: img.DataURI()}})
	}
	userContent, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("openai: encode content: %w", err)
	}
	systemContent, _ := json.Marshal("You are a meticulous garment analyst that only responds with valid JSON.")
	payload := openAIChatRequest{
		Model:          o.model,
		Temperature:    temperature,
		ResponseFormat: &openAIFormat{Type: "json_object"},
		Messages: []openAIMessage{
			{Role: "system", Content: systemContent},
			{Role: "user", Content: userContent},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("openai: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", o.organization)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		perr := &domain.ProviderError{Provider: openAIProviderName, StatusCode: resp.StatusCode}
		var apiErr openAIErrorResponse
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
			perr.Code = coalesce(apiErr.Error.Code, apiErr.Error.Type)
			perr.Message = apiErr.Error.Message
		} else {
			perr.Message = strings.TrimSpace(string(raw))
		}
		return "", perr
	}
	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode response: %v: %w", err, domain.ErrMalformed)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices: %w", domain.ErrMalformed)
	}
	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" || strings.TrimSpace(choice.Message.Refusal) != "" {
		return "", fmt.Errorf("openai: %s: %w", coalesce(choice.Message.Refusal, "content filtered"), domain.ErrContentBlocked)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai: empty response: %w", domain.ErrMalformed)
	}
	return text, nil
}

var _ Analyzer = (*OpenAIAnalyzer)(nil)

func normalizeOpenAIModel(name string) (string, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultOpenAIModel, ""
	}
	normalized := strings.ToLower(trimmed)
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if canonical, ok := openAIModelCanonical[normalized]; ok {
		return canonical, ""
	}
	if alias, ok := openAIModelAliases[normalized]; ok {
		return alias, "alias"
	}
	return defaultOpenAIModel, "defaulted"
}
