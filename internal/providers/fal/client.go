// Package fal is a minimal client for synchronous fal.ai model endpoints.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("fal: api key is required")

const providerName = "fal"

// Options configures the fal.ai client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client posts JSON inputs to fal.run/<app> and decodes the JSON output.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// File is the image descriptor fal apps return.
type File struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fal.run"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c != nil && c.apiKey != ""
}

// Run invokes app synchronously with input and decodes the result into out.
func (c *Client) Run(ctx context.Context, app string, input any, out any) error {
	if !c.HasCredentials() {
		return ErrMissingAPIKey
	}
	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("fal: encode request: %w", err)
	}
	endpoint := c.baseURL + "/" + strings.Trim(app, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fal: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fal: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &domain.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    errorDetail(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("fal: decode response: %v: %w", err, domain.ErrMalformed)
	}
	c.logger.Debug().
		Str("app", app).
		Dur("elapsed", time.Since(started)).
		Msg("fal: run completed")
	return nil
}

// Download fetches a file returned by an app.
func (c *Client) Download(ctx context.Context, f File) ([]byte, string, error) {
	if strings.TrimSpace(f.URL) == "" {
		return nil, "", fmt.Errorf("fal: file url is empty: %w", domain.ErrMalformed)
	}
	if ref, err := domain.ParseImageRef(f.URL); err == nil && ref.Inline() {
		return ref.Data, firstNonEmpty(ref.MIME, mimetype.Detect(ref.Data).String()), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fal: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fal: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fal: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fal: read download: %w", err)
	}
	format := firstNonEmpty(f.ContentType, resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(format, "image/") {
		format = mimetype.Detect(data).String()
	}
	return data, format, nil
}

// errorDetail flattens fal's detail field, which is either a string or a
// list of validation errors.
func errorDetail(raw []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}
	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return text
	}
	var items []struct {
		Msg  string `json:"msg"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			msgs = append(msgs, strings.TrimSpace(item.Msg+" "+item.Type))
		}
		return strings.Join(msgs, "; ")
	}
	return string(payload.Detail)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
