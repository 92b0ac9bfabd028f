package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("gemini: api key is required")

const providerName = "gemini"

// maxDownloadBytes bounds how much of a referenced image is fetched.
const maxDownloadBytes = 25 << 20

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client talks to the Gemini generateContent REST API. The text model serves
// JSON analysis prompts; the image model renders.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	imageModel string
	httpClient *http.Client
	logger     *infra.Logger
}

// JSONRequest asks the text model for a JSON document about the images.
type JSONRequest struct {
	Prompt      string
	Images      []domain.ImageRef
	Temperature float64
	RequestID   string
}

// ImageRequest asks the image model for exactly one rendered image.
type ImageRequest struct {
	Prompt    string
	Images    []domain.ImageRef
	RequestID string
}

// ImageAsset is the normalized representation returned by the Gemini client.
type ImageAsset struct {
	URL    string
	Format string
	Width  int
	Height int
	Data   []byte
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = "gemini-2.5-flash-image"
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
		model:      model,
		imageModel: imageModel,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini text model identifier.
func (c *Client) Model() string {
	return c.model
}

// ImageModel returns the configured Gemini image model identifier.
func (c *Client) ImageModel() string {
	return c.imageModel
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c != nil && c.apiKey != ""
}

// GenerateJSON returns the raw JSON text produced by the text model. A
// response blocked by safety filters yields domain.ErrContentBlocked.
func (c *Client) GenerateJSON(ctx context.Context, req JSONRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	parts, err := c.imageParts(ctx, req.Images)
	if err != nil {
		return "", err
	}
	parts = append(parts, geminiPart{Text: strings.TrimSpace(req.Prompt)})
	temperature := req.Temperature
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      &temperature,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, c.model, payload, &response); err != nil {
		return "", err
	}
	if err := blocked(response); err != nil {
		return "", err
	}
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				c.logger.Debug().
					Str("request_id", req.RequestID).
					Str("model", c.model).
					Int("chars", len(text)).
					Msg("genai: generated json")
				return text, nil
			}
		}
	}
	return "", fmt.Errorf("gemini: no text part in response: %w", domain.ErrMalformed)
}

// GenerateImage renders one image conditioned on the prompt and the ordered
// reference images. A response without an image part is malformed.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageAsset, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("gemini: prompt is required")
	}
	parts, err := c.imageParts(ctx, req.Images)
	if err != nil {
		return nil, err
	}
	parts = append(parts, geminiPart{Text: prompt})
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:     1,
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, c.imageModel, payload, &response); err != nil {
		return nil, err
	}
	if err := blocked(response); err != nil {
		return nil, err
	}
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			asset, err := c.decodeInlineAsset(ctx, part)
			if err != nil {
				return nil, err
			}
			if asset == nil {
				continue
			}
			c.logger.Debug().
				Str("request_id", req.RequestID).
				Str("model", c.imageModel).
				Int("bytes", len(asset.Data)).
				Msg("genai: generated image asset")
			return asset, nil
		}
	}
	return nil, fmt.Errorf("gemini: no image part in response: %w", domain.ErrMalformed)
}

// Ping checks that the configured model is reachable with the current key.
func (c *Client) Ping(ctx context.Context) error {
	if !c.HasCredentials() {
		return ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/models/" + url.PathEscape(c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode}
	}
	return nil
}

var blockingFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"IMAGE_SAFETY":       true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

func blocked(resp geminiGenerateContentResponse) error {
	if reason := resp.PromptFeedback.BlockReason; reason != "" {
		return fmt.Errorf("gemini: prompt blocked (%s): %w", reason, domain.ErrContentBlocked)
	}
	for _, candidate := range resp.Candidates {
		if blockingFinishReasons[candidate.FinishReason] && len(candidate.Content.Parts) == 0 {
			return fmt.Errorf("gemini: candidate blocked (%s): %w", candidate.FinishReason, domain.ErrContentBlocked)
		}
	}
	return nil
}

func (c *Client) invokeGemini(ctx context.Context, model string, payload any, out any) error {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: invoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		perr := &domain.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			perr.Code = apiErr.Error.Status
			perr.Message = apiErr.Error.Message
		} else {
			perr.Message = strings.TrimSpace(string(data))
		}
		return perr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gemini: decode response: %v: %w", err, domain.ErrMalformed)
	}
	return nil
}

// imageParts turns references into inline parts. URL references are fetched
// because generateContent only accepts inline bytes or uploaded files.
func (c *Client) imageParts(ctx context.Context, refs []domain.ImageRef) ([]geminiPart, error) {
	parts := make([]geminiPart, 0, len(refs)+1)
	for _, ref := range refs {
		if ref.IsZero() {
			continue
		}
		data, mime := ref.Data, ref.MIME
		if !ref.Inline() {
			var err error
			data, mime, err = c.downloadFile(ctx, ref.URL)
			if err != nil {
				return nil, err
			}
		}
		if mime == "" || mime == "application/octet-stream" {
			mime = mimetype.Detect(data).String()
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts, nil
}

func (c *Client) decodeInlineAsset(ctx context.Context, part geminiPart) (*ImageAsset, error) {
	var data []byte
	var format, uri string
	switch {
	case part.InlineData != nil && part.InlineData.Data != "":
		decoded, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("gemini: decode inline data: %v: %w", err, domain.ErrMalformed)
		}
		data, format = decoded, part.InlineData.MimeType
	case part.FileData != nil && part.FileData.FileURI != "":
		blob, mime, err := c.downloadFile(ctx, part.FileData.FileURI)
		if err != nil {
			return nil, err
		}
		data, format, uri = blob, firstNonEmpty(part.FileData.MimeType, mime), part.FileData.FileURI
	default:
		return nil, nil
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !strings.HasPrefix(format, "image/") {
		format = mimetype.Detect(data).String()
	}
	w, h := decodeImageDimensions(data)
	return &ImageAsset{URL: uri, Format: format, Width: w, Height: h, Data: data}, nil
}

func (c *Client) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: create download request: %w", err)
	}
	if strings.HasPrefix(target, c.baseURL) {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, "", fmt.Errorf("gemini: download file status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("gemini: read file: %w", err)
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
