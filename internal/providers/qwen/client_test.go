package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"ghostmannequin/internal/domain"
)

func TestGenerateImageEditingPayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, err := NewClient(Options{
		APIKey:     "test",
		Watermark:  true,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport.setJSONResponse("/api/v1/services/aigc/multimodal-generation/generation", http.StatusOK, map[string]any{
		"output": map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": []any{
							map[string]any{"image": "https://example.com/generated/out.png"},
						},
					},
				},
			},
		},
		"usage":      map[string]any{"width": 1024, "height": 1024},
		"request_id": "req-123",
	})
	transport.setBinaryResponse("https://example.com/generated/out.png", []byte{0x89, 'P', 'N', 'G'})

	asset, err := client.GenerateImage(context.Background(), ImageRequest{
		Prompt: "edit the image",
		Images: []string{"https://example.com/flatlay.png", "data:image/png;base64,AQID"},
	})
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if len(asset.Data) == 0 {
		t.Fatalf("expected downloaded image data")
	}
	if asset.Width != 1024 || asset.Height != 1024 {
		t.Fatalf("dimensions = %dx%d, want 1024x1024", asset.Width, asset.Height)
	}
	if got := transport.lastAuth; got != "Bearer test" {
		t.Fatalf("authorization = %q", got)
	}

	var payload generationRequest
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Model != "qwen-image-edit" {
		t.Fatalf("model = %q, want qwen-image-edit", payload.Model)
	}
	content := payload.Input.Messages[0].Content
	if len(content) != 3 {
		t.Fatalf("content len = %d, want 3", len(content))
	}
	if content[0].Image != "https://example.com/flatlay.png" || content[1].Image == "" {
		t.Fatalf("image order mismatch: %+v", content)
	}
	if content[2].Text != "edit the image" {
		t.Fatalf("last content text = %q", content[2].Text)
	}
	if payload.Parameters.Watermark == nil || !*payload.Parameters.Watermark {
		t.Fatalf("watermark flag not forwarded")
	}
}

func TestGenerateImageErrorBecomesProviderError(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, _ := NewClient(Options{APIKey: "test", HTTPClient: &http.Client{Transport: transport}})
	transport.setJSONResponse("/api/v1/services/aigc/multimodal-generation/generation", http.StatusBadRequest, map[string]any{
		"code":    "DataInspectionFailed",
		"message": "Input data may contain inappropriate content.",
	})

	_, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "x", Images: []string{"https://example.com/a.png"}})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if code := domain.ClassifyProviderError(err); code != domain.CodeContentBlocked {
		t.Fatalf("code = %s, want CONTENT_BLOCKED", code)
	}
}

func TestGenerateImageRequiresSource(t *testing.T) {
	client, _ := NewClient(Options{APIKey: "test"})
	if _, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "x"}); err == nil {
		t.Fatalf("expected error without source images")
	}
	empty, _ := NewClient(Options{})
	if _, err := empty.GenerateImage(context.Background(), ImageRequest{Prompt: "x"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
	lastAuth  string
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		c.lastAuth = req.Header.Get("Authorization")
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.String()]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: status,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (c *captureTransport) setBinaryResponse(url string, data []byte) {
	c.responses[url] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"image/png"}},
		body:   data,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
