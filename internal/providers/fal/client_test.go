package fal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ghostmannequin/internal/domain"
)

func TestRunPostsInputWithKeyAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fal-ai/bria/background/remove" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Key secret" {
			t.Fatalf("authorization = %q", got)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["image_url"] != "https://example.com/a.png" {
			t.Fatalf("input = %v", in)
		}
		_, _ = w.Write([]byte(`{"image":{"url":"https://cdn.fal/out.png","width":10,"height":20}}`))
	}))
	defer ts.Close()

	client, _ := NewClient(Options{APIKey: "secret", BaseURL: ts.URL, HTTPClient: ts.Client()})
	var out struct {
		Image File `json:"image"`
	}
	err := client.Run(context.Background(), "fal-ai/bria/background/remove", map[string]string{"image_url": "https://example.com/a.png"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Image.URL != "https://cdn.fal/out.png" || out.Image.Height != 20 {
		t.Fatalf("out = %+v", out)
	}
}

func TestRunMapsErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.ErrorCode
	}{
		{"rate limit", http.StatusTooManyRequests, `{"detail":"Too many requests"}`, domain.CodeRateLimited},
		{"credits", http.StatusForbidden, `{"detail":"User is locked. Reason: Exhausted balance."}`, domain.CodeInsufficientCredits},
		{"bad image", http.StatusUnprocessableEntity, `{"detail":[{"msg":"Invalid image","type":"image_load_error"}]}`, domain.CodeInvalidImageFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()
			client, _ := NewClient(Options{APIKey: "k", BaseURL: ts.URL, HTTPClient: ts.Client()})
			var out map[string]any
			err := client.Run(context.Background(), "app", map[string]string{}, &out)
			var perr *domain.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want provider error", err)
			}
			if got := domain.ClassifyProviderError(err); got != tt.want {
				t.Fatalf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDownloadDataURI(t *testing.T) {
	client, _ := NewClient(Options{APIKey: "k"})
	data, mime, err := client.Download(context.Background(), File{URL: "data:image/png;base64,iVBORw0KGgo="})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if mime != "image/png" || len(data) == 0 {
		t.Fatalf("mime = %q, len = %d", mime, len(data))
	}
}
