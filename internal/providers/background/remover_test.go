package background

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/fal"
)

type stubRunner struct {
	creds bool
	out   string
	err   error
	input any
	app   string
}

func (s *stubRunner) HasCredentials() bool { return s.creds }

func (s *stubRunner) Download(ctx context.Context, f fal.File) ([]byte, string, error) {
	return []byte("cleaned"), "image/png", nil
}

func (s *stubRunner) Run(ctx context.Context, app string, input any, out any) error {
	s.app, s.input = app, input
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.out), out)
}

func TestFalRemoverReturnsCleanedImage(t *testing.T) {
	runner := &stubRunner{creds: true, out: `{"image":{"url":"https://cdn.fal/clean.png","content_type":"image/png","width":800,"height":600}}`}
	remover := NewFalRemover(runner, "")

	res, err := remover.Remove(context.Background(), domain.ImageRef{Data: []byte("raw"), MIME: "image/jpeg"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.Image.URL != "https://cdn.fal/clean.png" || res.Image.MIME != "image/png" {
		t.Fatalf("image = %+v", res.Image)
	}
	if string(res.Image.Data) != "cleaned" {
		t.Fatalf("cleaned bytes were not downloaded")
	}
	if runner.app != DefaultApp {
		t.Fatalf("app = %q, want %q", runner.app, DefaultApp)
	}
	in := runner.input.(falInput)
	if in.ImageURL != "data:image/jpeg;base64,cmF3" {
		t.Fatalf("image_url = %q", in.ImageURL)
	}
}

func TestFalRemoverClassifiesErrors(t *testing.T) {
	tests := []struct {
		err  error
		want domain.ErrorCode
	}{
		{&domain.ProviderError{Provider: "fal", StatusCode: http.StatusTooManyRequests}, domain.CodeRateLimited},
		{&domain.ProviderError{Provider: "fal", StatusCode: http.StatusPaymentRequired}, domain.CodeInsufficientCredits},
		{&domain.ProviderError{Provider: "fal", StatusCode: http.StatusUnprocessableEntity, Message: "Invalid image"}, domain.CodeInvalidImageFormat},
		{errors.New("connection reset"), domain.CodeProvider},
	}
	for _, tt := range tests {
		remover := NewFalRemover(&stubRunner{creds: true, err: tt.err}, "")
		_, err := remover.Remove(context.Background(), domain.ImageRef{URL: "https://example.com/a.png"})
		var pe *domain.PipelineError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want pipeline error", err)
		}
		if pe.Code != tt.want {
			t.Fatalf("code = %s, want %s (%v)", pe.Code, tt.want, tt.err)
		}
	}
}

func TestFalRemoverWithoutCredentials(t *testing.T) {
	_, err := NewFalRemover(&stubRunner{}, "").Remove(context.Background(), domain.ImageRef{URL: "https://example.com/a.png"})
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Code != domain.CodeConfig {
		t.Fatalf("err = %v, want CONFIG_ERROR", err)
	}
}
