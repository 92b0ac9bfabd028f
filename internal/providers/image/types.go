// Package image renders the ghost-mannequin product shot. Backends are
// interchangeable Generator strategies selected by the Dispatcher.
package image

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ghostmannequin/internal/domain"
)

const (
	BackendGemini   = "gemini"
	BackendSeedream = "seedream"
	BackendQwen     = "qwen"
)

// GenerateRequest is the backend-neutral render input. Images holds the
// cleaned flatlay first and, when present, the cleaned on-model photo.
type GenerateRequest struct {
	SessionID      string
	Instruction    string
	NegativePrompt string
	Images         []domain.ImageRef
	OutputSize     string
	Digest         string
}

// Asset is a single rendered image. Data is set when the backend returned
// or downloaded bytes; URL is the provider-hosted location, if any.
type Asset struct {
	URL    string
	Format string
	Width  int
	Height int
	Data   []byte
}

// Generator is the contract implemented by all image backends. A backend
// returns exactly one asset or an error.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Asset, error)
}

// ParseSize splits "WxH" into its dimensions.
func ParseSize(size string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("image: size %q must look like 2048x2048", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("image: invalid width in %q", size)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("image: invalid height in %q", size)
	}
	return width, height, nil
}

func normalizeFormat(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return "image/jpeg"
	case "image/png":
		return "image/png"
	default:
		if strings.HasPrefix(mime, "image/") {
			return mime
		}
		return "image/png"
	}
}

func hasImage(asset *Asset) bool {
	return asset != nil && (len(asset.Data) > 0 || strings.TrimSpace(asset.URL) != "")
}
