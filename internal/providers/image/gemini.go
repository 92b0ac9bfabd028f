package image

import (
	"context"
	"fmt"

	"ghostmannequin/internal/providers/genai"
)

type geminiImageClient interface {
	GenerateImage(ctx context.Context, req genai.ImageRequest) (*genai.ImageAsset, error)
}

// GeminiGenerator renders through the Gemini image model.
type GeminiGenerator struct {
	client geminiImageClient
}

func NewGeminiGenerator(client geminiImageClient) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gemini generator: missing credentials")
	}
	prompt := req.Instruction
	if req.OutputSize != "" {
		prompt += fmt.Sprintf("\nRender at %s.", req.OutputSize)
	}
	asset, err := g.client.GenerateImage(ctx, genai.ImageRequest{
		Prompt:    prompt,
		Images:    req.Images,
		RequestID: req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return &Asset{
		URL:    asset.URL,
		Format: normalizeFormat(asset.Format),
		Width:  asset.Width,
		Height: asset.Height,
		Data:   asset.Data,
	}, nil
}

var _ Generator = (*GeminiGenerator)(nil)
