package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/qwen"
)

type qwenImageClient interface {
	GenerateImage(context.Context, qwen.ImageRequest) (*qwen.ImageAsset, error)
	HasCredentials() bool
	Model() string
}

// QwenGenerator renders through DashScope's qwen-image-edit model. A
// transient failure is retried once with a simplified request before the
// error reaches the dispatcher.
type QwenGenerator struct {
	client qwenImageClient
}

func NewQwenGenerator(client qwenImageClient) *QwenGenerator {
	return &QwenGenerator{client: client}
}

func (g *QwenGenerator) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	if g == nil || g.client == nil || !g.client.HasCredentials() {
		return nil, qwen.ErrMissingAPIKey
	}
	imageReq := qwen.ImageRequest{
		Prompt:         strings.TrimSpace(req.Instruction),
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		Seed:           deterministicSeed(req.SessionID, req.Digest),
		RequestID:      req.SessionID,
	}
	for _, img := range req.Images {
		if !img.IsZero() {
			imageReq.Images = append(imageReq.Images, img.DataURI())
		}
	}
	if len(imageReq.Images) == 0 {
		return nil, domain.ErrMissingImage
	}
	asset, err := g.invokeQwen(ctx, imageReq)
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

func (g *QwenGenerator) String() string {
	if g == nil || g.client == nil {
		return "qwen"
	}
	return g.client.Model()
}

var _ Generator = (*QwenGenerator)(nil)

func (g *QwenGenerator) invokeQwen(ctx context.Context, req qwen.ImageRequest) (*qwen.ImageAsset, error) {
	asset, err := g.client.GenerateImage(ctx, req)
	if err == nil {
		return asset, nil
	}
	if !isTransientQwenError(err) || ctx.Err() != nil {
		return nil, err
	}

	simplified := simplifyQwenRequest(req)
	asset, retryErr := g.client.GenerateImage(ctx, simplified)
	if retryErr != nil {
		return nil, retryErr
	}
	return asset, nil
}

// deterministicSeed keeps renders of the same contract reproducible.
func deterministicSeed(values ...any) int {
	if len(values) == 0 {
		return 0
	}
	var parts []string
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	n := binary.BigEndian.Uint32(sum[:4])
	value := int(n % 2147483647)
	if value <= 0 {
		fallback := binary.BigEndian.Uint32(sum[4:8]) % 2147483647
		if fallback == 0 {
			fallback = 1
		}
		value = int(fallback)
	}
	return value
}

// simplifyQwenRequest drops everything but the images and the binding
// contract section of the instruction.
func simplifyQwenRequest(req qwen.ImageRequest) qwen.ImageRequest {
	simplified := req
	simplified.NegativePrompt = ""
	if i := strings.Index(simplified.Prompt, "\nHINTS"); i >= 0 {
		simplified.Prompt = strings.TrimSpace(simplified.Prompt[:i])
	}
	return simplified
}

func isTransientQwenError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	if strings.Contains(msg, "internalerror") || strings.Contains(msg, "internal error") {
		return true
	}
	if strings.Contains(msg, "service unavailable") || strings.Contains(msg, "server unavailable") {
		return true
	}
	if strings.Contains(msg, "timeout") {
		return true
	}
	return false
}
