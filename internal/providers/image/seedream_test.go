package image

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/providers/fal"
)

type stubFal struct {
	out      string
	err      error
	app      string
	input    any
	download []byte
}

func (s *stubFal) Run(ctx context.Context, app string, input any, out any) error {
	s.app, s.input = app, input
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.out), out)
}

func (s *stubFal) Download(ctx context.Context, f fal.File) ([]byte, string, error) {
	return s.download, "image/png", nil
}

func (s *stubFal) HasCredentials() bool { return true }

func TestSeedreamGenerate(t *testing.T) {
	client := &stubFal{
		out:      `{"images":[{"url":"https://cdn.fal/out.png","width":2048,"height":2048}],"seed":42}`,
		download: []byte{0x89, 'P', 'N', 'G'},
	}
	gen := NewSeedreamGenerator(client, "")

	asset, err := gen.Generate(context.Background(), GenerateRequest{
		SessionID:   "s1",
		Instruction: "render",
		Images:      renderImages,
		OutputSize:  "2048x2048",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSeedreamApp, client.app)
	assert.Equal(t, "https://cdn.fal/out.png", asset.URL)
	assert.Equal(t, 2048, asset.Width)
	assert.NotEmpty(t, asset.Data)

	in := client.input.(seedreamInput)
	assert.Equal(t, 1, in.NumImages)
	require.NotNil(t, in.ImageSize)
	assert.Equal(t, 2048, in.ImageSize.Height)
	assert.Equal(t, []string{"data:image/png;base64,AQI="}, in.ImageURLs)
}

func TestSeedreamNoImageIsMalformed(t *testing.T) {
	gen := NewSeedreamGenerator(&stubFal{out: `{"images":[]}`}, "")
	_, err := gen.Generate(context.Background(), GenerateRequest{Instruction: "render", Images: renderImages})
	require.True(t, errors.Is(err, domain.ErrMalformed))
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize("1024X768")
	require.NoError(t, err)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)
	_, _, err = ParseSize("large")
	require.Error(t, err)
}
