package qa

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"ghostmannequin/internal/domain"
)

// Downscale shrinks an inline image so its longest edge is at most maxDim.
// URL references and images already small enough are returned unchanged.
func Downscale(ref domain.ImageRef, maxDim int) (domain.ImageRef, error) {
	if !ref.Inline() || maxDim <= 0 {
		return ref, nil
	}
	src, format, err := image.Decode(bytes.NewReader(ref.Data))
	if err != nil {
		return ref, fmt.Errorf("qa: decode image: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return ref, nil
	}
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	out := domain.ImageRef{}
	if format == "jpeg" {
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90})
		out.MIME = "image/jpeg"
	} else {
		err = png.Encode(&buf, dst)
		out.MIME = "image/png"
	}
	if err != nil {
		return ref, fmt.Errorf("qa: encode image: %w", err)
	}
	out.Data = buf.Bytes()
	return out, nil
}

// DownscaleAll applies Downscale to every reference, keeping the original
// when an image cannot be decoded.
func DownscaleAll(refs []domain.ImageRef, maxDim int) []domain.ImageRef {
	out := make([]domain.ImageRef, len(refs))
	for i, ref := range refs {
		scaled, err := Downscale(ref, maxDim)
		if err != nil {
			scaled = ref
		}
		out[i] = scaled
	}
	return out
}
