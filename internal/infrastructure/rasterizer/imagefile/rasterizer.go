// Package imagefile treats a single image upload (a phone photo or a scanner TIFF)
// as a one-page document and normalizes it to PNG for the vision service.
package imagefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

const DefaultMaxDimension = 2048

type Rasterizer struct {
	maxDimension int
}

func New(maxDimension int) *Rasterizer {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Rasterizer{maxDimension: maxDimension}
}

func (r *Rasterizer) Name() string { return "imagefile" }

func (r *Rasterizer) Rasterize(_ context.Context, doc *domain.Document) ([]domain.PageImage, error) {
	if !doc.Format.IsImage() {
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "image rasterize", errors.New("not an image document"))
	}
	data, err := Normalize(doc.Data, r.maxDimension)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "image rasterize", err)
	}
	return []domain.PageImage{{Index: 0, Data: data, MimeType: "image/png"}}, nil
}

// Normalize decodes any registered image format, downscales it so the longest side
// is at most maxDimension, and re-encodes it as PNG.
func Normalize(data []byte, maxDimension int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if maxDimension > 0 && (bounds.Dx() > maxDimension || bounds.Dy() > maxDimension) {
		img = downscale(img, maxDimension)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func downscale(src image.Image, maxDimension int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = h * maxDimension / w
		w = maxDimension
	} else {
		w = w * maxDimension / h
		h = maxDimension
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
