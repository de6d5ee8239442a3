package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
)

// Transformer converts an image into the requested format and quality.
// Failures are reported as *common.TransformError.
type Transformer interface {
	Transform(ctx context.Context, data []byte, format Format, quality int) ([]byte, error)
}

var errEncoderUnavailable = errors.New("encoder not available")

const (
	// webpMethod trades encode time for size, 0 fastest to 6 slowest.
	webpMethod = 4
	// avifSpeed trades encode time for size, 0 slowest to 10 fastest.
	avifSpeed = 8
)

// StdTransformer decodes JPEG, PNG, GIF, WebP and AVIF input, downsizes
// anything wider than MaxWidth and encodes any Format.
type StdTransformer struct {
	MaxWidth int
}

func NewStdTransformer(maxWidth int) *StdTransformer {
	return &StdTransformer{MaxWidth: maxWidth}
}

func (t *StdTransformer) Transform(ctx context.Context, data []byte, format Format, quality int) ([]byte, error) {
	switch format {
	case FormatWebP, FormatAVIF, FormatJPEG, FormatPNG:
	default:
		return nil, &common.TransformError{Format: string(format), Err: errEncoderUnavailable}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: transform: %v", common.ErrTimeout, err)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := t.transform(data, format, quality)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: transform: %v", common.ErrTimeout, ctx.Err())
	case r := <-done:
		return r.out, r.err
	}
}

func (t *StdTransformer) transform(data []byte, format Format, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &common.TransformError{
			Format: string(format),
			Err:    fmt.Errorf("%w: decode: %v", common.ErrValidation, err),
		}
	}

	img := t.resize(src)

	var buf bytes.Buffer
	switch format {
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: webpMethod})
	case FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: quality, QualityAlpha: quality, Speed: avifSpeed})
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	}
	if err != nil {
		return nil, &common.TransformError{Format: string(format), Err: err}
	}
	return buf.Bytes(), nil
}

func (t *StdTransformer) resize(src image.Image) image.Image {
	b := src.Bounds()
	if t.MaxWidth <= 0 || b.Dx() <= t.MaxWidth {
		return src
	}

	h := b.Dy() * t.MaxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.MaxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
