package explain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Blend weights of the original image and the colorized heatmap.
const (
	ImageWeight   = 0.6
	HeatmapWeight = 0.4
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
)

func (f Format) Valid() bool {
	switch f {
	case PNG, JPEG, WebP:
		return true
	}
	return false
}

// Jet maps a heat level to the jet colormap, blue through red.
func Jet(v uint8) (r, g, b uint8) {
	x := float64(v) / 255
	ch := func(center float64) uint8 {
		c := 1.5 - math.Abs(4*x-center)
		c = math.Max(0, math.Min(1, c))
		return uint8(math.Round(c * 255))
	}
	return ch(3), ch(2), ch(1)
}

// Overlay upsamples the heatmap to the image's size, colorizes it and
// blends it over the image. The result always has the image's bounds.
func Overlay(img image.Image, m *Map) *image.NRGBA {
	base := imaging.Clone(img)
	w, h := base.Bounds().Dx(), base.Bounds().Dy()
	scaled := m.Resize(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Truncation matches the uint8 cast the heatmap was tuned with.
			level := uint8(255 * clamp01(scaled.At(x, y)))
			hr, hg, hb := Jet(level)

			i := base.PixOffset(x, y)
			px := base.Pix[i : i+4 : i+4]
			px[0] = blend(px[0], hr)
			px[1] = blend(px[1], hg)
			px[2] = blend(px[2], hb)
			px[3] = 255
		}
	}
	return base
}

func blend(a, b uint8) uint8 {
	v := math.RoundToEven(ImageWeight*float64(a) + HeatmapWeight*float64(b))
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// EncodeDataURI encodes img and wraps it in a base64 data URI.
func EncodeDataURI(img image.Image, format Format) (string, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case PNG, "":
		format = PNG
		err = png.Encode(&buf, img)
	case JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case WebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: 90})
	default:
		return "", fmt.Errorf("unsupported overlay format %q", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode overlay: %w", err)
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(buf.Bytes())), nil
}
