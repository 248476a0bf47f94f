// Package preprocess reproduces the training-time image transforms for each
// disease model: direct resize, channel coercion, CLAHE on grayscale inputs
// and network-specific normalization.
package preprocess

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// Options describes the target network input.
type Options struct {
	Width  int
	Height int
	Kind   Kind
}

// Run converts a raster into the (1, Height, Width, 3) input tensor.
func Run(src *Raster, opts Options) (*tensor.Tensor, error) {
	rgb, err := Prepare(src, opts)
	if err != nil {
		return nil, err
	}
	return Normalize(rgb, opts.Kind)
}

// Image is Run for a decoded image.
func Image(img image.Image, opts Options) (*tensor.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &PreprocessingError{Reason: "image has no pixels"}
	}
	return Run(FromImage(img), opts)
}

// Prepare performs every step up to normalization and returns the 8-bit RGB
// raster the network would see.
func Prepare(src *Raster, opts Options) (*Raster, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, &PreprocessingError{Reason: "target size must be positive"}
	}
	if !opts.Kind.Valid() {
		return nil, &PreprocessingError{Reason: "unknown preprocessing kind " + string(opts.Kind)}
	}

	// alpha is dropped before resampling so it never bleeds into colour
	if src.Channels == 4 {
		src = ToRGB(src)
	}
	rgb := ToRGB(Resize(src, opts.Width, opts.Height))

	if opts.Kind == ContrastNormalize && IsGrayscale(rgb) {
		eq := CLAHE(rgb.Channel(0), rgb.Width, rgb.Height, ClipLimit, TileGrid, TileGrid)
		for i, v := range eq {
			rgb.Pix[i*3], rgb.Pix[i*3+1], rgb.Pix[i*3+2] = v, v, v
		}
	}
	return rgb, nil
}

// Resize scales to exactly width x height without preserving aspect ratio,
// keeping the channel count.
func Resize(src *Raster, width, height int) *Raster {
	if src.Width == width && src.Height == height {
		out := NewRaster(width, height, src.Channels)
		copy(out.Pix, src.Pix)
		return out
	}

	scaled := imaging.Resize(src.toImage(), width, height, imaging.CatmullRom)
	out := NewRaster(width, height, src.Channels)
	for i, j := 0, 0; i < len(out.Pix); i, j = i+src.Channels, j+4 {
		switch src.Channels {
		case 1:
			out.Pix[i] = scaled.Pix[j]
		case 3:
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = scaled.Pix[j], scaled.Pix[j+1], scaled.Pix[j+2]
		default:
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = scaled.Pix[j], scaled.Pix[j+1], scaled.Pix[j+2]
		}
	}
	if src.Channels == 4 {
		alpha := imaging.Resize(src.alphaImage(), width, height, imaging.CatmullRom)
		for i := 0; i < width*height; i++ {
			out.Pix[i*4+3] = alpha.Pix[i*4]
		}
	}
	return out
}

// ToRGB replicates single-channel rasters and drops the fourth channel.
func ToRGB(src *Raster) *Raster {
	if src.Channels == 3 {
		return src
	}
	out := NewRaster(src.Width, src.Height, 3)
	for i, j := 0, 0; j < len(out.Pix); i, j = i+src.Channels, j+3 {
		if src.Channels == 1 {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = src.Pix[i], src.Pix[i], src.Pix[i]
		} else {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = src.Pix[i], src.Pix[i+1], src.Pix[i+2]
		}
	}
	return out
}
