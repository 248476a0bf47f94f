package preprocess

import (
	"image"
	"image/color"
)

// Raster is an interleaved 8-bit image with an explicit channel count.
// Channels is 1 for grayscale, 3 for RGB and 4 for RGBA.
type Raster struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

func NewRaster(width, height, channels int) *Raster {
	return &Raster{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

func (r *Raster) At(x, y, c int) uint8 {
	return r.Pix[(y*r.Width+x)*r.Channels+c]
}

func (r *Raster) Set(x, y, c int, v uint8) {
	r.Pix[(y*r.Width+x)*r.Channels+c] = v
}

// Channel extracts one plane as a contiguous width*height slice.
func (r *Raster) Channel(c int) []uint8 {
	out := make([]uint8, r.Width*r.Height)
	for i := range out {
		out[i] = r.Pix[i*r.Channels+c]
	}
	return out
}

func (r *Raster) validate() error {
	if r == nil {
		return &PreprocessingError{Reason: "no image"}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return &PreprocessingError{Reason: "image has no pixels"}
	}
	switch r.Channels {
	case 1, 3, 4:
	default:
		return &PreprocessingError{Reason: "unsupported channel layout", Channels: r.Channels}
	}
	if len(r.Pix) != r.Width*r.Height*r.Channels {
		return &PreprocessingError{Reason: "pixel buffer does not match dimensions", Channels: r.Channels}
	}
	return nil
}

// FromImage converts a decoded image into a Raster, keeping grayscale
// images single-channel and images with an alpha channel four-channel.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		r := NewRaster(w, h, 1)
		for y := 0; y < h; y++ {
			copy(r.Pix[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return r
	case *image.Gray16:
		r := NewRaster(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.Pix[y*w+x] = uint8(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y >> 8)
			}
		}
		return r
	case *image.NRGBA:
		r := NewRaster(w, h, 4)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.Pix[y*w*4:(y+1)*w*4], src.Pix[off:off+w*4])
		}
		return r
	case *image.RGBA:
		// stored colour is kept as is; un-premultiplying would zero it
		// wherever alpha is 0
		r := NewRaster(w, h, 4)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.Pix[y*w*4:(y+1)*w*4], src.Pix[off:off+w*4])
		}
		return r
	case *image.RGBA64:
		r := NewRaster(w, h, 4)
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := src.RGBA64At(x, y)
				r.Pix[i], r.Pix[i+1], r.Pix[i+2], r.Pix[i+3] = uint8(c.R>>8), uint8(c.G>>8), uint8(c.B>>8), uint8(c.A>>8)
				i += 4
			}
		}
		return r
	case *image.NRGBA64, *image.Paletted:
		r := NewRaster(w, h, 4)
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				r.Pix[i], r.Pix[i+1], r.Pix[i+2], r.Pix[i+3] = c.R, c.G, c.B, c.A
				i += 4
			}
		}
		return r
	}

	r := NewRaster(w, h, 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r.Pix[i], r.Pix[i+1], r.Pix[i+2] = uint8(cr>>8), uint8(cg>>8), uint8(cb>>8)
			i += 3
		}
	}
	return r
}

// toImage builds an image the resampler understands. Colour rasters become
// opaque NRGBA: the resampler weights colour by alpha, so a transparent
// pixel would otherwise turn black. See alphaImage for the fourth channel.
func (r *Raster) toImage() image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	if r.Channels == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, r.Pix)
		return g
	}
	n := image.NewNRGBA(rect)
	for i, j := 0, 0; i < len(r.Pix); i, j = i+r.Channels, j+4 {
		n.Pix[j], n.Pix[j+1], n.Pix[j+2], n.Pix[j+3] = r.Pix[i], r.Pix[i+1], r.Pix[i+2], 255
	}
	return n
}

// alphaImage returns the fourth channel as a plane of its own.
func (r *Raster) alphaImage() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for i := range g.Pix {
		g.Pix[i] = r.Pix[i*4+3]
	}
	return g
}

// RGB returns the raster as an opaque NRGBA image, replicating grayscale and
// dropping alpha. Used for overlays.
func (r *Raster) RGB() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, j := 0, 0; i < len(r.Pix); i, j = i+r.Channels, j+4 {
		switch r.Channels {
		case 1:
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = r.Pix[i], r.Pix[i], r.Pix[i]
		default:
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = r.Pix[i], r.Pix[i+1], r.Pix[i+2]
		}
		out.Pix[j+3] = 255
	}
	return out
}
