package preprocess

import "math"

// Tolerances of numpy.allclose, which decided grayscale-ness when the
// deployed models' training data was produced. For 8-bit values they
// collapse to exact equality.
const (
	grayRelTol = 1e-5
	grayAbsTol = 1e-8
)

// IsGrayscale reports whether r carries no color information: a single
// channel, or three channels that agree pixel for pixel. Four-channel
// rasters are never grayscale; coerce them first.
func IsGrayscale(r *Raster) bool {
	switch r.Channels {
	case 1:
		return true
	case 3:
		return planesClose(r, 0, 1) && planesClose(r, 1, 2) && planesClose(r, 0, 2)
	default:
		return false
	}
}

func planesClose(r *Raster, a, b int) bool {
	for i := 0; i < len(r.Pix); i += r.Channels {
		va, vb := float64(r.Pix[i+a]), float64(r.Pix[i+b])
		if math.Abs(va-vb) > grayAbsTol+grayRelTol*math.Abs(vb) {
			return false
		}
	}
	return true
}
