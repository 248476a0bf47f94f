package preprocess

import (
	"fmt"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// Kind selects the transform chain a model was trained with.
type Kind string

const (
	// PlainNormalize feeds raw 0..255 values; the EfficientNet family
	// rescales inside the graph.
	PlainNormalize Kind = "efficientnet"
	// ContrastNormalize applies CLAHE to grayscale inputs, then DenseNet
	// (torch-mode ImageNet) normalization.
	ContrastNormalize Kind = "densenet_clahe"
	// SimpleRescale divides by 255 into [0,1].
	SimpleRescale Kind = "simple"
)

func (k Kind) Valid() bool {
	switch k {
	case PlainNormalize, ContrastNormalize, SimpleRescale:
		return true
	}
	return false
}

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Normalize turns an RGB raster into a (1, H, W, 3) tensor scaled for kind.
// Operations are carried out in float32 in the same order as the training
// pipeline so results match to the bit.
func Normalize(r *Raster, kind Kind) (*tensor.Tensor, error) {
	if r.Channels != 3 {
		return nil, &PreprocessingError{Reason: "normalize wants an RGB raster", Channels: r.Channels}
	}

	out := tensor.Zeros(1, r.Height, r.Width, 3)
	switch kind {
	case PlainNormalize:
		for i, p := range r.Pix {
			out.Data[i] = float32(p)
		}
	case SimpleRescale:
		for i, p := range r.Pix {
			out.Data[i] = float32(p) / 255
		}
	case ContrastNormalize:
		for i, p := range r.Pix {
			c := i % 3
			v := float32(p) / 255
			v = v - imagenetMean[c]
			out.Data[i] = v / imagenetStd[c]
		}
	default:
		return nil, fmt.Errorf("preprocess: unknown kind %q", kind)
	}
	return out, nil
}
