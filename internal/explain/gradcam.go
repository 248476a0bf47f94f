// Package explain renders Grad-CAM saliency overlays from feature maps and
// class-score gradients exported by a model's gradient graph.
package explain

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// CandidateLayers are the last spatial layers before global pooling of the
// deployed backbones (DenseNet121, EfficientNet, Xception), most specific
// first.
var CandidateLayers = []string{
	"conv5_block16_concat",
	"conv5_block16_2_conv",
	"top_conv",
	"block14_sepconv2",
	"top_activation",
}

// Epsilon guards the normalization against an all-zero map.
const Epsilon = 1e-7

var (
	ErrNoGradients = errors.New("model has no gradient graph")
	ErrNoLayer     = errors.New("no candidate layer found")
)

// Degradation explains why no overlay was produced. It is reported, never
// turned into a failed request.
type Degradation struct {
	Layer string
	Err   error
}

func (d *Degradation) Error() string {
	if d.Layer == "" {
		return fmt.Sprintf("grad-cam unavailable: %v", d.Err)
	}
	return fmt.Sprintf("grad-cam unavailable at %s: %v", d.Layer, d.Err)
}

func (d *Degradation) Unwrap() error { return d.Err }

// Source provides feature maps and gradients for a layer.
type Source interface {
	Layers() []string
	FeatureGradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (features, grads *tensor.Tensor, err error)
}

// SelectLayer returns the first candidate present in available.
func SelectLayer(available, candidates []string) (string, bool) {
	have := make(map[string]bool, len(available))
	for _, name := range available {
		have[name] = true
	}
	for _, name := range candidates {
		if have[name] {
			return name, true
		}
	}
	return "", false
}

// Map is a saliency map with values in [0, 1], row-major.
type Map struct {
	Width  int
	Height int
	Values []float32
}

func (m *Map) At(x, y int) float32 { return m.Values[y*m.Width+x] }

// Heatmap combines an NHWC feature map with its gradient: channel weights
// are the spatial mean of the gradient, the map is the rectified weighted
// channel sum divided by its maximum.
func Heatmap(features, grads *tensor.Tensor) (*Map, error) {
	if features.Rank() != 4 || !tensor.SameShape(features.Shape, grads.Shape) {
		return nil, fmt.Errorf("features %v and gradients %v must share an NHWC shape", features.Shape, grads.Shape)
	}
	n, h, w, c := features.Shape[0], features.Shape[1], features.Shape[2], features.Shape[3]
	if n != 1 || h == 0 || w == 0 || c == 0 {
		return nil, fmt.Errorf("unexpected feature shape %v", features.Shape)
	}

	weights := make([]float32, c)
	for i := 0; i < h*w; i++ {
		row := grads.Data[i*c : (i+1)*c]
		for k, g := range row {
			weights[k] += g
		}
	}
	for k := range weights {
		weights[k] /= float32(h * w)
	}

	m := &Map{Width: w, Height: h, Values: make([]float32, h*w)}
	var peak float32
	for i := 0; i < h*w; i++ {
		row := features.Data[i*c : (i+1)*c]
		var sum float32
		for k, f := range row {
			sum += f * weights[k]
		}
		if sum < 0 {
			sum = 0
		}
		m.Values[i] = sum
		if sum > peak {
			peak = sum
		}
	}
	for i := range m.Values {
		m.Values[i] /= peak + Epsilon
	}
	return m, nil
}

// Resize scales the map bilinearly to width x height.
func (m *Map) Resize(width, height int) *Map {
	if width == m.Width && height == m.Height {
		return m
	}

	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(clamp01(m.At(x, y))*65535 + 0.5)})
		}
	}

	scaled := resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	out := &Map{Width: width, Height: height, Values: make([]float32, width*height)}
	b := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := scaled.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Values[y*width+x] = float32(r) / 65535
		}
	}
	return out
}

// Explainer picks a layer from its candidate list and builds the heatmap
// for one class.
type Explainer struct {
	Candidates []string
}

func NewExplainer() *Explainer {
	return &Explainer{Candidates: CandidateLayers}
}

// Explain returns the heatmap at the source's feature resolution. Every
// failure comes back as a *Degradation.
func (e *Explainer) Explain(ctx context.Context, src Source, input *tensor.Tensor, classIndex int) (*Map, error) {
	if src == nil {
		return nil, &Degradation{Err: ErrNoGradients}
	}
	layer, ok := SelectLayer(src.Layers(), e.Candidates)
	if !ok {
		return nil, &Degradation{Err: ErrNoLayer}
	}

	features, grads, err := src.FeatureGradients(ctx, input, layer, classIndex)
	if err != nil {
		return nil, &Degradation{Layer: layer, Err: err}
	}
	m, err := Heatmap(features, grads)
	if err != nil {
		return nil, &Degradation{Layer: layer, Err: err}
	}
	return m, nil
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
