package explain

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

type fakeSource struct {
	layers   []string
	features *tensor.Tensor
	grads    *tensor.Tensor
	err      error
	asked    string
}

func (f *fakeSource) Layers() []string { return f.layers }

func (f *fakeSource) FeatureGradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (*tensor.Tensor, *tensor.Tensor, error) {
	f.asked = layer
	return f.features, f.grads, f.err
}

// featureMaps builds a (1, h, w, 2) map where channel 0 grows along x and
// channel 1 is constant.
func featureMaps(h, w int) *tensor.Tensor {
	t := tensor.Zeros(1, h, w, 2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 2
			t.Data[i] = float32(x)
			t.Data[i+1] = 1
		}
	}
	return t
}

func uniformGrads(h, w int, g0, g1 float32) *tensor.Tensor {
	t := tensor.Zeros(1, h, w, 2)
	for i := 0; i < h*w; i++ {
		t.Data[2*i] = g0
		t.Data[2*i+1] = g1
	}
	return t
}

func TestSelectLayerFirstMatchWins(t *testing.T) {
	layer, ok := SelectLayer([]string{"top_conv", "conv5_block16_2_conv"}, CandidateLayers)
	if !ok || layer != "conv5_block16_2_conv" {
		t.Errorf("expected conv5_block16_2_conv, got %q", layer)
	}
	if _, ok := SelectLayer([]string{"dense_1"}, CandidateLayers); ok {
		t.Error("no candidate present should report false")
	}
}

func TestHeatmap(t *testing.T) {
	m, err := Heatmap(featureMaps(3, 4), uniformGrads(3, 4, 1, 0))
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	if m.Width != 4 || m.Height != 3 {
		t.Fatalf("expected 4x3 map, got %dx%d", m.Width, m.Height)
	}
	if m.At(0, 0) != 0 {
		t.Errorf("expected 0 at x=0, got %f", m.At(0, 0))
	}
	if math.Abs(float64(m.At(3, 2))-1) > 1e-6 {
		t.Errorf("expected peak near 1, got %f", m.At(3, 2))
	}
	for _, v := range m.Values {
		if v < 0 || v > 1 {
			t.Fatalf("value %f outside [0,1]", v)
		}
	}
}

func TestHeatmapRectifies(t *testing.T) {
	m, err := Heatmap(featureMaps(2, 2), uniformGrads(2, 2, -1, 0))
	if err != nil {
		t.Fatalf("Heatmap failed: %v", err)
	}
	for i, v := range m.Values {
		if v != 0 {
			t.Errorf("negative evidence must be floored, value %d is %f", i, v)
		}
	}
}

func TestHeatmapShapeMismatch(t *testing.T) {
	if _, err := Heatmap(featureMaps(2, 2), uniformGrads(3, 2, 1, 1)); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestOverlayMatchesOriginalResolution(t *testing.T) {
	m, _ := Heatmap(featureMaps(7, 7), uniformGrads(7, 7, 1, 0.5))

	sizes := [][2]int{{300, 300}, {640, 480}, {5, 3}, {1, 1}}
	for _, s := range sizes {
		img := image.NewGray(image.Rect(0, 0, s[0], s[1]))
		out := Overlay(img, m)
		if out.Bounds().Dx() != s[0] || out.Bounds().Dy() != s[1] {
			t.Errorf("original %dx%d: overlay is %v", s[0], s[1], out.Bounds())
		}
	}
}

func TestOverlayBlend(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.NRGBA{100, 100, 100, 255})
		}
	}
	zero := &Map{Width: 2, Height: 2, Values: make([]float32, 4)}

	out := Overlay(img, zero)
	r, g, b := Jet(0)
	want := color.NRGBA{blend(100, r), blend(100, g), blend(100, b), 255}
	if got := out.NRGBAAt(1, 1); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestJetEndpoints(t *testing.T) {
	if r, g, b := Jet(0); r != 0 || g != 0 || b != 128 {
		t.Errorf("Jet(0) = %d,%d,%d", r, g, b)
	}
	if r, g, b := Jet(255); r != 128 || g != 0 || b != 0 {
		t.Errorf("Jet(255) = %d,%d,%d", r, g, b)
	}
}

func TestExplainDegrades(t *testing.T) {
	e := NewExplainer()
	input := tensor.Zeros(1, 8, 8, 3)

	_, err := e.Explain(context.Background(), nil, input, 0)
	if !errors.Is(err, ErrNoGradients) {
		t.Errorf("nil source: expected ErrNoGradients, got %v", err)
	}

	_, err = e.Explain(context.Background(), &fakeSource{layers: []string{"dense"}}, input, 0)
	if !errors.Is(err, ErrNoLayer) {
		t.Errorf("no layer: expected ErrNoLayer, got %v", err)
	}

	boom := errors.New("gradient graph failed")
	_, err = e.Explain(context.Background(), &fakeSource{layers: []string{"top_conv"}, err: boom}, input, 0)
	var d *Degradation
	if !errors.As(err, &d) || d.Layer != "top_conv" || !errors.Is(err, boom) {
		t.Errorf("expected degradation at top_conv, got %v", err)
	}
}

func TestExplain(t *testing.T) {
	src := &fakeSource{
		layers:   []string{"top_activation", "top_conv"},
		features: featureMaps(4, 4),
		grads:    uniformGrads(4, 4, 1, 0),
	}
	m, err := NewExplainer().Explain(context.Background(), src, tensor.Zeros(1, 8, 8, 3), 1)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if src.asked != "top_conv" {
		t.Errorf("expected top_conv to be chosen, got %s", src.asked)
	}
	if m.Width != 4 {
		t.Errorf("unexpected map width %d", m.Width)
	}
}

func TestEncodeDataURI(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for _, f := range []Format{PNG, JPEG} {
		uri, err := EncodeDataURI(img, f)
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		if !strings.HasPrefix(uri, "data:image/"+string(f)+";base64,") {
			t.Errorf("%s: unexpected prefix %q", f, uri[:30])
		}
	}
	if _, err := EncodeDataURI(img, "gif"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
