package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/Brownie44l1/medianalytica-api/internal/explain"
	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

type stubRuntime struct {
	probs []float32
	err   error
	input *tensor.Tensor
}

func (s *stubRuntime) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	s.input = input
	return s.probs, s.err
}

func (s *stubRuntime) Close() error { return nil }

// stubGradients exports one 2x2 layer whose top-left cell dominates.
type stubGradients struct {
	layer string
	class int
}

func (s *stubGradients) Layers() []string { return []string{"conv1", s.layer} }

func (s *stubGradients) FeatureGradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (*tensor.Tensor, *tensor.Tensor, error) {
	s.class = classIndex
	features, _ := tensor.New([]int{1, 2, 2, 1}, []float32{4, 1, 1, 0})
	grads, _ := tensor.New([]int{1, 2, 2, 1}, []float32{1, 1, 1, 1})
	return features, grads, nil
}

func (s *stubGradients) Close() error { return nil }

type stubModels struct {
	configs  map[string]model.DiseaseModelConfig
	handles  map[string]*model.Handle
	errs     map[string]error
	resolved int
}

func (s *stubModels) Lookup(diseaseType string) (model.DiseaseModelConfig, error) {
	cfg, ok := s.configs[diseaseType]
	if !ok {
		return cfg, model.ErrUnknownDiseaseType
	}
	return cfg, nil
}

func (s *stubModels) Resolve(ctx context.Context, diseaseType string) (model.DiseaseModelConfig, *model.Handle, error) {
	s.resolved++
	cfg, err := s.Lookup(diseaseType)
	if err != nil {
		return cfg, nil, err
	}
	if err := s.errs[diseaseType]; err != nil {
		return cfg, nil, err
	}
	return cfg, s.handles[diseaseType], nil
}

var lungConfig = model.DiseaseModelConfig{
	DiseaseType:            "lung",
	ImageSize:              model.ImageSize{Width: 8, Height: 8},
	ClassNames:             []string{"COVID-19", "Non-COVID", "Normal"},
	ClassNameLocalizations: map[string]string{"Non-COVID": "Non-COVID (Pnömoni)"},
	Preprocessing:          preprocess.ContrastNormalize,
	ArtifactLocations:      []string{"models/lung_model.onnx"},
}

func newStubModels(rt *stubRuntime, grads model.GradientSource) *stubModels {
	return &stubModels{
		configs: map[string]model.DiseaseModelConfig{"lung": lungConfig},
		handles: map[string]*model.Handle{"lung": {Kind: model.DirectCallable, Runtime: rt, Gradients: grads}},
		errs:    map[string]error{},
	}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*16 + y*4) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	rt := &stubRuntime{probs: []float32{0.1, 0.7, 0.2}}
	c := NewClassifier(newStubModels(rt, nil), explain.PNG)

	resp, err := c.Classify(context.Background(), Request{DiseaseType: "lung", Image: pngImage(t, 20, 12)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if resp.Prediction != "Non-COVID" || resp.PredictionTr != "Non-COVID (Pnömoni)" {
		t.Errorf("unexpected top prediction %s / %s", resp.Prediction, resp.PredictionTr)
	}
	if resp.ConfidencePercentage != "70.00%" {
		t.Errorf("unexpected percentage %s", resp.ConfidencePercentage)
	}
	if len(resp.Top3) != 3 || resp.Top3[1].Class != "Normal" || resp.Top3[2].Class != "COVID-19" {
		t.Errorf("unexpected ranking %+v", resp.Top3)
	}
	if resp.Top3[2].ClassTr != "COVID-19" {
		t.Error("missing localization should fall back to the class name")
	}
	if want := []int{1, 8, 8, 3}; !tensor.SameShape(rt.input.Shape, want) {
		t.Errorf("expected input shape %v, got %v", want, rt.input.Shape)
	}
	if resp.GradCAM != "" {
		t.Error("Grad-CAM was not requested")
	}
}

func TestClassifyGradCAM(t *testing.T) {
	grads := &stubGradients{layer: "conv5_block16_concat"}
	rt := &stubRuntime{probs: []float32{0.05, 0.15, 0.8}}
	c := NewClassifier(newStubModels(rt, grads), explain.PNG)

	resp, err := c.Classify(context.Background(), Request{DiseaseType: "lung", Image: pngImage(t, 16, 16), WithGradCAM: true})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !strings.HasPrefix(resp.GradCAM, "data:image/png;base64,") {
		t.Errorf("expected a png data uri, got %.40q", resp.GradCAM)
	}
	if grads.class != 2 {
		t.Errorf("Grad-CAM should explain the top class, got class %d", grads.class)
	}
}

func TestClassifyGradCAMDegrades(t *testing.T) {
	rt := &stubRuntime{probs: []float32{0.5, 0.3, 0.2}}

	for name, grads := range map[string]model.GradientSource{
		"no gradient graph": nil,
		"no known layer":    &stubGradients{layer: "dense_7"},
	} {
		c := NewClassifier(newStubModels(rt, grads), explain.PNG)
		resp, err := c.Classify(context.Background(), Request{DiseaseType: "lung", Image: pngImage(t, 8, 8), WithGradCAM: true})
		if err != nil {
			t.Fatalf("%s: Grad-CAM failure must not fail the request: %v", name, err)
		}
		if resp.GradCAM != "" || resp.Prediction != "COVID-19" {
			t.Errorf("%s: expected prediction without overlay, got %+v", name, resp)
		}
	}
}

func TestClassifyErrors(t *testing.T) {
	ctx := context.Background()

	models := newStubModels(&stubRuntime{probs: []float32{1, 0, 0}}, nil)
	c := NewClassifier(models, explain.PNG)

	if _, err := c.Classify(ctx, Request{DiseaseType: "heart", Image: pngImage(t, 4, 4)}); !errors.Is(err, model.ErrUnknownDiseaseType) {
		t.Errorf("expected unknown disease type, got %v", err)
	}

	var perr *preprocess.PreprocessingError
	if _, err := c.Classify(ctx, Request{DiseaseType: "lung", Image: []byte("not an image")}); !errors.As(err, &perr) {
		t.Errorf("expected PreprocessingError, got %v", err)
	}
	if models.resolved != 0 {
		t.Error("a rejected upload must not resolve the model")
	}

	models.errs["lung"] = &model.ModelUnavailableError{DiseaseType: "lung", Err: errors.New("no artifact")}
	var uerr *model.ModelUnavailableError
	if _, err := c.Classify(ctx, Request{DiseaseType: "lung", Image: pngImage(t, 4, 4)}); !errors.As(err, &uerr) {
		t.Errorf("expected ModelUnavailableError, got %v", err)
	}
	delete(models.errs, "lung")

	models.handles["lung"] = &model.Handle{Runtime: &stubRuntime{err: errors.New("session crashed")}}
	var ierr *InferenceError
	if _, err := c.Classify(ctx, Request{DiseaseType: "lung", Image: pngImage(t, 4, 4)}); !errors.As(err, &ierr) {
		t.Errorf("expected InferenceError, got %v", err)
	}

	models.handles["lung"] = &model.Handle{Runtime: &stubRuntime{probs: []float32{0.5, 0.5}}}
	var cerr *model.ConfigurationError
	if _, err := c.Classify(ctx, Request{DiseaseType: "lung", Image: pngImage(t, 4, 4)}); !errors.As(err, &cerr) {
		t.Errorf("expected ConfigurationError on output width mismatch, got %v", err)
	}
}

func TestClassifyTensor(t *testing.T) {
	rt := &stubRuntime{probs: []float32{0.2, 0.2, 0.6}}
	c := NewClassifier(newStubModels(rt, nil), explain.PNG)

	resp, err := c.ClassifyTensor(context.Background(), "lung", make([]float32, 8*8*3))
	if err != nil {
		t.Fatalf("ClassifyTensor failed: %v", err)
	}
	if resp.Prediction != "Normal" {
		t.Errorf("expected Normal, got %s", resp.Prediction)
	}

	var perr *preprocess.PreprocessingError
	if _, err := c.ClassifyTensor(context.Background(), "lung", make([]float32, 10)); !errors.As(err, &perr) {
		t.Errorf("expected PreprocessingError for a short input, got %v", err)
	}
}
