package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/medianalytica-api/internal/explain"
	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/service"
	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

type fixedRuntime struct {
	probs []float32
}

func (f *fixedRuntime) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	return f.probs, nil
}

func (f *fixedRuntime) Close() error { return nil }

// fileOpener serves every artifact as a skin classifier that is sure about
// "mel".
type fileOpener struct{}

func (fileOpener) OpenBundle(dir string) (*model.Handle, error) {
	return fileOpener{}.OpenFile(dir)
}

func (fileOpener) OpenFile(path string) (*model.Handle, error) {
	return &model.Handle{Runtime: &fixedRuntime{probs: []float32{0.02, 0.03, 0.05, 0.8, 0.1}}}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "skin_model.onnx"), []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}

	configs := []model.DiseaseModelConfig{
		{
			DiseaseType:            "skin",
			ImageSize:              model.ImageSize{Width: 8, Height: 8},
			ClassNames:             []string{"akiec", "bcc", "bkl", "mel", "nv"},
			ClassNameLocalizations: map[string]string{"mel": "Melanom"},
			Preprocessing:          preprocess.PlainNormalize,
			ArtifactLocations:      []string{filepath.Join(dir, "skin_model.onnx")},
		},
		{
			DiseaseType:       "lung",
			ImageSize:         model.ImageSize{Width: 8, Height: 8},
			ClassNames:        []string{"COVID-19", "Non-COVID", "Normal"},
			Preprocessing:     preprocess.ContrastNormalize,
			ArtifactLocations: []string{filepath.Join(dir, "lung_model.onnx")},
		},
	}
	registry, err := model.NewRegistry(configs, fileOpener{})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	h := NewHandler(registry, service.NewClassifier(registry, explain.PNG), 1<<20)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /classes/{diseaseType}", h.Classes)
	mux.HandleFunc("POST /predict/{diseaseType}", h.PredictFromImage)
	mux.HandleFunc("POST /predict/{diseaseType}/raw", h.Predict)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func uploadBody(t *testing.T, img []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if img != nil {
		part, err := writer.CreateFormFile("image", "lesion.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(img)
	}
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func postImage(t *testing.T, url string, img []byte, fields map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	body, contentType := uploadBody(t, img, fields)
	resp, err := http.Post(url, contentType, body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return resp, out
}

func TestPredictFromImage(t *testing.T) {
	srv := newTestServer(t)

	resp, out := postImage(t, srv.URL+"/predict/skin", testPNG(t), map[string]string{"with_gradcam": "true"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, out)
	}
	if out["prediction"] != "mel" || out["prediction_tr"] != "Melanom" || out["confidence_percentage"] != "80.00%" {
		t.Errorf("unexpected prediction %v", out)
	}
	if top3, _ := out["top_3"].([]any); len(top3) != 3 {
		t.Errorf("expected 3 top predictions, got %v", out["top_3"])
	}
	if all, _ := out["all_predictions"].([]any); len(all) != 5 {
		t.Errorf("expected 5 predictions, got %v", out["all_predictions"])
	}
	if _, ok := out["gradcam"]; ok {
		t.Error("a model without a gradient graph must answer without an overlay")
	}
}

func TestFailingModelIsIsolated(t *testing.T) {
	srv := newTestServer(t)

	resp, out := postImage(t, srv.URL+"/predict/lung", testPNG(t), nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for the missing lung model, got %d", resp.StatusCode)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "lung") {
		t.Errorf("unexpected error body %v", out)
	}

	resp, _ = postImage(t, srv.URL+"/predict/skin", testPNG(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("skin must keep working while lung is down, got %d", resp.StatusCode)
	}

	health, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer health.Body.Close()
	var h map[string]any
	json.NewDecoder(health.Body).Decode(&h)
	if h["models_loaded"] != float64(1) || h["total_models"] != float64(2) || h["status"] != "healthy" {
		t.Errorf("unexpected health %v", h)
	}
}

func TestPredictFromImageBadRequests(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		path string
		img  []byte
	}{
		{"unknown disease type", "/predict/heart", testPNG(t)},
		{"missing image field", "/predict/skin", nil},
		{"unreadable image", "/predict/skin", []byte("definitely not a png")},
	}
	for _, tc := range cases {
		resp, out := postImage(t, srv.URL+tc.path, tc.img, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
		if _, ok := out["error"]; !ok {
			t.Errorf("%s: missing error field in %v", tc.name, out)
		}
	}
}

func TestClassesAndIndex(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/classes/skin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var classes struct {
		Classes   []string `json:"classes"`
		ImageSize [2]int   `json:"image_size"`
	}
	json.NewDecoder(resp.Body).Decode(&classes)
	if len(classes.Classes) != 5 || classes.Classes[3] != "mel" || classes.ImageSize != [2]int{8, 8} {
		t.Errorf("unexpected classes response %+v", classes)
	}

	resp, err = http.Get(srv.URL + "/classes/heart")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var index map[string]any
	json.NewDecoder(resp.Body).Decode(&index)
	if models, _ := index["models"].(map[string]any); len(models) != 2 {
		t.Errorf("index should list every configured type, got %v", index["models"])
	}
}

func TestPredictRaw(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(RawRequest{Image: make([]float32, 8*8*3)})
	resp, err := http.Post(srv.URL+"/predict/skin/raw", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(RawRequest{Image: make([]float32, 7)})
	resp2, err := http.Post(srv.URL+"/predict/skin/raw", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a wrong-sized input, got %d", resp2.StatusCode)
	}
}
