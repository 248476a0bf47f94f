package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/service"
)

// Catalog is the read side of the model registry.
type Catalog interface {
	Types() []string
	Lookup(diseaseType string) (model.DiseaseModelConfig, error)
	Status() map[string]model.EntryStatus
	Count() (loaded, total int)
}

type Classifier interface {
	Classify(ctx context.Context, req service.Request) (*model.ClassificationResponse, error)
	ClassifyTensor(ctx context.Context, diseaseType string, values []float32) (*model.ClassificationResponse, error)
}

type Handler struct {
	catalog    Catalog
	classifier Classifier
	maxUpload  int64
}

func NewHandler(catalog Catalog, classifier Classifier, maxUpload int64) *Handler {
	return &Handler{
		catalog:    catalog,
		classifier: classifier,
		maxUpload:  maxUpload,
	}
}

// RawRequest carries an already preprocessed (H, W, 3) input.
type RawRequest struct {
	Image []float32 `json:"image"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	models := make(map[string]bool)
	for diseaseType, st := range h.catalog.Status() {
		models[diseaseType] = st.Loaded
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "OK",
		"message": "MediAnalytica Disease Detection API",
		"version": "1.0",
		"models":  models,
		"endpoints": map[string]string{
			"GET /":                            "API status",
			"GET /health":                      "Health check",
			"GET /classes/{disease_type}":      "Class names",
			"POST /predict/{disease_type}":     fmt.Sprintf("Predict from an image upload (%v)", h.catalog.Types()),
			"POST /predict/{disease_type}/raw": "Predict from a preprocessed float array",
		},
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	loaded, total := h.catalog.Count()
	status := "healthy"
	if loaded == 0 {
		status = "no_models"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"models_loaded": loaded,
		"total_models":  total,
		"models":        h.catalog.Status(),
	})
}

func (h *Handler) Classes(w http.ResponseWriter, r *http.Request) {
	diseaseType := r.PathValue("diseaseType")
	cfg, err := h.catalog.Lookup(diseaseType)
	if err != nil {
		h.fail(w, diseaseType, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"disease_type": cfg.DiseaseType,
		"classes":      cfg.ClassNames,
		"classes_tr":   cfg.ClassNameLocalizations,
		"image_size":   cfg.ImageSize,
	})
}

// PredictFromImage classifies a multipart upload in field "image". The
// optional "with_gradcam" field adds a Grad-CAM overlay.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	diseaseType := r.PathValue("diseaseType")
	if _, err := h.catalog.Lookup(diseaseType); err != nil {
		h.fail(w, diseaseType, requestID, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image provided. Use 'image' field.")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "Empty filename")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}

	withGradCAM, _ := strconv.ParseBool(r.FormValue("with_gradcam"))
	log.Printf("[%s] %s: received %s, %d bytes, gradcam=%v", requestID, diseaseType, header.Filename, len(data), withGradCAM)

	resp, err := h.classifier.Classify(r.Context(), service.Request{
		DiseaseType: diseaseType,
		Image:       data,
		WithGradCAM: withGradCAM,
	})
	if err != nil {
		h.fail(w, diseaseType, requestID, err)
		return
	}

	log.Printf("[%s] %s: %s (%s)", requestID, diseaseType, resp.Prediction, resp.ConfidencePercentage)
	writeJSON(w, http.StatusOK, resp)
}

// Predict classifies a JSON body {"image": [...]} holding H*W*3 values that
// are already preprocessed for the model.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	diseaseType := r.PathValue("diseaseType")

	var req RawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp, err := h.classifier.ClassifyTensor(r.Context(), diseaseType, req.Image)
	if err != nil {
		h.fail(w, diseaseType, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps the error taxonomy onto status codes. Only server-side
// failures are logged with their cause.
func (h *Handler) fail(w http.ResponseWriter, diseaseType, requestID string, err error) {
	var (
		perr *preprocess.PreprocessingError
		uerr *model.ModelUnavailableError
		cerr *model.ConfigurationError
		ierr *service.InferenceError
	)

	switch {
	case errors.Is(err, model.ErrUnknownDiseaseType):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown disease type: %s. Available: %v", diseaseType, h.catalog.Types()))
	case errors.As(err, &perr):
		writeError(w, http.StatusBadRequest, perr.Error())
	case errors.As(err, &uerr):
		log.Printf("[%s] %s: %v", requestID, diseaseType, err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Model for %s not loaded", diseaseType))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Printf("[%s] %s: request abandoned: %v", requestID, diseaseType, err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Model for %s not ready", diseaseType))
	case errors.As(err, &cerr):
		log.Printf("[%s] %s: %v", requestID, diseaseType, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Model for %s is misconfigured", diseaseType))
	case errors.As(err, &ierr):
		log.Printf("[%s] %v", requestID, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Prediction failed: %v", ierr.Err))
	default:
		log.Printf("[%s] %s: %v", requestID, diseaseType, err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	}
}
