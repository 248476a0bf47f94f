package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
)

// ImageSize is the network input resolution. It marshals as [width, height].
type ImageSize struct {
	Width  int
	Height int
}

func (s ImageSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Width, s.Height})
}

func (s *ImageSize) UnmarshalJSON(b []byte) error {
	var wh [2]int
	if err := json.Unmarshal(b, &wh); err != nil {
		return fmt.Errorf("image_size must be [width, height]: %w", err)
	}
	s.Width, s.Height = wh[0], wh[1]
	return nil
}

// DiseaseModelConfig describes one disease model. ClassNames is
// index-significant: position i labels output i of the network.
type DiseaseModelConfig struct {
	DiseaseType            string            `json:"disease_type"`
	ImageSize              ImageSize         `json:"image_size"`
	ClassNames             []string          `json:"classes"`
	ClassNameLocalizations map[string]string `json:"classes_tr"`
	Preprocessing          preprocess.Kind   `json:"preprocess"`
	// ArtifactLocations are tried in order. Entries may be local paths
	// (a graph bundle directory or a single .onnx file) or hf:// / https://
	// URIs fetched into the hub cache first.
	ArtifactLocations []string `json:"artifacts"`
}

func (c DiseaseModelConfig) PreprocessOptions() preprocess.Options {
	return preprocess.Options{
		Width:  c.ImageSize.Width,
		Height: c.ImageSize.Height,
		Kind:   c.Preprocessing,
	}
}

// Localized returns the display name of a class, falling back to the class
// name itself.
func (c DiseaseModelConfig) Localized(class string) string {
	if tr, ok := c.ClassNameLocalizations[class]; ok && tr != "" {
		return tr
	}
	return class
}

func (c DiseaseModelConfig) Validate() error {
	if c.DiseaseType == "" {
		return fmt.Errorf("disease_type is required")
	}
	if c.ImageSize.Width <= 0 || c.ImageSize.Height <= 0 {
		return fmt.Errorf("%s: image_size must be positive", c.DiseaseType)
	}
	if len(c.ClassNames) == 0 {
		return fmt.Errorf("%s: classes cannot be empty", c.DiseaseType)
	}
	seen := make(map[string]bool, len(c.ClassNames))
	for _, name := range c.ClassNames {
		if seen[name] {
			return fmt.Errorf("%s: duplicate class %q", c.DiseaseType, name)
		}
		seen[name] = true
	}
	if !c.Preprocessing.Valid() {
		return fmt.Errorf("%s: unknown preprocess kind %q", c.DiseaseType, c.Preprocessing)
	}
	if len(c.ArtifactLocations) == 0 {
		return fmt.Errorf("%s: at least one artifact location is required", c.DiseaseType)
	}
	return nil
}

// RuntimeKind is the shape of a loaded artifact.
type RuntimeKind string

const (
	// GraphCallable is a directory bundle invoked through named outputs.
	GraphCallable RuntimeKind = "graph-callable"
	// DirectCallable is a single model file whose one output is the result.
	DirectCallable RuntimeKind = "direct-callable"
)

type PredictionResult struct {
	Class      string  `json:"class"`
	ClassTr    string  `json:"class_tr"`
	Confidence float32 `json:"confidence"`
	Percentage string  `json:"percentage"`
	Rank       int     `json:"-"`
	ClassIndex int     `json:"-"`
}

// ClassificationResponse is what the predict endpoint returns.
type ClassificationResponse struct {
	Success              bool               `json:"success"`
	DiseaseType          string             `json:"disease_type"`
	Prediction           string             `json:"prediction"`
	PredictionTr         string             `json:"prediction_tr"`
	Confidence           float32            `json:"confidence"`
	ConfidencePercentage string             `json:"confidence_percentage"`
	Top3                 []PredictionResult `json:"top_3"`
	AllPredictions       []PredictionResult `json:"all_predictions"`
	// GradCAM is a data URI; empty when not requested or generation failed.
	GradCAM string `json:"gradcam,omitempty"`
}

// AnalysisRecord is the shape handed to the persistence collaborator. The
// classifier never stores or reads it.
type AnalysisRecord struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	DiseaseType   string             `json:"diseaseType"`
	Results       []PredictionResult `json:"results"`
	TopPrediction string             `json:"topPrediction"`
	ImageURL      string             `json:"imageUrl"`
	CreatedAt     time.Time          `json:"createdAt"`
}

func NewAnalysisRecord(resp *ClassificationResponse, userID, imageURL string) AnalysisRecord {
	return AnalysisRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		DiseaseType:   resp.DiseaseType,
		Results:       resp.AllPredictions,
		TopPrediction: resp.Prediction,
		ImageURL:      imageURL,
		CreatedAt:     time.Now().UTC(),
	}
}
