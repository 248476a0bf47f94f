// Package service runs one classification: decode, preprocess, infer,
// rank and, on request, a Grad-CAM overlay.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"

	"github.com/Brownie44l1/medianalytica-api/internal/explain"
	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// InferenceError is a runtime failure on a model that did load.
type InferenceError struct {
	DiseaseType string
	Err         error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for %s: %v", e.DiseaseType, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Models is the part of the registry the classifier needs.
type Models interface {
	Lookup(diseaseType string) (model.DiseaseModelConfig, error)
	Resolve(ctx context.Context, diseaseType string) (model.DiseaseModelConfig, *model.Handle, error)
}

type Request struct {
	DiseaseType string
	Image       []byte
	WithGradCAM bool
}

type Classifier struct {
	models    Models
	explainer *explain.Explainer
	format    explain.Format
}

func NewClassifier(models Models, format explain.Format) *Classifier {
	return &Classifier{
		models:    models,
		explainer: explain.NewExplainer(),
		format:    format,
	}
}

// Classify runs the full chain for an uploaded image. The image is checked
// before the model is resolved, so a bad upload never waits on a load.
// Grad-CAM failures are logged and leave GradCAM empty.
func (c *Classifier) Classify(ctx context.Context, req Request) (*model.ClassificationResponse, error) {
	cfg, err := c.models.Lookup(req.DiseaseType)
	if err != nil {
		return nil, err
	}

	img, format, err := preprocess.Decode(req.Image)
	if err != nil {
		return nil, err
	}
	input, err := preprocess.Image(img, cfg.PreprocessOptions())
	if err != nil {
		return nil, err
	}
	log.Printf("classify: %s image %s %dx%d", cfg.DiseaseType, format, img.Bounds().Dx(), img.Bounds().Dy())

	resp, handle, err := c.infer(ctx, cfg.DiseaseType, input)
	if err != nil {
		return nil, err
	}

	if req.WithGradCAM {
		uri, err := c.overlay(ctx, handle, img, input, resp.AllPredictions[0].ClassIndex)
		if err != nil {
			log.Printf("classify: %s: %v", cfg.DiseaseType, err)
		} else {
			resp.GradCAM = uri
		}
	}
	return resp, nil
}

// ClassifyTensor classifies an already preprocessed (H, W, 3) input given as
// a flat slice.
func (c *Classifier) ClassifyTensor(ctx context.Context, diseaseType string, values []float32) (*model.ClassificationResponse, error) {
	cfg, err := c.models.Lookup(diseaseType)
	if err != nil {
		return nil, err
	}
	input, err := tensor.New([]int{1, cfg.ImageSize.Height, cfg.ImageSize.Width, 3}, values)
	if err != nil {
		return nil, &preprocess.PreprocessingError{Reason: "raw input does not match the model input", Err: err}
	}

	resp, _, err := c.infer(ctx, diseaseType, input)
	return resp, err
}

func (c *Classifier) infer(ctx context.Context, diseaseType string, input *tensor.Tensor) (*model.ClassificationResponse, *model.Handle, error) {
	cfg, handle, err := c.models.Resolve(ctx, diseaseType)
	if err != nil {
		return nil, nil, err
	}

	probs, err := handle.Predict(ctx, input)
	if err != nil {
		var unavailable *model.ModelUnavailableError
		if errors.As(err, &unavailable) {
			unavailable.DiseaseType = diseaseType
			return nil, nil, unavailable
		}
		return nil, nil, &InferenceError{DiseaseType: diseaseType, Err: err}
	}

	ranked, err := model.Rank(cfg, probs)
	if err != nil {
		return nil, nil, err
	}
	return model.NewResponse(diseaseType, ranked), handle, nil
}

func (c *Classifier) overlay(ctx context.Context, handle *model.Handle, img image.Image, input *tensor.Tensor, classIndex int) (string, error) {
	var src explain.Source
	if handle.Gradients != nil {
		src = handle.Gradients
	}
	heatmap, err := c.explainer.Explain(ctx, src, input, classIndex)
	if err != nil {
		return "", err
	}
	uri, err := explain.EncodeDataURI(explain.Overlay(img, heatmap), c.format)
	if err != nil {
		return "", &explain.Degradation{Err: err}
	}
	return uri, nil
}
