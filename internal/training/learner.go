package training

import (
	"context"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// TrainConfig is applied before a phase starts: it sets trainable flags
// (one per layer, in Layers order), the optimizer learning rate and the
// per-class loss weights, and recompiles the model.
type TrainConfig struct {
	Trainable    []bool    `json:"trainable"`
	LearningRate float64   `json:"learning_rate"`
	ClassWeights []float64 `json:"class_weights,omitempty"`
}

// BatchResult is the outcome of one optimizer step. Predictions are the
// forward-pass probabilities, (batch, classes).
type BatchResult struct {
	Loss        float64
	Predictions *tensor.Tensor
}

// Learner owns the model and the accelerator. The orchestrator decides what
// to do; the learner only executes it.
type Learner interface {
	Layers(ctx context.Context) ([]Layer, error)
	Configure(ctx context.Context, cfg TrainConfig) error
	SetLearningRate(ctx context.Context, lr float64) error
	TrainBatch(ctx context.Context, inputs, labels *tensor.Tensor) (BatchResult, error)
	PredictBatch(ctx context.Context, inputs *tensor.Tensor) (*tensor.Tensor, error)
	// Save writes the current weights under ref; Load replaces them.
	Save(ctx context.Context, ref string) error
	Load(ctx context.Context, ref string) error
	// Release frees accelerator memory. The model must be loaded again
	// before further use.
	Release(ctx context.Context) error
}
