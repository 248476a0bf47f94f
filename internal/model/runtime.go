package model

import (
	"context"
	"errors"
	"time"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// Runtime is a loaded classifier. Predict returns the flat class
// probability vector for a (1, H, W, 3) input, whatever the artifact shape.
type Runtime interface {
	Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error)
	Close() error
}

// GradientSource exposes intermediate feature maps and the gradient of a
// class score with respect to them. Both tensors are (1, h, w, c).
type GradientSource interface {
	Layers() []string
	FeatureGradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (features, grads *tensor.Tensor, err error)
	Close() error
}

// Handle is the loaded state of one registry entry. It is never mutated
// after the load that produced it.
type Handle struct {
	Kind     RuntimeKind
	Location string
	Runtime  Runtime
	// Gradients is nil when the artifact ships no gradient graph.
	Gradients GradientSource
	Metadata  map[string]string
	LoadedAt  time.Time
}

// Predict runs the handle's runtime. A nil handle means the model is absent.
func (h *Handle) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	if h == nil || h.Runtime == nil {
		return nil, &ModelUnavailableError{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Runtime.Predict(ctx, input)
}

func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.Runtime != nil {
		errs = append(errs, h.Runtime.Close())
	}
	if h.Gradients != nil {
		errs = append(errs, h.Gradients.Close())
	}
	return errors.Join(errs...)
}

// Opener turns an artifact on disk into a Handle.
type Opener interface {
	// OpenBundle loads a graph-callable directory bundle.
	OpenBundle(dir string) (*Handle, error)
	// OpenFile loads a direct-callable single model file.
	OpenFile(path string) (*Handle, error)
}
