package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// SelfCheck runs a zero input through a freshly loaded handle and verifies
// that the output width matches the configured classes. When the artifact
// carries a class_names metadata property, its order must match as well.
func SelfCheck(ctx context.Context, cfg DiseaseModelConfig, h *Handle) error {
	input := tensor.Zeros(1, cfg.ImageSize.Height, cfg.ImageSize.Width, 3)
	probs, err := h.Predict(ctx, input)
	if err != nil {
		return fmt.Errorf("self-check forward pass failed: %w", err)
	}
	if len(probs) != len(cfg.ClassNames) {
		return &ConfigurationError{
			DiseaseType: cfg.DiseaseType,
			Err:         fmt.Errorf("model outputs %d scores but %d classes are configured", len(probs), len(cfg.ClassNames)),
		}
	}

	names := MetadataClassNames(h.Metadata)
	if names == nil {
		return nil
	}
	if len(names) != len(cfg.ClassNames) {
		return &ConfigurationError{
			DiseaseType: cfg.DiseaseType,
			Err:         fmt.Errorf("artifact lists %d classes, config has %d", len(names), len(cfg.ClassNames)),
		}
	}
	for i := range names {
		if names[i] != cfg.ClassNames[i] {
			return &ConfigurationError{
				DiseaseType: cfg.DiseaseType,
				Err:         fmt.Errorf("class %d is %q in the artifact but %q in config", i, names[i], cfg.ClassNames[i]),
			}
		}
	}
	return nil
}
