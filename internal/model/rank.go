package model

import (
	"fmt"
	"sort"
)

// Rank pairs probabilities with class names and orders them by descending
// confidence. Ties keep the configured class order.
func Rank(cfg DiseaseModelConfig, probs []float32) ([]PredictionResult, error) {
	if len(probs) != len(cfg.ClassNames) {
		return nil, &ConfigurationError{
			DiseaseType: cfg.DiseaseType,
			Err:         fmt.Errorf("model returned %d scores for %d classes", len(probs), len(cfg.ClassNames)),
		}
	}

	results := make([]PredictionResult, len(probs))
	for i, p := range probs {
		name := cfg.ClassNames[i]
		results[i] = PredictionResult{
			Class:      name,
			ClassTr:    cfg.Localized(name),
			Confidence: p,
			Percentage: Percentage(p),
			ClassIndex: i,
		}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Confidence > results[b].Confidence
	})
	for i := range results {
		results[i].Rank = i
	}
	return results, nil
}

// Percentage formats a [0,1] confidence as "12.34%".
func Percentage(p float32) string {
	return fmt.Sprintf("%.2f%%", float64(p)*100)
}

// NewResponse assembles the response body from ranked results.
func NewResponse(diseaseType string, ranked []PredictionResult) *ClassificationResponse {
	top := ranked[0]
	n := 3
	if len(ranked) < n {
		n = len(ranked)
	}
	return &ClassificationResponse{
		Success:              true,
		DiseaseType:          diseaseType,
		Prediction:           top.Class,
		PredictionTr:         top.ClassTr,
		Confidence:           top.Confidence,
		ConfidencePercentage: top.Percentage,
		Top3:                 ranked[:n],
		AllPredictions:       ranked,
	}
}
