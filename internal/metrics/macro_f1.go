// Package metrics holds the streaming macro-F1 accumulator used during
// training and validation, and the from-scratch reference it is checked
// against.
package metrics

import (
	"fmt"
	"math"
)

// Epsilon keeps precision, recall and F1 finite for classes with no support.
const Epsilon = 1e-8

// MacroF1 accumulates per-class true positive, false positive and false
// negative counts across batches. Counts only grow until Reset. A MacroF1
// is not safe for concurrent use; give each evaluation pass its own.
type MacroF1 struct {
	NumClasses int
	TP         []float64
	FP         []float64
	FN         []float64

	samples int
}

func NewMacroF1(numClasses int) *MacroF1 {
	return &MacroF1{
		NumClasses: numClasses,
		TP:         make([]float64, numClasses),
		FP:         make([]float64, numClasses),
		FN:         make([]float64, numClasses),
	}
}

// Update adds a batch of one-hot (or probability) label rows and prediction
// rows. Each row is reduced to its arg-max class.
func (m *MacroF1) Update(yTrue, yPred [][]float32) error {
	if len(yTrue) != len(yPred) {
		return fmt.Errorf("batch size mismatch: %d labels, %d predictions", len(yTrue), len(yPred))
	}
	trueIdx := make([]int, len(yTrue))
	predIdx := make([]int, len(yPred))
	for i := range yTrue {
		if len(yTrue[i]) != m.NumClasses || len(yPred[i]) != m.NumClasses {
			return fmt.Errorf("row %d: expected %d classes, got %d labels and %d predictions",
				i, m.NumClasses, len(yTrue[i]), len(yPred[i]))
		}
		trueIdx[i] = ArgMax(yTrue[i])
		predIdx[i] = ArgMax(yPred[i])
	}
	return m.UpdateIndices(trueIdx, predIdx)
}

// UpdateIndices adds a batch of hard class indices.
func (m *MacroF1) UpdateIndices(trueIdx, predIdx []int) error {
	if len(trueIdx) != len(predIdx) {
		return fmt.Errorf("batch size mismatch: %d labels, %d predictions", len(trueIdx), len(predIdx))
	}
	for i := range trueIdx {
		t, p := trueIdx[i], predIdx[i]
		if t < 0 || t >= m.NumClasses || p < 0 || p >= m.NumClasses {
			return fmt.Errorf("row %d: class index out of range (true %d, predicted %d)", i, t, p)
		}
	}

	for i := range trueIdx {
		t, p := trueIdx[i], predIdx[i]
		if t == p {
			m.TP[t]++
		} else {
			m.FP[p]++
			m.FN[t]++
		}
	}
	m.samples += len(trueIdx)
	return nil
}

// Result returns the unweighted mean of per-class F1. Classes that were
// never seen or predicted contribute 0.
func (m *MacroF1) Result() float64 {
	if m.NumClasses == 0 {
		return 0
	}
	var sum float64
	for k := 0; k < m.NumClasses; k++ {
		sum += m.ClassF1(k)
	}
	return sum / float64(m.NumClasses)
}

func (m *MacroF1) ClassF1(k int) float64 {
	precision := m.TP[k] / (m.TP[k] + m.FP[k] + Epsilon)
	recall := m.TP[k] / (m.TP[k] + m.FN[k] + Epsilon)
	return 2 * precision * recall / (precision + recall + Epsilon)
}

// Reset zeroes all counts. Call it at the start of every epoch.
func (m *MacroF1) Reset() {
	for k := 0; k < m.NumClasses; k++ {
		m.TP[k], m.FP[k], m.FN[k] = 0, 0, 0
	}
	m.samples = 0
}

// Samples is the number of examples seen since the last Reset.
func (m *MacroF1) Samples() int { return m.samples }

// ArgMax returns the index of the largest value; the first wins on ties.
func ArgMax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// Reference computes macro-F1 over numClasses from scratch using
// F1 = 2TP / (2TP + FP + FN), with 0 for classes where that is 0/0.
func Reference(trueIdx, predIdx []int, numClasses int) float64 {
	if numClasses == 0 {
		return 0
	}
	tp := make([]int, numClasses)
	fp := make([]int, numClasses)
	fn := make([]int, numClasses)
	for i := range trueIdx {
		t, p := trueIdx[i], predIdx[i]
		if t == p {
			tp[t]++
			continue
		}
		fp[p]++
		fn[t]++
	}

	var sum float64
	for k := 0; k < numClasses; k++ {
		denom := 2*tp[k] + fp[k] + fn[k]
		if denom == 0 {
			continue
		}
		sum += 2 * float64(tp[k]) / float64(denom)
	}
	return sum / float64(numClasses)
}

// DefaultTolerance is how far the streaming value may drift from the
// reference before the accumulator is considered corrupt.
const DefaultTolerance = 1e-4

// MetricStateError reports accumulated state that does not describe the
// evaluation pass it was read for.
type MetricStateError struct {
	Streaming float64
	Reference float64
	Samples   int
	Expected  int
}

func (e *MetricStateError) Error() string {
	if e.Samples != e.Expected {
		return fmt.Sprintf("metric state covers %d samples, pass had %d (missing reset?)", e.Samples, e.Expected)
	}
	return fmt.Sprintf("streaming macro-F1 %.6f diverges from reference %.6f", e.Streaming, e.Reference)
}

// CrossCheck compares an accumulator that saw exactly one validation pass
// against the reference over that pass's labels and predictions.
func CrossCheck(m *MacroF1, trueIdx, predIdx []int, tolerance float64) (float64, error) {
	ref := Reference(trueIdx, predIdx, m.NumClasses)
	if m.Samples() != len(trueIdx) {
		return ref, &MetricStateError{Streaming: m.Result(), Reference: ref, Samples: m.Samples(), Expected: len(trueIdx)}
	}
	if got := m.Result(); math.Abs(got-ref) > tolerance {
		return ref, &MetricStateError{Streaming: got, Reference: ref, Samples: m.Samples(), Expected: len(trueIdx)}
	}
	return ref, nil
}
