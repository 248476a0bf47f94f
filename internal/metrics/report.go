package metrics

import (
	"fmt"
	"strings"
)

type ClassScore struct {
	Class     string  `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report is the held-out evaluation of a finished model. Confusion rows are
// true classes and columns are predicted classes.
type Report struct {
	Samples    int          `json:"samples"`
	Accuracy   float64      `json:"accuracy"`
	MacroF1    float64      `json:"macro_f1"`
	WeightedF1 float64      `json:"weighted_f1"`
	Classes    []ClassScore `json:"classes"`
	Confusion  [][]int      `json:"confusion_matrix"`
}

// Evaluate builds a Report from hard labels. Precision, recall and F1 are 0
// where their denominator is 0.
func Evaluate(trueIdx, predIdx []int, classes []string) (*Report, error) {
	if len(trueIdx) != len(predIdx) {
		return nil, fmt.Errorf("batch size mismatch: %d labels, %d predictions", len(trueIdx), len(predIdx))
	}
	k := len(classes)
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}
	correct := 0
	for i := range trueIdx {
		t, p := trueIdx[i], predIdx[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return nil, fmt.Errorf("row %d: class index out of range (true %d, predicted %d)", i, t, p)
		}
		confusion[t][p]++
		if t == p {
			correct++
		}
	}

	r := &Report{Samples: len(trueIdx), Confusion: confusion}
	if r.Samples > 0 {
		r.Accuracy = float64(correct) / float64(r.Samples)
	}
	for c := 0; c < k; c++ {
		var predicted, support int
		for j := 0; j < k; j++ {
			predicted += confusion[j][c]
			support += confusion[c][j]
		}
		tp := confusion[c][c]
		s := ClassScore{Class: classes[c], Support: support}
		if predicted > 0 {
			s.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			s.Recall = float64(tp) / float64(support)
		}
		if denom := predicted + support; denom > 0 {
			s.F1 = 2 * float64(tp) / float64(denom)
		}
		r.Classes = append(r.Classes, s)
		r.MacroF1 += s.F1
		r.WeightedF1 += s.F1 * float64(support)
	}
	if k > 0 {
		r.MacroF1 /= float64(k)
	}
	if r.Samples > 0 {
		r.WeightedF1 /= float64(r.Samples)
	}
	return r, nil
}

// String renders the per-class table followed by the confusion matrix.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %9s %9s %9s %8s\n", "class", "precision", "recall", "f1", "support")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, "%-16s %9.4f %9.4f %9.4f %8d\n", c.Class, c.Precision, c.Recall, c.F1, c.Support)
	}
	fmt.Fprintf(&b, "accuracy %.4f  macro-F1 %.4f  weighted-F1 %.4f  (%d samples)\n", r.Accuracy, r.MacroF1, r.WeightedF1, r.Samples)
	b.WriteString("confusion (rows true, columns predicted):\n")
	for i, row := range r.Confusion {
		fmt.Fprintf(&b, "%-16s", r.Classes[i].Class)
		for _, n := range row {
			fmt.Fprintf(&b, " %6d", n)
		}
		b.WriteString("\n")
	}
	return b.String()
}
