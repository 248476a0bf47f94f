package training

import "strings"

// Layer describes one model layer as reported by the learner.
type Layer struct {
	Name string `json:"name"`
	// Type is the framework class name, e.g. "Conv2D" or "BatchNormalization".
	Type string `json:"type"`
	// Backbone is false for the classification head added on top of the
	// pretrained network. Head layers are always trainable.
	Backbone bool `json:"backbone"`
}

var normalizationTypes = []string{
	"batchnormalization",
	"layernormalization",
	"groupnormalization",
	"syncbatchnormalization",
}

// IsNormalization reports whether the layer's statistics must stay frozen.
func (l Layer) IsNormalization() bool {
	t := strings.ToLower(l.Type)
	for _, n := range normalizationTypes {
		if t == n {
			return true
		}
	}
	return false
}

// TrainableFlags returns one flag per layer: the last unfreezeTop backbone
// layers (all of them for AllLayers) and every head layer are trainable,
// backbone normalization layers never are.
func TrainableFlags(layers []Layer, unfreezeTop int) []bool {
	var backbone []int
	for i, l := range layers {
		if l.Backbone {
			backbone = append(backbone, i)
		}
	}

	start := 0
	if unfreezeTop != AllLayers && unfreezeTop < len(backbone) {
		start = len(backbone) - unfreezeTop
	}
	open := make(map[int]bool, len(backbone)-start)
	for _, i := range backbone[start:] {
		open[i] = true
	}

	flags := make([]bool, len(layers))
	for i, l := range layers {
		switch {
		case !l.Backbone:
			flags[i] = true
		case l.IsNormalization():
			flags[i] = false
		default:
			flags[i] = open[i]
		}
	}
	return flags
}

// UnfrozenCount counts trainable backbone layers.
func UnfrozenCount(layers []Layer, flags []bool) int {
	n := 0
	for i, l := range layers {
		if l.Backbone && flags[i] {
			n++
		}
	}
	return n
}
