package training

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase is one stage of progressive unfreezing.
type Phase int

const (
	InitialTraining Phase = iota
	PartialUnfreeze
	FullUnfreeze
)

func (p Phase) String() string {
	switch p {
	case InitialTraining:
		return "initial"
	case PartialUnfreeze:
		return "partial-unfreeze"
	case FullUnfreeze:
		return "full-unfreeze"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, c := range []Phase{InitialTraining, PartialUnfreeze, FullUnfreeze} {
		if strings.EqualFold(s, c.String()) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", s)
}

// AllLayers unfreezes every backbone layer.
const AllLayers = -1

// PhaseConfig is the fixed budget and schedule of one phase.
type PhaseConfig struct {
	Phase Phase `json:"phase"`
	// UnfreezeTop counts backbone layers from the output end; AllLayers
	// unfreezes the whole backbone. Normalization layers stay frozen.
	UnfreezeTop  int     `json:"unfreeze_top"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	// MinDelta is the early-stopping improvement threshold.
	MinDelta float64 `json:"min_delta"`
}

// DefaultPhases is the schedule the deployed lung model was trained with,
// reordered so the trainable set only grows.
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		{Phase: InitialTraining, UnfreezeTop: 15, LearningRate: 1e-4, BatchSize: 16, Epochs: 150, MinDelta: 0.003},
		{Phase: PartialUnfreeze, UnfreezeTop: 150, LearningRate: 1e-5, BatchSize: 4, Epochs: 40, MinDelta: 0.002},
		{Phase: FullUnfreeze, UnfreezeTop: AllLayers, LearningRate: 5e-6, BatchSize: 4, Epochs: 40, MinDelta: 0.002},
	}
}

func covers(top int) int {
	if top == AllLayers {
		return int(^uint(0) >> 1)
	}
	return top
}

// ValidatePhases checks the schedule invariants: phases in order ending in
// a full unfreeze that opens more layers than the phase before it, trainable
// sets that never shrink, strictly decreasing learning rates and
// non-increasing batch sizes.
func ValidatePhases(phases []PhaseConfig) error {
	if len(phases) == 0 {
		return fmt.Errorf("no phases configured")
	}
	for i, p := range phases {
		if p.Phase != Phase(i) {
			return fmt.Errorf("phase %d is %s, want %s", i, p.Phase, Phase(i))
		}
		if p.UnfreezeTop < 0 && p.UnfreezeTop != AllLayers {
			return fmt.Errorf("%s: invalid unfreeze_top %d", p.Phase, p.UnfreezeTop)
		}
		if p.LearningRate <= 0 || p.BatchSize <= 0 || p.Epochs <= 0 {
			return fmt.Errorf("%s: learning_rate, batch_size and epochs must be positive", p.Phase)
		}
		if i == 0 {
			continue
		}
		prev := phases[i-1]
		if covers(p.UnfreezeTop) < covers(prev.UnfreezeTop) {
			return fmt.Errorf("%s unfreezes fewer layers than %s", p.Phase, prev.Phase)
		}
		if p.Phase == FullUnfreeze && covers(prev.UnfreezeTop) >= covers(p.UnfreezeTop) {
			return fmt.Errorf("%s must leave layers for %s to unfreeze", prev.Phase, p.Phase)
		}
		if p.LearningRate >= prev.LearningRate {
			return fmt.Errorf("%s learning rate %g must be below %g", p.Phase, p.LearningRate, prev.LearningRate)
		}
		if p.BatchSize > prev.BatchSize {
			return fmt.Errorf("%s batch size %d exceeds %d", p.Phase, p.BatchSize, prev.BatchSize)
		}
	}
	if last := phases[len(phases)-1]; last.Phase != FullUnfreeze || last.UnfreezeTop != AllLayers {
		return fmt.Errorf("schedule must end with %s of all layers", FullUnfreeze)
	}
	return nil
}

// PhaseState is the orchestrator's record of the phase in progress.
type PhaseState struct {
	Phase              Phase   `json:"phase"`
	UnfrozenLayerCount int     `json:"unfrozen_layer_count"`
	LearningRate       float64 `json:"learning_rate"`
	BestMetric         float64 `json:"best_metric"`
	BestEpoch          int     `json:"best_epoch"`
	CheckpointRef      string  `json:"checkpoint_ref"`
}

// CheckSchedule resolves each phase's unfrozen count against the actual
// layers. Counts must not shrink and the full unfreeze must open more
// layers than the phase before it, which fails when a partial phase already
// covers the whole backbone.
func CheckSchedule(layers []Layer, phases []PhaseConfig) ([]int, error) {
	counts := make([]int, len(phases))
	for i, pc := range phases {
		counts[i] = UnfrozenCount(layers, TrainableFlags(layers, pc.UnfreezeTop))
		if i == 0 {
			continue
		}
		prev := phases[i-1]
		if counts[i] < counts[i-1] {
			return nil, fmt.Errorf("%s would unfreeze %d layers, fewer than %s's %d",
				pc.Phase, counts[i], prev.Phase, counts[i-1])
		}
		if pc.Phase == FullUnfreeze && counts[i] == counts[i-1] {
			return nil, fmt.Errorf("%s already unfreezes all %d trainable backbone layers; lower its unfreeze_top",
				prev.Phase, counts[i])
		}
	}
	return counts, nil
}
