package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/medianalytica-api/internal/metrics"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// Config drives one progressive fine-tuning run.
type Config struct {
	DiseaseType string             `json:"disease_type"`
	Classes     []string           `json:"classes"`
	Preprocess  preprocess.Options `json:"-"`
	Phases      []PhaseConfig      `json:"phases"`
	// ClassWeights are passed to the learner unchanged; nil means uniform.
	ClassWeights []float64 `json:"class_weights,omitempty"`

	EarlyStopPatience int     `json:"early_stop_patience"`
	PlateauFactor     float64 `json:"plateau_factor"`
	PlateauPatience   int     `json:"plateau_patience"`
	PlateauMinLR      float64 `json:"plateau_min_lr"`
	PlateauCooldown   int     `json:"plateau_cooldown"`

	CheckpointDir string `json:"checkpoint_dir"`
	Seed          int64  `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Phases:            DefaultPhases(),
		EarlyStopPatience: 15,
		PlateauFactor:     0.3,
		PlateauPatience:   15,
		PlateauMinLR:      1e-8,
		PlateauCooldown:   5,
		CheckpointDir:     "checkpoints",
		Seed:              42,
	}
}

func (c Config) Validate() error {
	if c.DiseaseType == "" {
		return fmt.Errorf("disease type is required")
	}
	if len(c.Classes) < 2 {
		return fmt.Errorf("at least two classes are required")
	}
	if c.ClassWeights != nil && len(c.ClassWeights) != len(c.Classes) {
		return fmt.Errorf("%d class weights for %d classes", len(c.ClassWeights), len(c.Classes))
	}
	if c.EarlyStopPatience <= 0 || c.PlateauPatience <= 0 {
		return fmt.Errorf("patience values must be positive")
	}
	if c.PlateauFactor <= 0 || c.PlateauFactor >= 1 {
		return fmt.Errorf("plateau factor must be in (0, 1)")
	}
	return ValidatePhases(c.Phases)
}

// EpochRecord is one line of the training history.
type EpochRecord struct {
	Phase        Phase   `json:"phase"`
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	TrainF1      float64 `json:"train_macro_f1"`
	ValF1        float64 `json:"val_macro_f1"`
	ReferenceF1  float64 `json:"val_reference_macro_f1"`
	LearningRate float64 `json:"learning_rate"`
	Checkpointed bool    `json:"checkpointed"`
}

type PhaseSummary struct {
	State        PhaseState    `json:"state"`
	StoppedEarly bool          `json:"stopped_early"`
	History      []EpochRecord `json:"history"`
}

type Summary struct {
	RunID           string         `json:"run_id"`
	DiseaseType     string         `json:"disease_type"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	Phases          []PhaseSummary `json:"phases"`
	FinalCheckpoint string         `json:"final_checkpoint"`
	// Test is the final model scored on the held-out split, when one is set.
	Test *metrics.Report `json:"test,omitempty"`
}

// EpochEnd is what a post-epoch hook sees. TrueIdx and PredIdx hold the
// whole validation pass in order.
type EpochEnd struct {
	Phase      Phase
	Epoch      int
	Validation *ImageFolder
	Metric     *metrics.MacroF1
	TrueIdx    []int
	PredIdx    []int
	Record     *EpochRecord
}

// EpochHook runs after each validation pass. An error aborts the run.
type EpochHook func(ctx context.Context, e *EpochEnd) error

// ReferenceCheck recomputes validation macro-F1 from scratch and fails the
// run when the streaming accumulator disagrees.
func ReferenceCheck(tolerance float64) EpochHook {
	return func(ctx context.Context, e *EpochEnd) error {
		ref, err := metrics.CrossCheck(e.Metric, e.TrueIdx, e.PredIdx, tolerance)
		e.Record.ReferenceF1 = ref
		if err != nil {
			return fmt.Errorf("%s epoch %d: %w", e.Phase, e.Epoch+1, err)
		}
		return nil
	}
}

// BatchLoader turns samples into model inputs and one-hot labels.
type BatchLoader func(samples []Sample, numClasses int, opts preprocess.Options) (inputs, labels *tensor.Tensor, err error)

// Orchestrator sequences the phases. It is the only writer of PhaseState
// and runs phases strictly one after another.
type Orchestrator struct {
	cfg     Config
	learner Learner
	train   *ImageFolder
	val     *ImageFolder
	test    *ImageFolder
	load    BatchLoader
	hooks   []EpochHook
}

type OrchestratorOption func(*Orchestrator)

func WithBatchLoader(l BatchLoader) OrchestratorOption {
	return func(o *Orchestrator) { o.load = l }
}

func WithEpochHook(h EpochHook) OrchestratorOption {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// WithTestSplit scores the final model on a held-out split after the last
// phase. A nil or empty split is skipped.
func WithTestSplit(test *ImageFolder) OrchestratorOption {
	return func(o *Orchestrator) { o.test = test }
}

func NewOrchestrator(cfg Config, learner Learner, train, val *ImageFolder, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if train.NumClasses() != len(cfg.Classes) || val.NumClasses() != len(cfg.Classes) {
		return nil, fmt.Errorf("datasets must use the %d configured classes", len(cfg.Classes))
	}
	o := &Orchestrator{cfg: cfg, learner: learner, train: train, val: val, load: LoadBatch}
	for _, opt := range opts {
		opt(o)
	}
	if o.test != nil && o.test.NumClasses() != len(cfg.Classes) {
		return nil, fmt.Errorf("test split must use the %d configured classes", len(cfg.Classes))
	}
	return o, nil
}

// Run executes every phase in order. Between phases the learner's memory is
// released and the previous phase's best checkpoint is loaded back.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:       uuid.NewString(),
		DiseaseType: o.cfg.DiseaseType,
		StartedAt:   time.Now().UTC(),
	}
	log.Printf("trainer: run %s for %s: %d train / %d val samples", summary.RunID, o.cfg.DiseaseType, o.train.Len(), o.val.Len())

	if err := os.MkdirAll(o.cfg.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	layers, err := o.learner.Layers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	if _, err := CheckSchedule(layers, o.cfg.Phases); err != nil {
		return nil, fmt.Errorf("schedule does not fit the model: %w", err)
	}

	var prev *PhaseState
	for _, pc := range o.cfg.Phases {
		if prev != nil {
			if err := o.reload(ctx, prev); err != nil {
				return nil, err
			}
		}

		ps, err := o.runPhase(ctx, pc, layers)
		if err != nil {
			return nil, err
		}
		summary.Phases = append(summary.Phases, *ps)
		prev = &summary.Phases[len(summary.Phases)-1].State
	}

	if err := o.learner.Load(ctx, prev.CheckpointRef); err != nil {
		return nil, fmt.Errorf("failed to load final checkpoint: %w", err)
	}
	summary.FinalCheckpoint = prev.CheckpointRef

	if o.test != nil && o.test.Len() > 0 {
		last := o.cfg.Phases[len(o.cfg.Phases)-1]
		report, err := o.evaluate(ctx, o.test, last.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("test evaluation: %w", err)
		}
		summary.Test = report
		log.Printf("trainer: test macro-F1 %.4f weighted-F1 %.4f on %d samples\n%s",
			report.MacroF1, report.WeightedF1, report.Samples, report)
	}
	summary.FinishedAt = time.Now().UTC()

	if err := o.writeSummary(summary); err != nil {
		return summary, err
	}
	log.Printf("trainer: run %s finished, best val macro-F1 %.4f at %s", summary.RunID, prev.BestMetric, prev.CheckpointRef)
	return summary, nil
}

func (o *Orchestrator) reload(ctx context.Context, prev *PhaseState) error {
	log.Printf("trainer: releasing accelerator memory after %s", prev.Phase)
	if err := o.learner.Release(ctx); err != nil {
		return fmt.Errorf("failed to release after %s: %w", prev.Phase, err)
	}
	if err := o.learner.Load(ctx, prev.CheckpointRef); err != nil {
		return fmt.Errorf("failed to reload %s: %w", prev.CheckpointRef, err)
	}
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, pc PhaseConfig, layers []Layer) (*PhaseSummary, error) {
	flags := TrainableFlags(layers, pc.UnfreezeTop)
	state := PhaseState{
		Phase:              pc.Phase,
		UnfrozenLayerCount: UnfrozenCount(layers, flags),
		LearningRate:       pc.LearningRate,
		BestMetric:         math.Inf(-1),
		BestEpoch:          -1,
	}

	err := o.learner.Configure(ctx, TrainConfig{
		Trainable:    flags,
		LearningRate: pc.LearningRate,
		ClassWeights: o.cfg.ClassWeights,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s: %w", pc.Phase, err)
	}
	log.Printf("trainer: %s: %d backbone layers trainable, lr %g, batch %d, up to %d epochs",
		pc.Phase, state.UnfrozenLayerCount, pc.LearningRate, pc.BatchSize, pc.Epochs)

	stopper := NewEarlyStopping(o.cfg.EarlyStopPatience, pc.MinDelta)
	plateau := NewPlateau(o.cfg.PlateauFactor, o.cfg.PlateauPatience, o.cfg.PlateauMinLR, o.cfg.PlateauCooldown)
	best := NewBestTracker()
	k := len(o.cfg.Classes)
	trainF1 := metrics.NewMacroF1(k)
	valF1 := metrics.NewMacroF1(k)

	ps := &PhaseSummary{}
	lr := pc.LearningRate
	for epoch := 0; epoch < pc.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := EpochRecord{Phase: pc.Phase, Epoch: epoch + 1, LearningRate: lr}

		trainF1.Reset()
		loss, err := o.trainEpoch(ctx, pc, epoch, trainF1)
		if err != nil {
			return nil, fmt.Errorf("%s epoch %d: %w", pc.Phase, epoch+1, err)
		}
		rec.TrainLoss = loss
		rec.TrainF1 = trainF1.Result()

		valF1.Reset()
		trueIdx, predIdx, err := o.validate(ctx, pc, valF1)
		if err != nil {
			return nil, fmt.Errorf("%s epoch %d validation: %w", pc.Phase, epoch+1, err)
		}
		rec.ValF1 = valF1.Result()

		end := &EpochEnd{Phase: pc.Phase, Epoch: epoch, Validation: o.val, Metric: valF1, TrueIdx: trueIdx, PredIdx: predIdx, Record: &rec}
		for _, hook := range o.hooks {
			if err := hook(ctx, end); err != nil {
				return nil, err
			}
		}

		if best.Improved(epoch, rec.ValF1) {
			ref := o.checkpointRef(pc.Phase)
			if err := o.learner.Save(ctx, ref); err != nil {
				return nil, fmt.Errorf("failed to save %s: %w", ref, err)
			}
			rec.Checkpointed = true
			state.BestMetric = rec.ValF1
			state.BestEpoch = epoch + 1
			state.CheckpointRef = ref
		}

		log.Printf("trainer: %s epoch %d/%d loss %.4f train-F1 %.4f val-F1 %.4f ref-F1 %.4f lr %g",
			pc.Phase, epoch+1, pc.Epochs, rec.TrainLoss, rec.TrainF1, rec.ValF1, rec.ReferenceF1, lr)
		ps.History = append(ps.History, rec)

		stop := stopper.Observe(epoch, rec.ValF1)

		if next := plateau.Step(rec.ValF1, lr); next != lr {
			if err := o.learner.SetLearningRate(ctx, next); err != nil {
				return nil, fmt.Errorf("failed to lower learning rate: %w", err)
			}
			log.Printf("trainer: %s: plateau, learning rate %g -> %g", pc.Phase, lr, next)
			lr = next
		}

		if stop {
			log.Printf("trainer: %s: early stop after epoch %d", pc.Phase, epoch+1)
			ps.StoppedEarly = true
			break
		}
	}

	if state.CheckpointRef == "" {
		return nil, fmt.Errorf("%s produced no checkpoint", pc.Phase)
	}
	state.LearningRate = lr
	ps.State = state
	return ps, nil
}

func (o *Orchestrator) trainEpoch(ctx context.Context, pc PhaseConfig, epoch int, acc *metrics.MacroF1) (float64, error) {
	batches := o.train.Batches(pc.BatchSize, true, o.cfg.Seed+int64(pc.Phase)*1000+int64(epoch))
	var lossSum float64
	var seen int
	for _, batch := range batches {
		inputs, labels, err := o.load(batch, acc.NumClasses, o.cfg.Preprocess)
		if err != nil {
			return 0, err
		}
		res, err := o.learner.TrainBatch(ctx, inputs, labels)
		if err != nil {
			return 0, err
		}
		if err := acc.Update(rows(labels), rows(res.Predictions)); err != nil {
			return 0, err
		}
		lossSum += res.Loss * float64(len(batch))
		seen += len(batch)
	}
	if seen == 0 {
		return 0, nil
	}
	return lossSum / float64(seen), nil
}

func (o *Orchestrator) validate(ctx context.Context, pc PhaseConfig, acc *metrics.MacroF1) (trueIdx, predIdx []int, err error) {
	for _, batch := range o.val.Batches(pc.BatchSize, false, 0) {
		inputs, labels, err := o.load(batch, acc.NumClasses, o.cfg.Preprocess)
		if err != nil {
			return nil, nil, err
		}
		preds, err := o.learner.PredictBatch(ctx, inputs)
		if err != nil {
			return nil, nil, err
		}
		yTrue, yPred := rows(labels), rows(preds)
		if err := acc.Update(yTrue, yPred); err != nil {
			return nil, nil, err
		}
		for i := range yTrue {
			trueIdx = append(trueIdx, metrics.ArgMax(yTrue[i]))
			predIdx = append(predIdx, metrics.ArgMax(yPred[i]))
		}
	}
	return trueIdx, predIdx, nil
}

// evaluate scores the loaded model on a whole split, in order.
func (o *Orchestrator) evaluate(ctx context.Context, split *ImageFolder, batchSize int) (*metrics.Report, error) {
	k := len(o.cfg.Classes)
	var trueIdx, predIdx []int
	for _, batch := range split.Batches(batchSize, false, 0) {
		inputs, labels, err := o.load(batch, k, o.cfg.Preprocess)
		if err != nil {
			return nil, err
		}
		preds, err := o.learner.PredictBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}
		yTrue, yPred := rows(labels), rows(preds)
		if len(yTrue) != len(yPred) {
			return nil, fmt.Errorf("%d predictions for %d samples", len(yPred), len(yTrue))
		}
		for i := range yTrue {
			trueIdx = append(trueIdx, metrics.ArgMax(yTrue[i]))
			predIdx = append(predIdx, metrics.ArgMax(yPred[i]))
		}
	}
	return metrics.Evaluate(trueIdx, predIdx, o.cfg.Classes)
}

func (o *Orchestrator) checkpointRef(p Phase) string {
	return filepath.Join(o.cfg.CheckpointDir, fmt.Sprintf("%s_%s_best", o.cfg.DiseaseType, p))
}

func (o *Orchestrator) writeSummary(s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	path := filepath.Join(o.cfg.CheckpointDir, fmt.Sprintf("%s_summary.json", o.cfg.DiseaseType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func rows(t *tensor.Tensor) [][]float32 {
	if t == nil || t.Rank() == 0 || t.Shape[0] == 0 {
		return nil
	}
	out := make([][]float32, t.Shape[0])
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}
