package training

import (
	"math"
)

// EarlyStopping ends a phase once the monitored metric (higher is better)
// has not improved by more than MinDelta for Patience epochs.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best      float64
	bestEpoch int
	wait      int
}

func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: math.Abs(minDelta), best: math.Inf(-1), bestEpoch: -1}
}

// Observe records one epoch and reports whether training should stop.
func (e *EarlyStopping) Observe(epoch int, metric float64) (stop bool) {
	e.wait++
	if metric-e.MinDelta > e.best {
		e.best = metric
		e.bestEpoch = epoch
		e.wait = 0
		return false
	}
	return e.wait >= e.Patience && epoch > 0
}

func (e *EarlyStopping) Best() (metric float64, epoch int) { return e.best, e.bestEpoch }

// Plateau lowers the learning rate by Factor once the metric has not
// improved by more than MinDelta for Patience epochs, never below MinLR,
// then waits Cooldown epochs before counting again.
type Plateau struct {
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64
	Cooldown int

	best     float64
	wait     int
	cooldown int
}

func NewPlateau(factor float64, patience int, minLR float64, cooldown int) *Plateau {
	return &Plateau{
		Factor:   factor,
		Patience: patience,
		MinDelta: 1e-4,
		MinLR:    minLR,
		Cooldown: cooldown,
		best:     math.Inf(-1),
	}
}

// Step returns the learning rate for the next epoch.
func (p *Plateau) Step(metric, lr float64) float64 {
	if p.cooldown > 0 {
		p.cooldown--
		p.wait = 0
	}

	if metric > p.best+p.MinDelta {
		p.best = metric
		p.wait = 0
		return lr
	}
	if p.cooldown > 0 {
		return lr
	}

	p.wait++
	if p.wait >= p.Patience && lr > p.MinLR {
		lr = math.Max(lr*p.Factor, p.MinLR)
		p.cooldown = p.Cooldown
		p.wait = 0
	}
	return lr
}

// BestTracker decides when a checkpoint is worth writing: only on a strict
// improvement of the monitored metric.
type BestTracker struct {
	best  float64
	epoch int
}

func NewBestTracker() *BestTracker {
	return &BestTracker{best: math.Inf(-1), epoch: -1}
}

func (b *BestTracker) Improved(epoch int, metric float64) bool {
	if metric > b.best {
		b.best = metric
		b.epoch = epoch
		return true
	}
	return false
}

func (b *BestTracker) Best() (metric float64, epoch int) { return b.best, b.epoch }
