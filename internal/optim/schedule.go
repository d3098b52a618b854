package optim

import (
	"math"
	"sort"
)

// StepDecay divides the learning rate by ten at each epoch threshold.
type StepDecay struct {
	base  float64
	steps []int
}

// NewStepDecay creates a schedule starting at base with the given epoch
// thresholds. The thresholds need not be sorted.
func NewStepDecay(base float64, steps []int) *StepDecay {
	sorted := append([]int(nil), steps...)
	sort.Ints(sorted)
	return &StepDecay{base: base, steps: sorted}
}

// LR returns base * 0.1^k where k is the number of thresholds <= epoch.
func (s *StepDecay) LR(epoch int) float64 {
	k := sort.SearchInts(s.steps, epoch+1)
	return s.base * math.Pow(0.1, float64(k))
}

// Apply sets the learning rate of every group in opt for epoch and returns
// the base rate. Weight decay keeps its base value.
func (s *StepDecay) Apply(epoch int, opt *SGD) float64 {
	lr := s.LR(epoch)
	opt.SetLR(lr, opt.WeightDecay())
	return lr
}
