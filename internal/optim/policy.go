// Package optim implements the optimization side of training: parameter
// group policies, SGD, gradient clipping and the step learning-rate schedule.
//
// Parameters are partitioned into groups by structural role, each group
// carrying its own learning-rate and weight-decay multipliers:
//
//	groups, err := optim.BuildPolicies(model.Parameters(), model.RGB, logger)
//	sgd := optim.NewSGD(groups, optim.SGDConfig{LR: 0.001, Momentum: 0.9, WeightDecay: 5e-4})
//	sched := optim.NewStepDecay(0.001, []int{30, 60})
//
//	for epoch := range epochs {
//	    sched.Apply(epoch, sgd)
//	    // forward, backward, then at each accumulation boundary:
//	    optim.ClipGradNorm(sgd.Parameters(), 20)
//	    sgd.Step()
//	    sgd.ZeroGrad()
//	}
package optim

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/nn"
)

// ErrPartition reports parameter groups that do not cover every trainable
// parameter exactly once.
var ErrPartition = errors.New("parameter groups do not partition the trainable parameters")

// Group names.
const (
	GroupFirstConvWeight = "first_conv_weight"
	GroupFirstConvBias   = "first_conv_bias"
	GroupNormalWeight    = "normal_weight"
	GroupNormalBias      = "normal_bias"
	GroupBN              = "BN scale/shift"
)

// Group is a set of parameters sharing learning-rate and weight-decay
// multipliers.
//
// LR and WeightDecay are the effective values for the current epoch and are
// set by SGD.SetLR and StepDecay.Apply.
type Group struct {
	Name        string
	Params      []*nn.Parameter
	LRMult      float64
	DecayMult   float64
	LR          float64
	WeightDecay float64
}

// BuildPolicies partitions the trainable parameters into the five policy
// groups, in this order:
//
//	first_conv_weight  lr x5 for Flow, else x1; decay x1
//	first_conv_bias    lr x10 for Flow, else x2; decay x0
//	normal_weight      lr x1; decay x1
//	normal_bias        lr x2; decay x0
//	BN scale/shift     lr x1; decay x0
//
// The first convolution is the layer owning the first convolution parameter
// in params. Frozen parameters are left out. Empty groups are kept so the
// group layout does not depend on the architecture.
func BuildPolicies(params []*nn.Parameter, modality model.Modality, logger *slog.Logger) ([]Group, error) {
	if logger == nil {
		logger = slog.Default()
	}
	firstConvLR, firstBiasLR := 1.0, 2.0
	if modality == model.Flow {
		firstConvLR, firstBiasLR = 5, 10
	}
	groups := []Group{
		{Name: GroupFirstConvWeight, LRMult: firstConvLR, DecayMult: 1},
		{Name: GroupFirstConvBias, LRMult: firstBiasLR, DecayMult: 0},
		{Name: GroupNormalWeight, LRMult: 1, DecayMult: 1},
		{Name: GroupNormalBias, LRMult: 2, DecayMult: 0},
		{Name: GroupBN, LRMult: 1, DecayMult: 0},
	}

	firstConv := ""
	for _, p := range params {
		if p.Kind() == nn.KindConvWeight || p.Kind() == nn.KindConvBias {
			firstConv = p.Layer()
			break
		}
	}

	trainable := 0
	for _, p := range params {
		if !p.Trainable() {
			continue
		}
		trainable++
		var idx int
		switch p.Kind() {
		case nn.KindConvWeight:
			idx = 2
			if p.Layer() == firstConv {
				idx = 0
			}
		case nn.KindConvBias:
			idx = 3
			if p.Layer() == firstConv {
				idx = 1
			}
		case nn.KindLinearWeight:
			idx = 2
		case nn.KindLinearBias:
			idx = 3
		case nn.KindNormScale, nn.KindNormShift:
			idx = 4
		default:
			return nil, fmt.Errorf("parameter %s: unsupported kind %s", p.Name(), p.Kind())
		}
		groups[idx].Params = append(groups[idx].Params, p)
	}

	if err := verifyPartition(groups, trainable); err != nil {
		return nil, err
	}
	for _, g := range groups {
		logger.Info("parameter group", "group", g.Name, "params", len(g.Params),
			"lr_mult", g.LRMult, "decay_mult", g.DecayMult)
	}
	return groups, nil
}

func verifyPartition(groups []Group, trainable int) error {
	seen := make(map[*nn.Parameter]string)
	for _, g := range groups {
		for _, p := range g.Params {
			if !p.Trainable() {
				return fmt.Errorf("%w: frozen %s in group %s", ErrPartition, p.Name(), g.Name)
			}
			if prev, dup := seen[p]; dup {
				return fmt.Errorf("%w: %s in both %s and %s", ErrPartition, p.Name(), prev, g.Name)
			}
			seen[p] = g.Name
		}
	}
	if len(seen) != trainable {
		return fmt.Errorf("%w: %d grouped, %d trainable", ErrPartition, len(seen), trainable)
	}
	return nil
}
