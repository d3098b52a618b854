package transplant

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/born-ml/eco/internal/nn"
	"github.com/born-ml/eco/internal/tensor"
)

// Policy is the default initialization applied to an unresolved entry.
type Policy int

// Default initialization policies.
const (
	PolicyOne    Policy = iota // normalization scale, running variance
	PolicyXavier               // other weights
	PolicyZero                 // biases and remaining buffers
)

// String returns a short name for the policy.
func (p Policy) String() string {
	switch p {
	case PolicyOne:
		return "1"
	case PolicyXavier:
		return "xavier"
	default:
		return "0"
	}
}

// Filled records one default-initialized entry.
type Filled struct {
	Name   string
	Policy Policy
}

// PolicyFor picks the default initialization for a state-dict name:
//   - a weight of a normalization layer ("bn" in the name) is 1
//   - any other weight is Xavier-uniform
//   - a bias is 0
//   - a running variance is 1 and any other buffer is 0
func PolicyFor(name string) Policy {
	switch {
	case strings.Contains(name, "weight"):
		if strings.Contains(name, "bn") {
			return PolicyOne
		}
		return PolicyXavier
	case strings.Contains(name, "bias"):
		return PolicyZero
	case strings.HasSuffix(name, "running_var"):
		return PolicyOne
	default:
		return PolicyZero
	}
}

// FillMissing adds every target name absent from state, initialized by
// PolicyFor with the target shape, and reports what it filled in name order.
//
// Xavier values are drawn from a generator seeded with seed, visiting names
// in sorted order, so the result is reproducible.
func FillMissing(state tensor.StateDict, target map[string]tensor.Shape, seed uint64) []Filled {
	names := make([]string, 0, len(target))
	for name := range target {
		if _, ok := state[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rng := rand.New(rand.NewPCG(seed, 1))
	filled := make([]Filled, 0, len(names))
	for _, name := range names {
		policy := PolicyFor(name)
		switch policy {
		case PolicyOne:
			state[name] = tensor.Full(target[name], 1)
		case PolicyXavier:
			state[name] = nn.Xavier(target[name], rng)
		default:
			state[name] = tensor.Zeros(target[name])
		}
		filled = append(filled, Filled{Name: name, Policy: policy})
	}
	return filled
}
