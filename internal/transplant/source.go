// Package transplant builds the initial state of a model from pretrained
// weights of possibly different architectures.
//
// A Source names one of five variants (scratch, 2D, 3D, both, finetune).
// Each variant produces a canonical state dict restricted to the target's
// names; variants are composed by explicit merge and every target entry the
// sources did not provide is filled by a deterministic default policy.
package transplant

import (
	"errors"
	"fmt"
)

// Errors returned by the resolver.
var (
	// ErrIncompatibleSource reports a source kind the architecture does not accept.
	ErrIncompatibleSource = errors.New("pretrained source not supported for architecture")
	// ErrMissingRepairWeight reports a 3D transplant into a target that lacks
	// the channel-repaired convolution.
	ErrMissingRepairWeight = errors.New("target does not define the channel-repair weight")
	// ErrMissingPath reports a source kind whose weight file was not configured.
	ErrMissingPath = errors.New("pretrained weight path not configured")
	// ErrUnknownKind reports an unrecognized source kind name.
	ErrUnknownKind = errors.New("unknown pretrained source")
)

// Kind selects which pretrained weights seed the model.
type Kind int

// Source kinds.
const (
	Scratch Kind = iota
	TwoD
	ThreeD
	Both
	Finetune
)

var kindNames = [...]string{
	Scratch:  "scratch",
	TwoD:     "2D",
	ThreeD:   "3D",
	Both:     "both",
	Finetune: "finetune",
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind parses a configuration name such as "2D" or "finetune".
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Source describes where pretrained weights come from.
//
// Paths may be local files or http(s) URLs. Only the paths used by Kind
// need to be set.
type Source struct {
	Kind      Kind
	Weights2D string // 2D backbone weights, names without the backbone prefix
	Weights3D string // 3D backbone weights, fully prefixed names
	Full      string // Prior checkpoint of the same architecture
}

func (s Source) requiredPaths() map[string]string {
	switch s.Kind {
	case TwoD:
		return map[string]string{"2D": s.Weights2D}
	case ThreeD:
		return map[string]string{"3D": s.Weights3D}
	case Both:
		return map[string]string{"2D": s.Weights2D, "3D": s.Weights3D}
	case Finetune:
		return map[string]string{"finetune": s.Full}
	default:
		return nil
	}
}
