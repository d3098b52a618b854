package tensor

import (
	"fmt"
	"sort"
)

// StateDict maps parameter and buffer names to tensors.
//
// It is the canonical model state exchanged between the transplant resolver,
// the model and the checkpoint store.
type StateDict map[string]*Tensor

// Names returns the keys in sorted order.
func (s StateDict) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shapes returns the name-to-shape mapping of the state.
func (s StateDict) Shapes() map[string]Shape {
	shapes := make(map[string]Shape, len(s))
	for name, t := range s {
		shapes[name] = t.Shape().Clone()
	}
	return shapes
}

// Merge copies every entry of other into s, overwriting on key collision.
func (s StateDict) Merge(other StateDict) {
	for name, t := range other {
		s[name] = t
	}
}

// Clone returns a deep copy of the state.
func (s StateDict) Clone() StateDict {
	out := make(StateDict, len(s))
	for name, t := range s {
		out[name] = t.Clone()
	}
	return out
}

// CheckAgainst verifies that s defines every name in shapes with an exactly
// matching shape.
func (s StateDict) CheckAgainst(shapes map[string]Shape) error {
	for name, want := range shapes {
		got, ok := s[name]
		if !ok {
			return fmt.Errorf("missing tensor %q", name)
		}
		if !got.Shape().Equal(want) {
			return fmt.Errorf("tensor %q has shape %v, expected %v", name, got.Shape(), want)
		}
	}
	return nil
}
