package transplant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/serialization"
	"github.com/born-ml/eco/internal/tensor"
)

// RepairWeight is the 3D convolution whose pretrained kernel was trained on
// a wider input: the source has 4c input channels where the target has 3c.
// It is repaired by splitting the source into four chunks along the
// input-channel axis and keeping the first three.
const RepairWeight = model.BackbonePrefix + "res3a_2.weight"

// Loader reads a state dict from a local path.
type Loader func(path string) (tensor.StateDict, error)

// Config configures a Resolver.
type Config struct {
	Arch    string       // Target architecture, model.ArchECO or model.ArchC3DRes18
	Fetcher *Fetcher     // Resolves URLs to local files; nil accepts local paths only
	Load    Loader       // Reads weight files; nil uses serialization.OpenStateDict
	Seed    uint64       // Seed of the Xavier gap fill
	Logger  *slog.Logger // nil uses slog.Default()
}

// Resolver turns a Source into a complete initial state for a target.
type Resolver struct {
	arch    string
	fetcher *Fetcher
	load    Loader
	seed    uint64
	logger  *slog.Logger
}

// NewResolver creates a resolver for the configured architecture.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		arch:    cfg.Arch,
		fetcher: cfg.Fetcher,
		load:    cfg.Load,
		seed:    cfg.Seed,
		logger:  cfg.Logger,
	}
	if r.load == nil {
		r.load = func(path string) (tensor.StateDict, error) {
			state, _, err := serialization.OpenStateDict(path)
			return state, err
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Check validates the source against the architecture and target without
// loading any weights.
func (r *Resolver) Check(src Source, target map[string]tensor.Shape) error {
	if err := CheckArch(r.arch, src.Kind); err != nil {
		return err
	}
	if r.arch != model.ArchC3DRes18 && (src.Kind == ThreeD || src.Kind == Both) {
		if _, ok := target[RepairWeight]; !ok {
			return fmt.Errorf("%w: %s (source %s)", ErrMissingRepairWeight, RepairWeight, src.Kind)
		}
	}
	for role, path := range src.requiredPaths() {
		if path == "" {
			return fmt.Errorf("%w: %s weights for source %s", ErrMissingPath, role, src.Kind)
		}
	}
	return nil
}

// CheckArch reports whether arch accepts the source kind. The C3DRes18
// family only accepts scratch and 3D sources.
func CheckArch(arch string, kind Kind) error {
	if arch == model.ArchC3DRes18 && kind != Scratch && kind != ThreeD {
		return fmt.Errorf("%w: %s accepts scratch or 3D, got %s", ErrIncompatibleSource, arch, kind)
	}
	return nil
}

// Resolve returns an initial state defining every name in target with the
// target's shape.
//
// Entries come from the source first; the rest are filled by FillMissing.
func (r *Resolver) Resolve(ctx context.Context, src Source, target map[string]tensor.Shape) (tensor.StateDict, error) {
	if err := r.Check(src, target); err != nil {
		return nil, err
	}

	resolved, err := r.fromSource(ctx, src, target)
	if err != nil {
		return nil, err
	}
	r.logger.Info("transplanted pretrained weights",
		"source", src.Kind.String(), "arch", r.arch, "resolved", len(resolved), "target", len(target))

	filled := FillMissing(resolved, target, r.seed)
	for _, f := range filled {
		r.logger.Debug("default init", "name", f.Name, "policy", f.Policy.String())
	}
	if len(filled) > 0 {
		r.logger.Info("initialized parameters without pretrained values", "count", len(filled), "names", filledNames(filled))
	}

	if err := resolved.CheckAgainst(target); err != nil {
		return nil, fmt.Errorf("resolved state does not fit %s: %w", r.arch, err)
	}
	return resolved, nil
}

func (r *Resolver) fromSource(ctx context.Context, src Source, target map[string]tensor.Shape) (tensor.StateDict, error) {
	switch src.Kind {
	case Scratch:
		return tensor.StateDict{}, nil
	case TwoD:
		return r.from2D(ctx, src.Weights2D, target)
	case ThreeD:
		return r.from3D(ctx, src.Weights3D, target)
	case Both:
		out, err := r.from2D(ctx, src.Weights2D, target)
		if err != nil {
			return nil, err
		}
		threeD, err := r.from3D(ctx, src.Weights3D, target)
		if err != nil {
			return nil, err
		}
		out.Merge(threeD) // 3D wins on collision
		return out, nil
	case Finetune:
		full, err := r.open(ctx, src.Full)
		if err != nil {
			return nil, err
		}
		return FilterMatching(full, target), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, src.Kind)
	}
}

func (r *Resolver) from2D(ctx context.Context, path string, target map[string]tensor.Shape) (tensor.StateDict, error) {
	state, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}
	return Prefixed(state, model.BackbonePrefix, target), nil
}

func (r *Resolver) from3D(ctx context.Context, path string, target map[string]tensor.Shape) (tensor.StateDict, error) {
	state, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}
	out := FilterMatching(state, target)
	if r.arch == model.ArchC3DRes18 {
		return out, nil
	}

	src, ok := state[RepairWeight]
	if !ok {
		return nil, fmt.Errorf("3D weights %s do not contain %s", path, RepairWeight)
	}
	repaired, err := RepairChannels(src)
	if err != nil {
		return nil, fmt.Errorf("repair %s: %w", RepairWeight, err)
	}
	out[RepairWeight] = repaired
	return out, nil
}

func (r *Resolver) open(ctx context.Context, path string) (tensor.StateDict, error) {
	local := path
	if isURL(path) {
		if r.fetcher == nil {
			return nil, fmt.Errorf("cannot fetch %s: no download cache configured", path)
		}
		var err error
		if local, err = r.fetcher.Fetch(ctx, path); err != nil {
			return nil, err
		}
	}
	state, err := r.load(local)
	if err != nil {
		return nil, fmt.Errorf("load pretrained weights %s: %w", path, err)
	}
	return state, nil
}

// Prefixed adds prefix to every source name and keeps the names present in
// target. Shapes are not compared.
func Prefixed(src tensor.StateDict, prefix string, target map[string]tensor.Shape) tensor.StateDict {
	out := make(tensor.StateDict)
	for name, t := range src {
		if _, ok := target[prefix+name]; ok {
			out[prefix+name] = t
		}
	}
	return out
}

// FilterMatching keeps the source entries whose name is in target with an
// exactly matching shape. Mismatched shapes are dropped silently.
func FilterMatching(src tensor.StateDict, target map[string]tensor.Shape) tensor.StateDict {
	out := make(tensor.StateDict)
	for name, t := range src {
		if want, ok := target[name]; ok && t.Shape().Equal(want) {
			out[name] = t
		}
	}
	return out
}

// RepairChannels splits w into four equal chunks along the input-channel
// axis (dimension 1) and concatenates the first three.
//
// The input-channel width must be divisible by four.
func RepairChannels(w *tensor.Tensor) (*tensor.Tensor, error) {
	chunks, err := tensor.Chunk(w, 4, 1)
	if err != nil {
		return nil, err
	}
	return tensor.Cat(chunks[:3], 1)
}

func filledNames(filled []Filled) []string {
	names := make([]string, len(filled))
	for i, f := range filled {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}
