package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg" // frame decoder
	_ "image/png"  // frame decoder
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/tensor"
)

// FramesConfig configures a Frames dataset.
type FramesConfig struct {
	// Root is joined in front of relative record paths.
	Root string

	// Template names a frame inside a record directory. For RGB and RGBDiff
	// it takes the 1-based frame number ("img_%05d.jpg"); for Flow it takes
	// the direction "x" or "y" and the frame number ("flow_%s_%05d.jpg").
	Template string

	Modality    model.Modality
	NumSegments int
	Transform   Transform
}

// Frames is a dataset of extracted video frames described by a list file.
//
// RGBDiff clips read one frame more than new_length per segment and carry
// the new_length differences between consecutive frames, in BGR order.
type Frames struct {
	records []Record
	cfg     FramesConfig
	span    int // frames read per segment
}

// NewFrames creates a frames dataset over records.
func NewFrames(records []Record, cfg FramesConfig) (*Frames, error) {
	if len(records) == 0 {
		return nil, ErrEmptyList
	}
	if cfg.NumSegments <= 0 {
		return nil, fmt.Errorf("num_segments must be positive, got %d", cfg.NumSegments)
	}
	if cfg.Transform.Input.CropSize <= 0 || cfg.Transform.Input.ScaleSize < cfg.Transform.Input.CropSize {
		return nil, fmt.Errorf("invalid input geometry: crop %d, scale %d",
			cfg.Transform.Input.CropSize, cfg.Transform.Input.ScaleSize)
	}
	if _, err := model.ParseModality(string(cfg.Modality)); err != nil {
		return nil, err
	}
	span := cfg.Modality.NewLength()
	if cfg.Modality == model.RGBDiff {
		span++
	}
	return &Frames{records: records, cfg: cfg, span: span}, nil
}

// Len returns the number of records.
func (f *Frames) Len() int {
	return len(f.records)
}

// ClipShape returns [segments * new_length * channels, crop, crop].
func (f *Frames) ClipShape() tensor.Shape {
	c := f.cfg.NumSegments * f.cfg.Modality.SegmentChannels()
	size := f.cfg.Transform.Input.CropSize
	return tensor.Shape{c, size, size}
}

// Sample loads, transforms and normalizes the clip of record i.
func (f *Frames) Sample(i int, rng *rand.Rand) (Sample, error) {
	if i < 0 || i >= len(f.records) {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(f.records))
	}
	rec := f.records[i]

	var offsets []int
	if f.cfg.Transform.Train {
		offsets = TrainOffsets(rec.NumFrames, f.cfg.NumSegments, f.span, rng)
	} else {
		offsets = EvalOffsets(rec.NumFrames, f.cfg.NumSegments, f.span)
	}
	indices := FrameIndices(offsets, f.span, rec.NumFrames)

	shape := f.ClipShape()
	size := shape[1]
	plane := size * size
	clip := make([]float64, shape.NumElements())

	var prev, cur []float64
	if f.cfg.Modality == model.RGBDiff {
		prev, cur = make([]float64, 3*plane), make([]float64, 3*plane)
	}

	var c crop
	picked := false
	channel := 0
	for n, idx := range indices {
		for _, name := range f.frameNames(rec, idx) {
			img, err := decodeFrame(name)
			if err != nil {
				return Sample{}, err
			}
			if !picked {
				b := img.Bounds()
				c = f.cfg.Transform.pick(b.Dx(), b.Dy(), rng)
				picked = true
			}
			scaled := resample(img, c, size)
			switch f.cfg.Modality {
			case model.Flow:
				// Flipping mirrors the x field, so its sign flips too.
				invert := c.flip && f.cfg.Transform.Augmentation.IsFlow && channel%2 == 0
				grayPlane(scaled, c.flip, invert, clip[channel*plane:(channel+1)*plane])
				channel++
			case model.RGBDiff:
				colorPlanes(scaled, c.flip, cur)
				if n%f.span > 0 {
					diffPlanes(cur, prev, clip[channel*plane:(channel+3)*plane])
					channel += 3
				}
				prev, cur = cur, prev
			default:
				colorPlanes(scaled, c.flip, clip[channel*plane:(channel+3)*plane])
				channel += 3
			}
		}
	}
	f.cfg.Transform.normalize(clip, shape[0])
	return Sample{Clip: clip, Label: rec.Label}, nil
}

func (f *Frames) frameNames(rec Record, idx int) []string {
	dir := rec.Path
	if f.cfg.Root != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(f.cfg.Root, dir)
	}
	if f.cfg.Modality == model.Flow {
		return []string{
			filepath.Join(dir, fmt.Sprintf(f.cfg.Template, "x", idx)),
			filepath.Join(dir, fmt.Sprintf(f.cfg.Template, "y", idx)),
		}
	}
	return []string{filepath.Join(dir, fmt.Sprintf(f.cfg.Template, idx))}
}

func decodeFrame(path string) (image.Image, error) {
	//nolint:gosec // G304: frame paths come from the list file
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}
	return img, nil
}
