package dataset

import (
	"image"
	"math/rand/v2"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/eco/internal/model"
)

// Transform maps decoded frames to network input.
//
// Training clips get a multi-scale corner crop and a random horizontal
// flip; evaluation clips are scaled so the shorter side is ScaleSize and
// center-cropped. Pixels stay in [0, 255], color frames are emitted in BGR
// order, and each output channel k is normalized with
// (v - mean[k % len(mean)]) / std[k % len(std)].
type Transform struct {
	Input        model.InputSpec
	Augmentation model.Augmentation
	Train        bool
}

// crop is the region of the source frames and the flip shared by every
// frame of one clip.
type crop struct {
	rect image.Rectangle
	flip bool
}

// maxDistort bounds how far apart the width and height scale indices of a
// training crop may be.
const maxDistort = 1

// pick chooses the crop for a clip whose frames are w x h.
func (t Transform) pick(w, h int, rng *rand.Rand) crop {
	if !t.Train {
		short := min(w, h)
		side := t.Input.CropSize * short / t.Input.ScaleSize
		side = max(1, min(side, short))
		x0, y0 := (w-side)/2, (h-side)/2
		return crop{rect: image.Rect(x0, y0, x0+side, y0+side)}
	}

	base := float64(min(w, h))
	sizes := make([]int, len(t.Augmentation.Scales))
	for i, s := range t.Augmentation.Scales {
		sizes[i] = max(1, int(base*s))
	}
	type pair struct{ w, h int }
	var pairs []pair
	for i, ch := range sizes {
		for j, cw := range sizes {
			if abs(i-j) <= maxDistort {
				pairs = append(pairs, pair{w: cw, h: ch})
			}
		}
	}
	p := pairs[rng.IntN(len(pairs))]

	// Five fixed positions: the corners and the center.
	dx, dy := w-p.w, h-p.h
	positions := [][2]int{{0, 0}, {dx, 0}, {0, dy}, {dx, dy}, {dx / 2, dy / 2}}
	pos := positions[rng.IntN(len(positions))]

	c := crop{rect: image.Rect(pos[0], pos[1], pos[0]+p.w, pos[1]+p.h)}
	if t.Augmentation.Flip {
		c.flip = rng.IntN(2) == 1
	}
	return c
}

// resample crops src to c.rect and scales it to size x size.
func resample(src image.Image, c crop, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	rect := c.rect.Add(src.Bounds().Min)
	draw.BiLinear.Scale(dst, dst.Bounds(), src, rect, draw.Src, nil)
	return dst
}

// colorPlanes writes the BGR planes of img into out, which must hold
// 3 * size * size values.
func colorPlanes(img *image.RGBA, flip bool, out []float64) {
	size := img.Bounds().Dx()
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx := x
			if flip {
				sx = size - 1 - x
			}
			px := img.RGBAAt(sx, y)
			i := y*size + x
			out[i] = float64(px.B)
			out[plane+i] = float64(px.G)
			out[2*plane+i] = float64(px.R)
		}
	}
}

// diffPlanes writes the frame difference cur - prev into out.
func diffPlanes(cur, prev, out []float64) {
	floats.SubTo(out, cur, prev)
}

// grayPlane writes the luminance of img into out. When invert is set the
// values are mirrored around 255, which negates a flow field.
func grayPlane(img *image.RGBA, flip, invert bool, out []float64) {
	size := img.Bounds().Dx()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx := x
			if flip {
				sx = size - 1 - x
			}
			// Flow frames decode as grayscale, so R == G == B.
			v := float64(img.RGBAAt(sx, y).R)
			if invert {
				v = 255 - v
			}
			out[y*size+x] = v
		}
	}
}

// normalize applies the per-channel mean and std in place to a clip of
// channels planes.
func (t Transform) normalize(clip []float64, channels int) {
	mean, std := t.Input.InputMean, t.Input.InputStd
	if len(mean) == 0 {
		return
	}
	plane := len(clip) / channels
	for k := 0; k < channels; k++ {
		m := mean[k%len(mean)]
		s := 1.0
		if len(std) > 0 {
			s = std[k%len(std)]
		}
		values := clip[k*plane : (k+1)*plane]
		for i := range values {
			values[i] = (values[i] - m) / s
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
