package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/parallel"
	"github.com/born-ml/eco/internal/tensor"
)

// PooledConv2D is a k×k convolution with stride k followed by global average
// pooling over the output grid.
//
// Both steps are linear, so the layer averages the k×k patches first and then
// applies the kernel once per image:
//
//	patch[n, c, u, v] = mean over (i, j) of x[n, c, i*k+u, j*k+v]
//	y[n, o] = sum over (c, u, v) of W[o, c, u, v] * patch[n, c, u, v] + b[o]
//
// Input shape: [N, C, H, W] with H and W divisible by k.
// Output shape: [N, out_channels].
//
// It is used as the first layer of a network, so Backward computes
// parameter gradients only and returns a nil input gradient.
type PooledConv2D struct {
	stateless
	dense
	inChannels int
	kernel     int
	patches    []float64
	rows       int
}

// NewPooledConv2D creates the layer with a weight of shape
// [outChannels, inChannels, kernel, kernel].
func NewPooledConv2D(name string, inChannels, outChannels, kernel int, rng *rand.Rand) *PooledConv2D {
	shape := tensor.Shape{outChannels, inChannels, kernel, kernel}
	return &PooledConv2D{
		dense:      newDense(name, KindConvWeight, KindConvBias, shape, rng),
		inChannels: inChannels,
		kernel:     kernel,
	}
}

// Forward averages the input patches and applies the kernel.
func (c *PooledConv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != c.inChannels {
		return nil, fmt.Errorf("conv %s: expected input [N, %d, H, W], got %v", c.weight.layer, c.inChannels, shape)
	}
	n, channels, h, w := shape[0], shape[1], shape[2], shape[3]
	k := c.kernel
	if h%k != 0 || w%k != 0 {
		return nil, fmt.Errorf("conv %s: spatial size %dx%d not divisible by kernel %d", c.weight.layer, h, w, k)
	}

	gridH, gridW := h/k, w/k
	scale := 1.0 / float64(gridH*gridW)
	src := x.Data()
	patches := make([]float64, n*c.in)
	parallel.For(n*channels, h*w, func(nc int) {
		plane := src[nc*h*w : (nc+1)*h*w]
		dst := patches[nc*k*k : (nc+1)*k*k]
		for i := 0; i < h; i++ {
			u := i % k
			for j := 0; j < w; j++ {
				dst[u*k+j%k] += plane[i*w+j] * scale
			}
		}
	}, kernelOptions)

	c.patches = patches
	c.rows = n
	return tensor.New(tensor.Shape{n, c.out}, c.forward(patches, n))
}

// Backward accumulates parameter gradients. The input gradient is not computed.
func (c *PooledConv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.patches == nil {
		return nil, fmt.Errorf("conv %s: backward before forward", c.weight.layer)
	}
	c.backward(c.patches, grad.Data(), c.rows, false)
	return nil, nil
}

// Parameters returns [weight, bias].
func (c *PooledConv2D) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}

// TemporalConv is a 3D convolution whose kernel spans kt time steps and a
// single spatial position, applied to channels-last sequences.
//
// Weight shape: [out_channels, in_channels, kt, 1, 1], matching the layout of
// 3D convolution checkpoints.
// Input shape: [B, T, in_channels]. Output shape: [B, T, out_channels].
// The time axis is zero padded by kt/2 on both sides with stride 1.
type TemporalConv struct {
	stateless
	weight *Parameter
	bias   *Parameter
	in     int
	out    int
	kt     int
	input  *tensor.Tensor
}

// NewTemporalConv creates the layer. kt must be odd to preserve sequence length.
func NewTemporalConv(name string, inChannels, outChannels, kt int, rng *rand.Rand) *TemporalConv {
	shape := tensor.Shape{outChannels, inChannels, kt, 1, 1}
	return &TemporalConv{
		weight: NewParameter(name+".weight", name, KindConvWeight, Xavier(shape, rng)),
		bias:   NewParameter(name+".bias", name, KindConvBias, tensor.Zeros(tensor.Shape{outChannels})),
		in:     inChannels,
		out:    outChannels,
		kt:     kt,
	}
}

// Forward convolves x over its time axis.
func (c *TemporalConv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != c.in {
		return nil, fmt.Errorf("conv %s: expected input [B, T, %d], got %v", c.weight.layer, c.in, shape)
	}
	batch, steps := shape[0], shape[1]
	pad := c.kt / 2
	w := c.weight.data.Data()
	b := c.bias.data.Data()
	src := x.Data()

	y := make([]float64, batch*steps*c.out)
	parallel.For(batch*steps, c.out*c.kt*c.in, func(bt int) {
		bi, t := bt/steps, bt%steps
		dst := y[bt*c.out : (bt+1)*c.out]
		for o := range dst {
			sum := b[o]
			for tau := 0; tau < c.kt; tau++ {
				s := t + tau - pad
				if s < 0 || s >= steps {
					continue
				}
				xs := src[(bi*steps+s)*c.in : (bi*steps+s+1)*c.in]
				for ci, v := range xs {
					sum += w[(o*c.in+ci)*c.kt+tau] * v
				}
			}
			dst[o] = sum
		}
	}, kernelOptions)

	c.input = x
	return tensor.New(tensor.Shape{batch, steps, c.out}, y)
}

// Backward accumulates parameter gradients and returns dL/dx.
func (c *TemporalConv) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv %s: backward before forward", c.weight.layer)
	}
	shape := c.input.Shape()
	batch, steps := shape[0], shape[1]
	pad := c.kt / 2
	src := c.input.Data()
	dy := grad.Data()
	w := c.weight.data.Data()

	gw := make([]float64, len(w))
	gb := make([]float64, c.out)
	parallel.For(c.out, batch*steps*c.kt*c.in, func(o int) {
		for bt := 0; bt < batch*steps; bt++ {
			g := dy[bt*c.out+o]
			if g == 0 {
				continue
			}
			gb[o] += g
			bi, t := bt/steps, bt%steps
			for tau := 0; tau < c.kt; tau++ {
				s := t + tau - pad
				if s < 0 || s >= steps {
					continue
				}
				xs := src[(bi*steps+s)*c.in : (bi*steps+s+1)*c.in]
				for ci, v := range xs {
					gw[(o*c.in+ci)*c.kt+tau] += g * v
				}
			}
		}
	}, kernelOptions)
	c.weight.accumulate(gw)
	c.bias.accumulate(gb)

	dx := make([]float64, len(src))
	parallel.For(batch, steps*c.kt*c.out*c.in, func(bi int) {
		for t := 0; t < steps; t++ {
			row := dy[(bi*steps+t)*c.out : (bi*steps+t+1)*c.out]
			for tau := 0; tau < c.kt; tau++ {
				s := t + tau - pad
				if s < 0 || s >= steps {
					continue
				}
				dxs := dx[(bi*steps+s)*c.in : (bi*steps+s+1)*c.in]
				for o, g := range row {
					for ci := range dxs {
						dxs[ci] += g * w[(o*c.in+ci)*c.kt+tau]
					}
				}
			}
		}
	}, kernelOptions)
	return tensor.New(shape, dx)
}

// Parameters returns [weight, bias].
func (c *TemporalConv) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}
