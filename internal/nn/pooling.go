package nn

import (
	"fmt"

	"github.com/born-ml/eco/internal/tensor"
)

// Reshape views its input under a new shape. One dimension may be -1, in
// which case it is inferred from the element count.
type Reshape struct {
	stateless
	dims    []int
	inShape tensor.Shape
}

// NewReshape creates a reshape layer.
func NewReshape(dims ...int) *Reshape {
	return &Reshape{dims: dims}
}

// Forward reshapes x.
func (r *Reshape) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := make(tensor.Shape, len(r.dims))
	known, infer := 1, -1
	for i, d := range r.dims {
		if d == -1 {
			infer = i
			continue
		}
		shape[i] = d
		known *= d
	}
	if infer >= 0 {
		if known == 0 || x.NumElements()%known != 0 {
			return nil, fmt.Errorf("reshape: cannot view %v as %v", x.Shape(), r.dims)
		}
		shape[infer] = x.NumElements() / known
	}
	r.inShape = x.Shape().Clone()
	return x.Reshape(shape)
}

// Backward restores the input shape.
func (r *Reshape) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return grad.Reshape(r.inShape)
}

// SegmentConsensus averages per-segment features into one clip-level
// feature vector.
//
// Input shape: [B, T, C]. Output shape: [B, C].
type SegmentConsensus struct {
	stateless
	inShape tensor.Shape
}

// NewSegmentConsensus creates the consensus layer.
func NewSegmentConsensus() *SegmentConsensus {
	return &SegmentConsensus{}
}

// Forward averages over the segment axis.
func (s *SegmentConsensus) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("consensus: expected input [B, T, C], got %v", shape)
	}
	batch, steps, c := shape[0], shape[1], shape[2]
	src := x.Data()
	out := make([]float64, batch*c)
	for b := 0; b < batch; b++ {
		dst := out[b*c : (b+1)*c]
		for t := 0; t < steps; t++ {
			for j, v := range src[(b*steps+t)*c : (b*steps+t+1)*c] {
				dst[j] += v / float64(steps)
			}
		}
	}
	s.inShape = shape.Clone()
	return tensor.New(tensor.Shape{batch, c}, out)
}

// Backward spreads the gradient evenly over the segments.
func (s *SegmentConsensus) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if s.inShape == nil {
		return nil, fmt.Errorf("consensus: backward before forward")
	}
	batch, steps, c := s.inShape[0], s.inShape[1], s.inShape[2]
	dy := grad.Data()
	dx := make([]float64, batch*steps*c)
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			for j := 0; j < c; j++ {
				dx[(b*steps+t)*c+j] = dy[b*c+j] / float64(steps)
			}
		}
	}
	return tensor.New(s.inShape, dx)
}

// GlobalAvgPool2D averages each channel plane of a [N, C, H, W] input into
// a [N, C] output.
type GlobalAvgPool2D struct {
	stateless
	inShape tensor.Shape
}

// NewGlobalAvgPool2D creates the pooling layer.
func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{}
}

// Forward averages every plane.
func (g *GlobalAvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("avgpool: expected input [N, C, H, W], got %v", shape)
	}
	planes, area := shape[0]*shape[1], shape[2]*shape[3]
	src := x.Data()
	out := make([]float64, planes)
	for p := range out {
		var sum float64
		for _, v := range src[p*area : (p+1)*area] {
			sum += v
		}
		out[p] = sum / float64(area)
	}
	g.inShape = shape.Clone()
	return tensor.New(tensor.Shape{shape[0], shape[1]}, out)
}

// Backward spreads each gradient evenly over its plane.
func (g *GlobalAvgPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inShape == nil {
		return nil, fmt.Errorf("avgpool: backward before forward")
	}
	area := g.inShape[2] * g.inShape[3]
	dy := grad.Data()
	dx := make([]float64, len(dy)*area)
	for p, v := range dy {
		for i := p * area; i < (p+1)*area; i++ {
			dx[i] = v / float64(area)
		}
	}
	return tensor.New(g.inShape, dx)
}
