package tensor

import "fmt"

// Chunk splits the tensor into n equal parts along the specified dimension.
//
// The dimension size must be divisible by n.
// Supports negative dim indexing (-1 = last dimension).
//
// Example:
//
//	w := tensor.Zeros(Shape{128, 512, 3, 3, 3})
//	parts, _ := tensor.Chunk(w, 4, 1) // 4 tensors of shape [128, 128, 3, 3, 3]
func Chunk(t *Tensor, n, dim int) ([]*Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunk: n must be positive, got %d", n)
	}
	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	if t.shape[dim]%n != 0 {
		return nil, fmt.Errorf("chunk: dimension %d of size %d is not divisible by %d", dim, t.shape[dim], n)
	}

	outer, inner := blockSizes(t.shape, dim)
	part := t.shape[dim] / n
	partShape := t.shape.Clone()
	partShape[dim] = part

	parts := make([]*Tensor, n)
	for c := range parts {
		out := Zeros(partShape)
		for o := 0; o < outer; o++ {
			src := (o*t.shape[dim] + c*part) * inner
			dst := o * part * inner
			copy(out.data[dst:dst+part*inner], t.data[src:src+part*inner])
		}
		parts[c] = out
	}
	return parts, nil
}

// Cat concatenates tensors along the specified dimension.
//
// All tensors must have the same shape except along the concatenation dimension.
// Supports negative dim indexing (-1 = last dimension).
func Cat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cat: at least one tensor required")
	}
	first := tensors[0].shape
	dim, err := normalizeDim(dim, len(first))
	if err != nil {
		return nil, fmt.Errorf("cat: %w", err)
	}

	outShape := first.Clone()
	outShape[dim] = 0
	for i, t := range tensors {
		if len(t.shape) != len(first) {
			return nil, fmt.Errorf("cat: tensor %d has rank %d, expected %d", i, len(t.shape), len(first))
		}
		for d := range first {
			if d != dim && t.shape[d] != first[d] {
				return nil, fmt.Errorf("cat: tensor %d has shape %v, incompatible with %v on dim %d", i, t.shape, first, d)
			}
		}
		outShape[dim] += t.shape[dim]
	}

	out := Zeros(outShape)
	outer, inner := blockSizes(outShape, dim)
	for o := 0; o < outer; o++ {
		offset := o * outShape[dim] * inner
		for _, t := range tensors {
			n := t.shape[dim] * inner
			copy(out.data[offset:offset+n], t.data[o*n:(o+1)*n])
			offset += n
		}
	}
	return out, nil
}

// blockSizes returns the products of the dimensions before and after dim.
func blockSizes(shape Shape, dim int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:dim] {
		outer *= d
	}
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	return outer, inner
}
