package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/eco/internal/tensor"
)

// Accuracy computes top-k accuracy for each k in ks.
//
// Parameters:
//   - scores: per-class scores of shape [batch, classes]
//   - labels: ground-truth class index per example
//   - ks: the k values to evaluate, e.g. 1 and 5
//
// Returns one value per k, as a percentage in [0, 100]. A k larger than the
// number of classes is clamped to it.
func Accuracy(scores *tensor.Tensor, labels []int, ks ...int) ([]float64, error) {
	shape := scores.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("accuracy: scores must be [batch, classes], got %v", shape)
	}
	batch, classes := shape[0], shape[1]
	if len(labels) != batch {
		return nil, fmt.Errorf("accuracy: %d labels for batch of %d", len(labels), batch)
	}

	correct := make([]int, len(ks))
	row := make([]float64, classes)
	order := make([]int, classes)
	data := scores.Data()
	for b := 0; b < batch; b++ {
		copy(row, data[b*classes:(b+1)*classes])
		floats.Argsort(row, order) // ascending; best class last
		for i, k := range ks {
			k = min(k, classes)
			for _, idx := range order[classes-k:] {
				if idx == labels[b] {
					correct[i]++
					break
				}
			}
		}
	}

	out := make([]float64, len(ks))
	for i, c := range correct {
		out[i] = float64(c) * 100 / float64(batch)
	}
	return out, nil
}
