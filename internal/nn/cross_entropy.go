package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/eco/internal/tensor"
)

// CrossEntropyLoss computes cross-entropy loss for multi-class classification.
//
// This implementation uses the LogSoftmax + NLLLoss decomposition for
// numerical stability.
//
// Mathematical Formulation:
//
//	Loss = mean over batch of -log_probs[target]
//	where log_probs = LogSoftmax(logits)
//
// Gradient (Backward):
//
//	∂L/∂logits = (Softmax(logits) - y_one_hot) / batch_size
//
// Usage:
//
//	criterion := nn.NewCrossEntropyLoss()
//	loss, err := criterion.Forward(logits, labels) // logits: [batch_size, num_classes]
//	grad := criterion.Backward()
type CrossEntropyLoss struct {
	probs  []float64
	labels []int
	shape  tensor.Shape
}

// NewCrossEntropyLoss creates a new cross-entropy loss function.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross-entropy of logits against class indices.
func (l *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return 0, fmt.Errorf("cross entropy: expected logits [batch, classes], got %v", shape)
	}
	batch, classes := shape[0], shape[1]
	if len(labels) != batch {
		return 0, fmt.Errorf("cross entropy: %d labels for batch of %d", len(labels), batch)
	}

	data := logits.Data()
	probs := make([]float64, len(data))
	var total float64
	for b := 0; b < batch; b++ {
		label := labels[b]
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		row := data[b*classes : (b+1)*classes]

		// log-sum-exp trick
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, v)
		}
		var sumExp float64
		for j, v := range row {
			e := math.Exp(v - maxVal)
			probs[b*classes+j] = e
			sumExp += e
		}
		for j := range row {
			probs[b*classes+j] /= sumExp
		}
		total -= row[label] - maxVal - math.Log(sumExp)
	}

	l.probs = probs
	l.labels = labels
	l.shape = shape.Clone()
	return total / float64(batch), nil
}

// Backward returns the gradient of the last Forward's loss with respect to
// the logits.
func (l *CrossEntropyLoss) Backward() (*tensor.Tensor, error) {
	if l.probs == nil {
		return nil, fmt.Errorf("cross entropy: backward before forward")
	}
	batch, classes := l.shape[0], l.shape[1]
	grad := make([]float64, len(l.probs))
	for b := 0; b < batch; b++ {
		for j := 0; j < classes; j++ {
			g := l.probs[b*classes+j]
			if j == l.labels[b] {
				g--
			}
			grad[b*classes+j] = g / float64(batch)
		}
	}
	return tensor.New(l.shape, grad)
}
