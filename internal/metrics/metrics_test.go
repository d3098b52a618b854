package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/tensor"
)

func TestMeterWeightedAverage(t *testing.T) {
	var m Meter
	m.Update(2, 1)
	m.Update(4, 1)
	m.Update(6, 2)

	assert.Equal(t, 6.0, m.Val)
	assert.Equal(t, 4, m.Count)
	assert.InDelta(t, 4.5, m.Avg, 1e-12)

	m.Reset()
	assert.Equal(t, Meter{}, m)
}

func TestAccuracyTopK(t *testing.T) {
	scores, err := tensor.New(tensor.Shape{4, 6}, []float64{
		9, 1, 0, 0, 0, 0, // label 0: top-1 hit
		0, 1, 2, 3, 4, 5, // label 1: rank 5, top-5 hit
		5, 4, 3, 2, 1, 0, // label 5: worst, miss
		0, 0, 7, 0, 0, 0, // label 2: top-1 hit
	})
	require.NoError(t, err)

	acc, err := Accuracy(scores, []int{0, 1, 5, 2}, 1, 5)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, acc[0], 1e-12)
	assert.InDelta(t, 75.0, acc[1], 1e-12)
}

func TestAccuracyClampsK(t *testing.T) {
	scores := tensor.Zeros(tensor.Shape{2, 3})
	acc, err := Accuracy(scores, []int{0, 2}, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, acc)
}

func TestAccuracyRejectsMismatchedLabels(t *testing.T) {
	_, err := Accuracy(tensor.Zeros(tensor.Shape{2, 3}), []int{0}, 1)
	assert.Error(t, err)
}
