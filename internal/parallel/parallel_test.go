package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForVisitsEveryIndexOnce(t *testing.T) {
	opts := Options{Workers: 4, MinWork: 64}

	hits := make([]int32, 1000)
	For(len(hits), 8, func(i int) {
		atomic.AddInt32(&hits[i], 1)
	}, opts)

	for i, h := range hits {
		assert.Equal(t, int32(1), h, "index %d", i)
	}
}

func TestForRunsSmallLoopsInline(t *testing.T) {
	var order []int
	For(5, 10, func(i int) {
		order = append(order, i)
	}, Options{Workers: 8, MinWork: 1 << 14})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	order = order[:0]
	For(5, 1<<20, func(i int) {
		order = append(order, i)
	}, Options{Workers: 1})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkersScaleWithCost(t *testing.T) {
	opts := Options{Workers: 8, MinWork: 100}

	tests := []struct {
		name    string
		n, cost int
		want    int
	}{
		{name: "cheap indices stay inline", n: 10, cost: 5, want: 1},
		{name: "cost buys workers", n: 10, cost: 30, want: 3},
		{name: "capped by workers", n: 64, cost: 1000, want: 8},
		{name: "capped by indices", n: 2, cost: 1000, want: 2},
		{name: "empty loop", n: 0, cost: 1000, want: 1},
		{name: "zero cost counts as one", n: 500, cost: 0, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opts.workers(tt.n, tt.cost))
		})
	}
}
