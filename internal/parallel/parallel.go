// Package parallel splits the outer loops of the layer kernels over
// goroutines.
//
// The loops it serves walk batch items, segment time steps, feature planes
// or output channels, and each index owns a disjoint slice of the output.
// Splitting therefore never changes results, only which goroutine computes
// them. Small clips and narrow layers run inline: a loop is split only when
// every goroutine receives at least Options.MinWork scalar operations.
package parallel

import (
	"runtime"
	"sync"
)

// Options bounds how a loop is split.
type Options struct {
	Workers int // Maximum goroutines per loop; 1 or less runs inline
	MinWork int // Scalar operations each goroutine must receive
}

// DefaultOptions uses one goroutine per schedulable CPU and splits loops of
// at least 16k multiply-adds per goroutine.
func DefaultOptions() Options {
	return Options{
		Workers: runtime.GOMAXPROCS(0),
		MinWork: 1 << 14,
	}
}

// workers returns how many goroutines For uses for n indices costing cost
// scalar operations each.
func (o Options) workers(n, cost int) int {
	w := min(o.Workers, n)
	if o.MinWork > 0 {
		w = min(w, n*max(cost, 1)/o.MinWork)
	}
	return max(w, 1)
}

// For calls body(i) for every i in [0, n) and returns when all calls are
// done. cost estimates the scalar operations of a single index, e.g.
// rows*in for one output channel of a dense backward pass.
//
// Indices are dealt out in contiguous blocks, one per goroutine, so a body
// that walks memory in index order keeps doing so within its block.
func For(n, cost int, body func(i int), opts Options) {
	workers := opts.workers(n, cost)
	if workers == 1 {
		for i := range n {
			body(i)
		}
		return
	}

	block := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += block {
		end := min(start+block, n)
		wg.Go(func() {
			for i := start; i < end; i++ {
				body(i)
			}
		})
	}
	wg.Wait()
}
