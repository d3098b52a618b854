package dataset

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"

	"github.com/born-ml/eco/internal/tensor"
)

// Batch is a stacked group of samples.
type Batch struct {
	Index  int            // Position of the batch within the epoch
	Clips  *tensor.Tensor // [B, C, H, W]
	Labels []int
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Workers   int    // Goroutines loading batches (minimum 1)
	Shuffle   bool   // Permute samples every epoch
	Seed      uint64 // Seeds the permutation and every sample's randomness
	Prefetch  int    // Batches loaded ahead of the consumer (0 = 2 * Workers)
}

// Loader splits a dataset into batches and loads them concurrently.
//
// Batches arrive in epoch order regardless of which worker finished first,
// and a given (seed, epoch) always yields the same batches.
//
// Example:
//
//	loader, err := dataset.NewLoader(ds, dataset.LoaderConfig{BatchSize: 16, Workers: 4, Shuffle: true, Seed: 1})
//	for batch, err := range loader.Batches(ctx, epoch) {
//	    if err != nil {
//	        return err
//	    }
//	    // use batch.Clips and batch.Labels
//	}
type Loader struct {
	ds  Dataset
	cfg LoaderConfig
}

// NewLoader creates a loader over ds.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.Workers
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Len returns the number of batches per epoch, counting a final partial
// batch.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Order returns the sample order of epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		//nolint:gosec // G115: epochs are non-negative
		rng := rand.New(rand.NewPCG(l.cfg.Seed, uint64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

type loaded struct {
	batch Batch
	err   error
}

// Batches yields the batches of epoch in order.
//
// Loading stops at the first error, which is yielded once, or when the
// consumer stops iterating or ctx is canceled. Workers have exited by the
// time the iteration returns.
func (l *Loader) Batches(ctx context.Context, epoch int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()

		order := l.Order(epoch)
		n := l.Len()
		slots := make([]chan loaded, n)
		for i := range slots {
			slots[i] = make(chan loaded, 1)
		}
		jobs := make(chan int)
		window := make(chan struct{}, l.cfg.Prefetch)

		for w := 0; w < l.cfg.Workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for b := range jobs {
					batch, err := l.load(b, order, epoch)
					slots[b] <- loaded{batch: batch, err: err}
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(jobs)
			for b := 0; b < n; b++ {
				select {
				case window <- struct{}{}:
				case <-ctx.Done():
					return
				}
				select {
				case jobs <- b:
				case <-ctx.Done():
					return
				}
			}
		}()

		for b := 0; b < n; b++ {
			if err := ctx.Err(); err != nil {
				yield(Batch{}, err)
				return
			}
			var r loaded
			select {
			case r = <-slots[b]:
			case <-ctx.Done():
				yield(Batch{}, ctx.Err())
				return
			}
			<-window
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
		}
	}
}

// load assembles batch b of the given sample order.
func (l *Loader) load(b int, order []int, epoch int) (Batch, error) {
	start := b * l.cfg.BatchSize
	end := min(start+l.cfg.BatchSize, len(order))
	shape := l.ds.ClipShape()
	per := shape.NumElements()

	data := make([]float64, 0, (end-start)*per)
	labels := make([]int, 0, end-start)
	for _, idx := range order[start:end] {
		//nolint:gosec // G115: epoch and idx are non-negative
		rng := rand.New(rand.NewPCG(uint64(epoch)<<32|uint64(idx), l.cfg.Seed))
		s, err := l.ds.Sample(idx, rng)
		if err != nil {
			return Batch{}, fmt.Errorf("sample %d: %w", idx, err)
		}
		if len(s.Clip) != per {
			return Batch{}, fmt.Errorf("sample %d: clip has %d values, want %d", idx, len(s.Clip), per)
		}
		data = append(data, s.Clip...)
		labels = append(labels, s.Label)
	}

	clips, err := tensor.New(append(tensor.Shape{end - start}, shape...), data)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Index: b, Clips: clips, Labels: labels}, nil
}
