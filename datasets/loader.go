package datasets

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// BatchSize is the number of samples per batch. The last batch of an
	// epoch may be smaller.
	BatchSize int

	// Shuffle reorders the dataset at the start of every epoch.
	Shuffle bool

	// NumWorkers is the number of goroutines loading and collating batches
	// ahead of the consumer. Values below 1 are treated as 1.
	NumWorkers int

	// PinMemory makes the loader recycle padded feature buffers between
	// batches. Consumers must call Batch.Release when done with a batch.
	PinMemory bool

	// Seed for the shuffle RNG. If zero, a time-based seed is used.
	Seed int64
}

// Loader iterates a Dataset in minibatches built by Collate.
type Loader struct {
	ds   Dataset
	opts LoaderOptions
	rng  *rand.Rand
	pool *sync.Pool

	// pooled buffers currently held by batches
	inUse atomic.Int64
}

// NewLoader creates a loader over ds.
func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset is nil")
	}
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	l := &Loader{
		ds:   ds,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
	if opts.PinMemory {
		l.pool = &sync.Pool{}
	}
	return l, nil
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// InUse returns how many recycled feature buffers are held by batches that
// have not been released. It is always zero without PinMemory.
func (l *Loader) InUse() int {
	return int(l.inUse.Load())
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.opts.BatchSize
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch *Batch
	err   error
}

// Epoch starts one pass over the dataset. Batches arrive on the first channel
// in shuffle order regardless of which worker built them. The first channel
// is closed when the epoch ends or fails; the error channel then yields the
// failure, if any, and is closed. Cancel ctx to abandon an epoch early.
func (l *Loader) Epoch(ctx context.Context) (<-chan *Batch, <-chan error) {
	n := l.ds.Len()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	workers := l.opts.NumWorkers
	jobs := make(chan batchJob, workers)
	results := make(chan batchResult, workers)
	out := make(chan *Batch, workers)
	errCh := make(chan error, 1)

	go func() {
		defer close(jobs)
		id := 0
		for start := 0; start < n; start += l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, n)
			select {
			case <-ctx.Done():
				return
			case jobs <- batchJob{id: id, indices: indices[start:end]}:
				id++
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for job := range jobs {
				b, err := l.build(job.indices)
				select {
				case <-ctx.Done():
					b.Release()
					return
				case results <- batchResult{id: job.id, batch: b, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(errCh)
		defer close(out)
		pending := make(map[int]*Batch)
		// Whatever was built but never delivered goes back to the pool
		// before the consumer sees the end of the epoch.
		defer func() {
			cancel()
			for _, p := range pending {
				p.Release()
			}
			for res := range results {
				res.batch.Release()
			}
		}()
		next := 0
		for res := range results {
			if res.err != nil {
				errCh <- fmt.Errorf("batch %d: %w", res.id, res.err)
				return
			}
			pending[res.id] = res.batch
			for {
				b, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case <-ctx.Done():
					b.Release()
					return
				case out <- b:
				}
				next++
			}
		}
	}()

	return out, errCh
}

func (l *Loader) build(indices []int) (*Batch, error) {
	samples := make([]Sample, len(indices))
	for i, idx := range indices {
		s, err := l.ds.Example(idx)
		if err != nil {
			return nil, err
		}
		samples[i] = s
	}
	if l.pool == nil {
		return Collate(samples)
	}
	b, err := collateInto(samples, l.alloc)
	if err != nil {
		return nil, err
	}
	b.release = l.free
	return b, nil
}

func (l *Loader) alloc(n int) []float32 {
	l.inUse.Add(1)
	if p, ok := l.pool.Get().(*[]float32); ok && cap(*p) >= n {
		buf := (*p)[:n]
		clear(buf)
		return buf
	}
	return make([]float32, n)
}

func (l *Loader) free(buf []float32) {
	l.inUse.Add(-1)
	l.pool.Put(&buf)
}
