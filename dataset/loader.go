package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
)

// Batch is one mini-batch: Size feature rows of width Dim and their labels.
type Batch struct {
	Features []float64 // flat [Size × Dim] row-major
	Labels   []int
	Size     int
	Dim      int
}

// BatchIterator yields the batches of one pass over a loader.
// Next returns io.EOF after the last batch.
type BatchIterator interface {
	Next() (Batch, error)
	Close()
}

// Loader cuts a Dataset into fixed-size batches, once per Iterate call.
type Loader struct {
	data      *Dataset
	batchSize int
	dropLast  bool
	rng       *rand.Rand // nil keeps file order
	prefetch  int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithShuffle reshuffles row order on every Iterate using rng.
func WithShuffle(rng *rand.Rand) LoaderOption {
	return func(l *Loader) {
		l.rng = rng
	}
}

// WithDropLast controls whether an incomplete trailing batch is dropped.
func WithDropLast(drop bool) LoaderOption {
	return func(l *Loader) {
		l.dropLast = drop
	}
}

// WithPrefetch lets a background goroutine assemble up to n batches ahead.
// Batches are still delivered in order.
func WithPrefetch(n int) LoaderOption {
	return func(l *Loader) {
		l.prefetch = n
	}
}

// NewLoader creates a loader over d. Incomplete trailing batches are dropped
// unless WithDropLast(false) is given.
func NewLoader(d *Dataset, batchSize int, opts ...LoaderOption) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if d == nil || d.Len() == 0 {
		return nil, ErrEmpty
	}
	l := &Loader{data: d, batchSize: batchSize, dropLast: true}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Len returns the number of batches per pass.
func (l *Loader) Len() int {
	n := l.data.Len() / l.batchSize
	if !l.dropLast && l.data.Len()%l.batchSize != 0 {
		n++
	}
	return n
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// Dim returns the feature width.
func (l *Loader) Dim() int { return l.data.Dim }

// Iterate starts a new pass. The row order is fixed here, so a shuffled
// loader draws from its rng exactly once per pass.
func (l *Loader) Iterate() BatchIterator {
	order := make([]int, l.data.Len())
	for i := range order {
		order[i] = i
	}
	if l.rng != nil {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	it := &iterator{loader: l, order: order, nBatches: l.Len()}
	if l.prefetch > 0 {
		it.startPrefetch(l.prefetch)
	}
	return it
}

type iterator struct {
	loader   *Loader
	order    []int
	nBatches int
	next     int

	ch   chan Batch
	done chan struct{}
	once sync.Once
}

func (it *iterator) batch(b int) Batch {
	l := it.loader
	start := b * l.batchSize
	end := start + l.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	size := end - start
	dim := l.data.Dim
	out := Batch{
		Features: make([]float64, size*dim),
		Labels:   make([]int, size),
		Size:     size,
		Dim:      dim,
	}
	for i, idx := range it.order[start:end] {
		copy(out.Features[i*dim:(i+1)*dim], l.data.Row(idx))
		out.Labels[i] = l.data.Labels[idx]
	}
	return out
}

func (it *iterator) startPrefetch(depth int) {
	it.ch = make(chan Batch, depth)
	it.done = make(chan struct{})
	go func() {
		defer close(it.ch)
		for b := 0; b < it.nBatches; b++ {
			select {
			case it.ch <- it.batch(b):
			case <-it.done:
				return
			}
		}
	}()
}

// Next returns the next batch or io.EOF.
func (it *iterator) Next() (Batch, error) {
	if it.ch != nil {
		b, ok := <-it.ch
		if !ok {
			return Batch{}, io.EOF
		}
		return b, nil
	}
	if it.next >= it.nBatches {
		return Batch{}, io.EOF
	}
	b := it.batch(it.next)
	it.next++
	return b, nil
}

// Close stops the prefetch goroutine, if any.
func (it *iterator) Close() {
	it.once.Do(func() {
		if it.done != nil {
			close(it.done)
		}
	})
}
