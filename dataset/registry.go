package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry resolves dataset identifiers to loaders.
type Registry struct {
	paths     map[ID]string
	batchSize int
	seed      int64
	prefetch  int

	mu      sync.Mutex
	loaders map[ID]*Loader // shuffled, incomplete batches dropped
	held    map[ID]*Loader // file order, every row scored
}

// NewRegistry creates a registry reading CSV files from paths. Each loader
// shuffles with its own rng seeded from seed and its identifier, so loading
// order never changes the batches.
func NewRegistry(paths map[ID]string, batchSize int, seed int64, prefetch int) *Registry {
	return &Registry{
		paths:     paths,
		batchSize: batchSize,
		seed:      seed,
		prefetch:  prefetch,
		loaders:   make(map[ID]*Loader),
		held:      make(map[ID]*Loader),
	}
}

// Load reads and standardizes the CSV files for ids concurrently and builds
// both the training and the held-out loader of each. Identifiers already
// loaded are skipped.
func (r *Registry) Load(ctx context.Context, ids ...ID) error {
	pending := make(map[ID]string)
	r.mu.Lock()
	for _, id := range ids {
		if _, ok := r.loaders[id]; ok {
			continue
		}
		path, ok := r.paths[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: no path configured for %s", ErrUnknownDataset, id)
		}
		pending[id] = path
	}
	r.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for id, path := range pending {
		id, path := id, path
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := LoadCSV(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			d.Standardize()
			l, err := NewLoader(d, r.batchSize,
				WithShuffle(rand.New(rand.NewSource(r.seed+int64(id)))),
				WithPrefetch(r.prefetch),
			)
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			held, err := NewLoader(d, r.batchSize, WithDropLast(false), WithPrefetch(r.prefetch))
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			r.mu.Lock()
			r.loaders[id] = l
			r.held[id] = held
			r.mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

// Lookup returns the training loader of id: reshuffled every pass, with
// incomplete trailing batches dropped.
func (r *Registry) Lookup(id ID) (*Loader, error) {
	return r.lookup(r.loaders, id)
}

// LookupHeldOut returns the evaluation loader of id. It yields every row in
// file order, so repeated passes score the same samples.
func (r *Registry) LookupHeldOut(id ID) (*Loader, error) {
	return r.lookup(r.held, id)
}

func (r *Registry) lookup(m map[ID]*Loader, id ID) (*Loader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not loaded", ErrUnknownDataset, id)
	}
	return l, nil
}
