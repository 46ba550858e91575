package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// Multi fans a batch out to several backends in parallel. Queries are served
// by the first backend.
type Multi struct {
	stores []Store
}

// NewMulti wraps the given backends. At least one is required.
func NewMulti(stores ...Store) (*Multi, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("multi store: no backends")
	}
	return &Multi{stores: stores}, nil
}

// Store writes the batch to every backend concurrently and returns the
// combined error, if any.
func (m *Multi) Store(ctx context.Context, records []Record, dest Destination) error {
	p := pool.New().WithContext(ctx)
	for _, s := range m.stores {
		s := s
		p.Go(func(ctx context.Context) error {
			return s.Store(ctx, records, dest)
		})
	}
	return p.Wait()
}

// Query delegates to the primary backend.
func (m *Multi) Query(ctx context.Context, query string, args ...any) ([]Record, error) {
	return m.stores[0].Query(ctx, query, args...)
}

// Close closes every backend.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
