// Package pipeline defines the per-source capability contract and the
// orchestrator that sequences it.
package pipeline

import (
	"context"

	"github.com/dssdlab/harvester/internal/store"
)

// Source is the capability set every configured feed implements. The
// orchestrator drives the stages strictly in order for one source; across
// sources no ordering is guaranteed.
type Source interface {
	Name() string
	Enabled() bool
	Schedule() string

	// Fetch returns the raw payload, or nil when the remote had nothing.
	Fetch(ctx context.Context) (any, error)
	// Parse flattens the raw payload into records.
	Parse(ctx context.Context, raw any) ([]store.Record, error)
	// Transform applies the source's configured record operations.
	Transform(ctx context.Context, records []store.Record) ([]store.Record, error)
	// Store persists the batch to the source's destinations.
	Store(ctx context.Context, records []store.Record) error
}
