package coordinator

import (
	"context"
	"errors"
	"fmt"

	"chronicle/anchors/internal/anchor"
)

// Persister stores anchor updates. Calls for different ids are independent
// and may fail independently; writes for one id must be idempotent.
type Persister interface {
	UpdateAnchor(ctx context.Context, id string, patch anchor.Patch) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, id string, patch anchor.Patch) error

func (f PersisterFunc) UpdateAnchor(ctx context.Context, id string, patch anchor.Patch) error {
	return f(ctx, id, patch)
}

// Fanout writes every update to each sink in order. A failing sink does not
// stop the ones after it.
type Fanout []Persister

func (f Fanout) UpdateAnchor(ctx context.Context, id string, patch anchor.Patch) error {
	var errs []error
	for i, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.UpdateAnchor(ctx, id, patch); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
