// Package coordinator runs the anchor pipeline for one open editor: every
// text change is relocated and re-evaluated synchronously, committed to an
// in-memory snapshot, and the anchors that changed are written to storage
// behind a debounce window.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chronicle/anchors/internal/anchor"
	"chronicle/anchors/internal/debounce"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultDebounce    = 2 * time.Second
	DefaultConcurrency = 8
)

// Options configures a Coordinator.
type Options struct {
	// Debounce is the quiet period before changed anchors are persisted
	// (default: 2s).
	Debounce time.Duration
	// Concurrency bounds parallel UpdateAnchor calls within one flush
	// (default: 8).
	Concurrency int
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type pendingPatches map[string]anchor.Patch

// Coordinator is the sole mutator of an editor's anchor set.
type Coordinator struct {
	engine      *anchor.Engine
	persister   Persister
	logger      *slog.Logger
	concurrency int

	// mu serializes mutations; readers use the snapshot without locking.
	mu        sync.Mutex
	closed    bool
	stored    map[string]*anchor.Range
	snapshot  atomic.Pointer[[]anchor.Anchor]
	selection atomic.Pointer[anchor.Range]

	debouncer *debounce.Debouncer[pendingPatches]
}

// New returns a Coordinator tracking anchors and writing changes to p.
func New(p Persister, anchors []anchor.Anchor, opts Options) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		engine:      anchor.NewEngine(opts.Logger),
		persister:   p,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		stored:      make(map[string]*anchor.Range, len(anchors)),
	}
	for _, a := range anchors {
		c.stored[a.ID] = cloneRange(a.Range)
	}
	c.commit(cloneAnchors(anchors))
	c.debouncer = debounce.New(opts.Debounce, c.persist, mergePatches, func(err error) {
		c.logger.Error("coordinator: debounced persist failed", "error", err)
	})
	return c
}

// OnTextChange runs one edit through the pipeline. The updated anchors are
// visible through Anchors before it returns; only anchors whose persisted
// fields changed are scheduled for storage.
func (c *Coordinator) OnTextChange(oldMarkdown, newMarkdown string) anchor.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snapshot.Load()
	if c.closed {
		c.logger.Warn("coordinator: text change after close ignored")
		return anchor.Batch{Anchors: cloneAnchors(current), NoOp: true}
	}

	batch := c.engine.Transform(current, oldMarkdown, newMarkdown)
	if batch.NoOp {
		return batch
	}
	c.commit(cloneAnchors(batch.Anchors))
	c.schedule(batch.Changed)
	return batch
}

// OnSelectionChange records the editor selection; nil clears it. The
// coordinator does not act on it.
func (c *Coordinator) OnSelectionChange(r *anchor.Range) {
	if r == nil {
		c.selection.Store(nil)
		return
	}
	sel := *r
	c.selection.Store(&sel)
}

// Selection returns the last recorded selection, if any.
func (c *Coordinator) Selection() (anchor.Range, bool) {
	sel := c.selection.Load()
	if sel == nil {
		return anchor.Range{}, false
	}
	return *sel, true
}

// Anchors returns a copy of the committed anchor set.
func (c *Coordinator) Anchors() []anchor.Anchor {
	return cloneAnchors(*c.snapshot.Load())
}

// Anchor returns the committed anchor with the given id.
func (c *Coordinator) Anchor(id string) (anchor.Anchor, bool) {
	for _, a := range *c.snapshot.Load() {
		if a.ID == id {
			return a.Clone(), true
		}
	}
	return anchor.Anchor{}, false
}

// Track starts tracking a, replacing any anchor with the same id.
func (c *Coordinator) Track(a anchor.Anchor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snapshot.Load()
	next := make([]anchor.Anchor, 0, len(current)+1)
	for _, existing := range current {
		if existing.ID != a.ID {
			next = append(next, existing.Clone())
		}
	}
	c.commit(append(next, a.Clone()))
	c.stored[a.ID] = cloneRange(a.Range)
}

// Untrack stops tracking the anchor with the given id. Updates already
// scheduled for it are still written.
func (c *Coordinator) Untrack(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snapshot.Load()
	next := make([]anchor.Anchor, 0, len(current))
	found := false
	for _, existing := range current {
		if existing.ID == id {
			found = true
			continue
		}
		next = append(next, existing.Clone())
	}
	if found {
		c.commit(next)
	}
	delete(c.stored, id)
	return found
}

// SchedulePersist queues the latest state of each anchor for the next
// debounced write.
func (c *Coordinator) SchedulePersist(changed []anchor.Anchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedule(changed)
}

// schedule queues patches for changed. Callers hold c.mu.
func (c *Coordinator) schedule(changed []anchor.Anchor) {
	if len(changed) == 0 || c.persister == nil {
		return
	}
	patches := make(pendingPatches, len(changed))
	for _, a := range changed {
		patches[a.ID] = anchor.PatchOf(a)
		c.stored[a.ID] = cloneRange(a.Range)
	}
	c.debouncer.Schedule(patches)
}

// scheduleMovedRanges queues a range-only patch for every tracked anchor
// whose offsets moved since they were last written. Edits that only shift
// an anchor leave its persisted fields alone, so nothing else writes them.
// Callers hold c.mu.
func (c *Coordinator) scheduleMovedRanges() {
	if c.persister == nil {
		return
	}
	patches := make(pendingPatches)
	for _, a := range *c.snapshot.Load() {
		if !a.Tracked() || a.Range == nil {
			continue
		}
		if prev := c.stored[a.ID]; prev != nil && *prev == *a.Range {
			continue
		}
		r := *a.Range
		patches[a.ID] = anchor.Patch{Range: &r}
		c.stored[a.ID] = cloneRange(&r)
	}
	if len(patches) > 0 {
		c.debouncer.Schedule(patches)
	}
}

// Pending reports whether writes are waiting for the debounce window.
func (c *Coordinator) Pending() bool {
	return c.debouncer.Pending()
}

// Flush writes pending changes now and waits for writes in flight.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.debouncer.Flush(ctx)
}

// Close stops accepting text changes, writes the offsets of anchors that
// moved without any other change, and flushes pending writes. A failed flush
// is logged and returned; nothing is retried.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.scheduleMovedRanges()
	}
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		c.logger.Error("coordinator: flush on close failed", "error", err)
		return err
	}
	return nil
}

// persist writes each anchor concurrently. A failure is logged with its
// anchor id and does not cancel the other writes.
func (c *Coordinator) persist(ctx context.Context, patches pendingPatches) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.concurrency)
	for id, patch := range patches {
		id, patch := id, patch
		g.Go(func() error {
			if err := c.persister.UpdateAnchor(ctx, id, patch); err != nil {
				c.logger.Error("coordinator: persist anchor failed", "anchor_id", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("anchor %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) commit(anchors []anchor.Anchor) {
	c.snapshot.Store(&anchors)
}

func mergePatches(pending, next pendingPatches) pendingPatches {
	for id, patch := range next {
		if prev, ok := pending[id]; ok {
			pending[id] = prev.Merge(patch)
			continue
		}
		pending[id] = patch
	}
	return pending
}

func cloneAnchors(anchors []anchor.Anchor) []anchor.Anchor {
	out := make([]anchor.Anchor, len(anchors))
	for i, a := range anchors {
		out[i] = a.Clone()
	}
	return out
}

func cloneRange(r *anchor.Range) *anchor.Range {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
