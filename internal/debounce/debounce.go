// Package debounce coalesces bursts of work into one delayed call.
//
// A Debouncer is idle or pending. Schedule moves it to pending, merging the
// new payload into any pending one and restarting the timer. When the timer
// fires, or Flush is called, the pending payload is handed to the run
// function and the Debouncer returns to idle.
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Func does the deferred work for one payload.
type Func[P any] func(ctx context.Context, payload P) error

// MergeFunc folds next into a payload that is still pending.
type MergeFunc[P any] func(pending, next P) P

// Debouncer delays calls to a Func until Wait has passed without a new
// Schedule.
type Debouncer[P any] struct {
	wait    time.Duration
	run     Func[P]
	merge   MergeFunc[P]
	onError func(error)

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	pending  P
	has      bool
	seq      uint64
	inflight map[uint64]chan struct{}
}

// New returns an idle Debouncer. A nil merge keeps only the latest payload.
// onError receives failures of timer-driven runs; Flush returns its own.
func New[P any](wait time.Duration, run Func[P], merge MergeFunc[P], onError func(error)) *Debouncer[P] {
	if merge == nil {
		merge = func(_, next P) P { return next }
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Debouncer[P]{
		wait:     wait,
		run:      run,
		merge:    merge,
		onError:  onError,
		inflight: make(map[uint64]chan struct{}),
	}
}

// Schedule merges payload into the pending one and restarts the timer.
func (d *Debouncer[P]) Schedule(payload P) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.has {
		d.pending = d.merge(d.pending, payload)
	} else {
		d.pending = payload
		d.has = true
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

// Pending reports whether a payload is waiting for the timer.
func (d *Debouncer[P]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.has
}

// Flush runs the pending payload now, if any, and waits for runs already
// started by the timer. It returns the error of its own run, joined with
// ctx.Err() if the wait is cut short.
func (d *Debouncer[P]) Flush(ctx context.Context) error {
	var err error
	if payload, id, ok := d.take(0, false); ok {
		err = d.run(ctx, payload)
		d.finish(id)
	}

	d.mu.Lock()
	waits := make([]chan struct{}, 0, len(d.inflight))
	for _, ch := range d.inflight {
		waits = append(waits, ch)
	}
	d.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Cancel drops the pending payload without running it.
func (d *Debouncer[P]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *Debouncer[P]) fire(gen uint64) {
	payload, id, ok := d.take(gen, true)
	if !ok {
		return
	}
	defer d.finish(id)
	if err := d.run(context.Background(), payload); err != nil {
		d.onError(err)
	}
}

// take claims the pending payload. With checkGen set it only succeeds for
// the timer generation that is current, so a timer that fired while being
// replaced does not steal the newer payload early.
func (d *Debouncer[P]) take(gen uint64, checkGen bool) (P, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero P
	if !d.has || (checkGen && gen != d.gen) {
		return zero, 0, false
	}
	payload := d.pending
	d.reset()
	d.seq++
	d.inflight[d.seq] = make(chan struct{})
	return payload, d.seq, true
}

func (d *Debouncer[P]) finish(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.inflight[id]; ok {
		close(ch)
		delete(d.inflight, id)
	}
}

// reset returns to idle. Callers hold d.mu.
func (d *Debouncer[P]) reset() {
	var zero P
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = zero
	d.has = false
	d.gen++
}
