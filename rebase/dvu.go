package rebase

import (
	"context"
	"sync"
	"time"

	"rebaser/store"
)

// DependentValueNotifier is told when a change set has DependentValueRoot
// nodes left after a rebase, so dependent values can be recomputed.
type DependentValueNotifier interface {
	NotifyDependentValues(ctx context.Context, key store.Key)
}

// Debouncer is a DependentValueNotifier that coalesces notifications per
// change set: the first one arms a timer, later ones before it fires are
// absorbed, and fn runs once when it fires.
type Debouncer struct {
	interval time.Duration
	fn       func(key store.Key)

	mu     sync.Mutex
	timers map[store.Key]*time.Timer
	closed bool
}

// NewDebouncer creates a Debouncer calling fn at most once per interval and
// change set.
func NewDebouncer(interval time.Duration, fn func(key store.Key)) *Debouncer {
	return &Debouncer{interval: interval, fn: fn, timers: make(map[store.Key]*time.Timer)}
}

func (d *Debouncer) NotifyDependentValues(_ context.Context, key store.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, pending := d.timers[key]; pending {
		return
	}
	d.timers[key] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.fn(key)
		}
	})
}

// Pending reports whether a notification for key is waiting to fire.
func (d *Debouncer) Pending(key store.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop drops pending notifications.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyDependentValues(context.Context, store.Key) {}
