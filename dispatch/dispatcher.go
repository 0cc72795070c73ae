// Package dispatch wakes live-tail waiters when streams advance. Each
// stream gets its own watcher and wait list; a store-wide condition would
// stampede every parked request on every append.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidelog/tidelog/store"
)

// ErrWaiterLimit is returned when the process-wide soft cap on concurrent
// waiters is reached. The engine answers 503 with Retry-After.
var ErrWaiterLimit = errors.New("live waiter limit reached")

// DefaultMaxWaiters caps concurrent waiters per process.
const DefaultMaxWaiters = 10000

// Dispatcher implements store.Tail: a registry of per-stream watchers the
// stores notify after every append and terminate on delete.
type Dispatcher struct {
	mu         sync.Mutex
	watchers   map[string]*watcher
	waiters    int
	maxWaiters int
	logger     *zap.Logger
}

type watcher struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	after store.Offset
	wake  chan wakeSignal
	done  bool
}

type wakeSignal struct {
	head     store.Offset
	terminal bool
}

// Config configures a Dispatcher.
type Config struct {
	MaxWaiters int
	Logger     *zap.Logger
}

// New creates an empty dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = DefaultMaxWaiters
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		watchers:   make(map[string]*watcher),
		maxWaiters: cfg.MaxWaiters,
		logger:     cfg.Logger,
	}
}

// Waiters reports the number of currently registered waiters.
func (d *Dispatcher) Waiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters
}

// Register parks a waiter behind the given offset. Callers must Cancel the
// returned waiter; registration happens before the caller's head re-check
// so a racing append is never missed.
func (d *Dispatcher) Register(path string, after store.Offset) (store.TailWaiter, error) {
	d.mu.Lock()
	if d.waiters >= d.maxWaiters {
		d.mu.Unlock()
		return nil, ErrWaiterLimit
	}
	d.waiters++
	w, ok := d.watchers[path]
	if !ok {
		w = &watcher{}
		d.watchers[path] = w
	}
	d.mu.Unlock()

	// The wake channel is buffered so Notify never blocks on a waiter that
	// is still between registration and Wait.
	wt := &waiter{after: after, wake: make(chan wakeSignal, 1)}
	w.mu.Lock()
	w.waiters = append(w.waiters, wt)
	w.mu.Unlock()

	return &registration{d: d, path: path, w: wt}, nil
}

// Admit reserves one waiter slot for a long-lived live session, counted
// against the same cap as parked waiters. The release function is
// idempotent and must be called when the session ends.
func (d *Dispatcher) Admit() (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiters >= d.maxWaiters {
		return nil, ErrWaiterLimit
	}
	d.waiters++
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.waiters--
			d.mu.Unlock()
		})
	}, nil
}

// Notify wakes every waiter registered behind head.
func (d *Dispatcher) Notify(path string, head store.Offset) {
	d.mu.Lock()
	w := d.watchers[path]
	d.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	for _, wt := range w.waiters {
		if wt.done || wt.after >= head {
			continue
		}
		select {
		case wt.wake <- wakeSignal{head: head}:
		default:
		}
	}
	w.mu.Unlock()
}

// Terminate wakes all waiters for the stream with a terminal marker and
// drops the watcher. Waiters observe it as "no new data".
func (d *Dispatcher) Terminate(path string) {
	d.mu.Lock()
	w := d.watchers[path]
	delete(d.watchers, path)
	d.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	for _, wt := range w.waiters {
		if wt.done {
			continue
		}
		select {
		case wt.wake <- wakeSignal{terminal: true}:
		default:
		}
	}
	w.mu.Unlock()
}

// registration is one parked waiter's handle.
type registration struct {
	d    *Dispatcher
	path string
	w    *waiter

	once sync.Once
}

// Wait parks until the stream advances past the registered offset, the
// timeout elapses, or the stream is deleted. Spurious signals re-check the
// advancement condition.
func (r *registration) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig := <-r.w.wake:
			if sig.terminal {
				return false, nil
			}
			if sig.head > r.w.after {
				return true, nil
			}
			// Spurious: woken by an append that does not move past us.
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Cancel unregisters the waiter. Idempotent.
func (r *registration) Cancel() {
	r.once.Do(func() {
		d, path, wt := r.d, r.path, r.w

		d.mu.Lock()
		w := d.watchers[path]
		d.waiters--
		d.mu.Unlock()

		if w == nil {
			return
		}
		w.mu.Lock()
		wt.done = true
		for i, cand := range w.waiters {
			if cand == wt {
				w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
				break
			}
		}
		empty := len(w.waiters) == 0
		w.mu.Unlock()

		if empty {
			d.mu.Lock()
			if cur := d.watchers[path]; cur == w {
				cur.mu.Lock()
				if len(cur.waiters) == 0 {
					delete(d.watchers, path)
				}
				cur.mu.Unlock()
			}
			d.mu.Unlock()
		}
	})
}

var _ store.Tail = (*Dispatcher)(nil)
