package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the position of a poller in its pass cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}

	return "unknown"
}

// ErrStopped is returned to manual polls of a poller that is not running.
var ErrStopped = errors.New("poller stopped")

// errFinal marks a pass failure after which the poller stops for good.
type errFinal struct{ err error }

func (e errFinal) Error() string { return e.err.Error() }
func (e errFinal) Unwrap() error { return e.err }

// Final wraps err so the poller stops after reporting it.
func Final(err error) error { return errFinal{err: err} }

// Result is the outcome of one pass, shared by every coalesced caller.
type Result[T any] struct {
	Value T
	Err   error
}

// Metrics observes poll passes.
type Metrics interface {
	ObservePoll(target string, d time.Duration, err error)
}

// round is one scheduled or running pass and the callers waiting on it.
type round[T any] struct {
	done chan struct{}
	res  Result[T]
}

func newRound[T any]() *round[T] { return &round[T]{done: make(chan struct{})} }

// loop runs passes of one poll target. A manual request joins the running
// pass if there is one, or the next pending pass otherwise, so concurrent
// requests never start more than one pass.
type loop[T any] struct {
	name    string
	pass    func(ctx context.Context) (T, error)
	delay   func(err error, value T) time.Duration
	state   atomic.Int32
	wake    chan struct{}
	metrics Metrics

	mu      sync.Mutex
	current *round[T] // current is the running pass
	pending *round[T] // pending is the requested pass not started yet
	stopped bool
}

func newLoop[T any](name string, pass func(context.Context) (T, error), delay func(error, T) time.Duration) *loop[T] {
	l := &loop[T]{
		name:  name,
		pass:  pass,
		delay: delay,
		wake:  make(chan struct{}, 1),
	}
	l.state.Store(int32(StateIdle))

	return l
}

// State returns the current state.
func (l *loop[T]) State() State { return State(l.state.Load()) }

// join returns the pass a manual request shares, scheduling one if none
// is running or pending.
func (l *loop[T]) join() (*round[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.stopped:
		return nil, ErrStopped
	case l.current != nil:
		return l.current, nil
	case l.pending == nil:
		l.pending = newRound[T]()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}

	return l.pending, nil
}

// PollOnce requests a pass and waits for its result.
func (l *loop[T]) PollOnce(ctx context.Context) (T, error) {
	var zero T

	p, err := l.join()
	if err != nil {
		return zero, err
	}

	select {
	case <-p.done:
		return p.res.Value, p.res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// start moves the pending pass, or a fresh one for a timer pass, to
// running. It returns nil on a stale wake-up.
func (l *loop[T]) start(manual bool) *round[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pending
	if p == nil {
		if manual {
			return nil
		}
		p = newRound[T]()
	}

	l.pending = nil
	l.current = p

	return p
}

// finish publishes the result of p to its callers.
func (l *loop[T]) finish(p *round[T], v T, err error) {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()

	p.res = Result[T]{Value: v, Err: err}
	close(p.done)
}

// stop refuses new requests and fails the pending one.
func (l *loop[T]) stop() {
	l.mu.Lock()
	l.stopped = true
	p := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.state.Store(int32(StateStopped))

	if p != nil {
		p.res = Result[T]{Err: ErrStopped}
		close(p.done)
	}
}

// run executes passes until ctx is done or a pass fails with a final
// error. With periodic set, a pass also starts when the delay elapses.
func (l *loop[T]) run(ctx context.Context, periodic bool) error {
	defer l.stop()

	timer := time.NewTimer(0)
	if !periodic {
		timer.Stop()
	}
	defer timer.Stop()

	for {
		manual := false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			manual = true
		case <-timer.C:
		}

		p := l.start(manual)
		if p == nil {
			continue
		}

		l.state.Store(int32(StatePolling))
		begin := time.Now()
		v, err := l.pass(ctx)
		if l.metrics != nil {
			l.metrics.ObservePoll(l.name, time.Since(begin), err)
		}

		l.finish(p, v, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var final errFinal
		if errors.As(err, &final) {
			return final.err
		}

		if err != nil {
			l.state.Store(int32(StateBackoff))
		} else {
			l.state.Store(int32(StateIdle))
		}

		if periodic {
			timer.Reset(l.delay(err, v))
		}
	}
}
