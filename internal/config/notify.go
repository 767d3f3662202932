package config

import (
	"sync"

	"SwarmSync/internal/account"
)

// Event is a change notification.
type Event interface{ event() }

// UserConfigsModified is emitted after user objects changed.
type UserConfigsModified struct {
	Kinds     []Kind
	FromMerge bool // FromMerge is set when the change came from the network
}

// GroupConfigsUpdated is emitted after a group's objects changed.
type GroupConfigsUpdated struct {
	Group     account.ID
	FromMerge bool
}

func (UserConfigsModified) event() {}
func (GroupConfigsUpdated) event() {}

// Listener receives events on the dispatcher goroutine.
type Listener func(Event)

// dispatcher delivers events in order on its own goroutine. Enqueue never
// blocks, so it is safe to call while holding an owner lock.
type dispatcher struct {
	mu        sync.Mutex
	queue     []Event
	listeners []Listener
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) subscribe(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			listeners := append([]Listener(nil), d.listeners...)
			d.mu.Unlock()

			for _, l := range listeners {
				l(ev)
			}
		}
	}
}

func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
