// Package dispatch abstracts "run this on the designated update context".
//
// Producers (the ingestion engine, the connection state) never know which
// goroutine their notifications end up on; the caller decides by injecting
// a Dispatcher.
package dispatch

import (
	"context"
	"sync"
)

// Dispatcher delivers fn on its update context.
type Dispatcher interface {
	Dispatch(fn func())
}

// Inline runs fn synchronously on the caller's goroutine.
type Inline struct{}

func (Inline) Dispatch(fn func()) { fn() }

// Serial runs functions one at a time, in submission order, on the
// goroutine that calls Run.
type Serial struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// NewSerial creates a serial dispatcher with the given queue capacity.
func NewSerial(buffer int) *Serial {
	if buffer < 1 {
		buffer = 1
	}
	return &Serial{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run executes queued functions until ctx is cancelled or Close is called.
// Functions still queued at that point are drained before returning. A
// cancelled ctx closes the dispatcher, so later Dispatch calls are dropped.
func (s *Serial) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-ctx.Done():
			s.Close()
			s.drain()
			return ctx.Err()
		case <-s.done:
			s.drain()
			return nil
		}
	}
}

// Dispatch queues fn. It blocks while the queue is full and drops fn once
// the dispatcher is closed.
func (s *Serial) Dispatch(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// Close stops Run.
func (s *Serial) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Serial) drain() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		default:
			return
		}
	}
}
