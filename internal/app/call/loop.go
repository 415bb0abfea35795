package call

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// loop runs queued funcs one at a time, in post order, on one goroutine.
// The queue is unbounded so hook callbacks never block the adapter that
// fires them.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		q := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range q {
			l.exec(fn)
		}
		if len(q) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "call").Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

// post enqueues fn. It reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. Must not be used from the
// loop goroutine itself.
func (l *loop) call(fn func()) bool {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// stop drains what is already queued and ends the goroutine.
func (l *loop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
