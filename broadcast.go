package persistm

import (
	"context"
	"sync"
)

// Signal is a coalesced multi-subscriber notification. Broadcast wakes every
// waiter currently blocked in Wait; waiters re-check their stop condition and
// block again if it doesn't hold yet.
type Signal struct {
	mut     sync.Mutex
	waiters []chan struct{}
}

func NewSignal() *Signal {
	return &Signal{}
}

// Broadcast wakes all current waiters. Waiters arriving later block until the
// next broadcast.
func (s *Signal) Broadcast() {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, c := range s.waiters {
		close(c)
	}
	s.waiters = nil
}

// Wait blocks until cond holds, rechecking it after every broadcast. It
// returns ctx.Err() if the context expires first.
func (s *Signal) Wait(ctx context.Context, cond func() bool) error {
	for {
		if cond() {
			return nil
		}

		s.mut.Lock()
		c := make(chan struct{})
		s.waiters = append(s.waiters, c)
		s.mut.Unlock()

		// Re-check after subscribing so a broadcast between the first check and
		// the subscription isn't missed.
		if cond() {
			return nil
		}

		select {
		case <-c:
		case <-ctx.Done():
			s.forget(c)
			return ctx.Err()
		}
	}
}

// forget drops an abandoned subscription so timed-out waiters don't
// accumulate between broadcasts.
func (s *Signal) forget(c chan struct{}) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for i, w := range s.waiters {
		if w == c {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// oneshot is a single-assignment broadcast gate. Waiters may subscribe before
// or after resolution; resolve is idempotent.
type oneshot struct {
	c    chan struct{}
	once sync.Once
}

func newOneshot() *oneshot {
	return &oneshot{c: make(chan struct{})}
}

func (o *oneshot) resolve() {
	o.once.Do(func() {
		close(o.c)
	})
}

func (o *oneshot) resolved() bool {
	select {
	case <-o.c:
		return true
	default:
		return false
	}
}

func (o *oneshot) wait(ctx context.Context) error {
	select {
	case <-o.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
