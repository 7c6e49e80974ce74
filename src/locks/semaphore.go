package locks

import (
	"context"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// Semaphore is a counting lock with FIFO fairness. Waiters queue in
// arrival order and are woken one at a time on release. Every
// acquisition returns a Permit whose Release is idempotent, so scoped
// acquisitions cannot leak permits on any exit path.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters []*waiter
}

type waiter struct {
	ready chan struct{}
	label string
}

// NewSemaphore creates a semaphore with the given number of permits.
// Anything below one falls back to a single permit.
func NewSemaphore(permits int) *Semaphore {
	if permits < 1 {
		permits = 1
	}
	return &Semaphore{permits: permits}
}

// Acquire takes a permit, blocking in FIFO order behind earlier
// waiters. Cancelling the context removes the waiter from the queue;
// if the grant raced with cancellation, the permit is handed to the
// next waiter.
func (s *Semaphore) Acquire(ctx context.Context, label string) (*Permit, error) {
	s.mu.Lock()
	if s.permits > 0 && len(s.waiters) == 0 {
		s.permits--
		s.mu.Unlock()
		return &Permit{sem: s, label: label}, nil
	}

	w := &waiter{ready: make(chan struct{}), label: label}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		granted := true
		for i, queued := range s.waiters {
			if queued == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				granted = false
				break
			}
		}
		s.mu.Unlock()

		if granted {
			// Grant raced with cancellation: pass the permit on.
			s.release()
		}

		logger.WithField("label", label).Debug("Semaphore acquisition cancelled")
		return nil, ctx.Err()

	case <-w.ready:
		return &Permit{sem: s, label: label}, nil
	}
}

func (s *Semaphore) release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(next.ready)
		return
	}
	s.permits++
	s.mu.Unlock()
}

// Permit is a granted semaphore acquisition. Release returns the
// permit exactly once; further calls are no-ops.
type Permit struct {
	sem   *Semaphore
	label string
	once  sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.sem.release()
	})
}
