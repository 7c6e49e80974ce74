package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
)

// Clock abstracts time so backoff behavior is testable without real
// timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock returns the wall clock.
func NewRealClock() Clock { return realClock{} }

// Duty is one periodic job with self-tuning interval state. On
// success the interval shrinks by Step toward Min; on a rate-limit
// error it doubles up to Max; on any other error it stays put.
type Duty struct {
	Name string
	Run  func(ctx context.Context) error

	Interval time.Duration
	Min      time.Duration
	Max      time.Duration
	Step     time.Duration

	ErrorCount    int
	LastErrorTime time.Time
}

// adjust applies the backoff policy to the duty's interval state.
func (d *Duty) adjust(err error, now time.Time) {
	if err == nil {
		d.Interval -= d.Step
		if d.Interval < d.Min {
			d.Interval = d.Min
		}
		return
	}

	d.ErrorCount++
	d.LastErrorTime = now

	if connectors.IsRateLimit(err) {
		d.Interval *= 2
		if d.Interval > d.Max {
			d.Interval = d.Max
		}
		logger.WithFields(map[string]interface{}{
			"component": "Scheduler",
			"duty":      d.Name,
			"interval":  d.Interval.String(),
		}).Warn("Rate limited, widening duty interval")
		return
	}

	logger.WithFields(map[string]interface{}{
		"component": "Scheduler",
		"duty":      d.Name,
	}).WithError(err).Error("Duty run failed, interval unchanged")
}

// Scheduler drives a set of duties cooperatively: each duty runs on
// its own timer goroutine and reschedules itself after every run, so
// no duty ever blocks another.
type Scheduler struct {
	clock  Clock
	duties []*Duty
	wg     sync.WaitGroup
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock}
}

// Add registers a duty. Must be called before Start.
func (s *Scheduler) Add(duty *Duty) {
	s.duties = append(s.duties, duty)
}

// Start launches every duty loop. It returns immediately; use Wait to
// block until the context ends and all loops drain.
func (s *Scheduler) Start(ctx context.Context) {
	for _, duty := range s.duties {
		duty := duty
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, duty)
		}()
	}
}

// Wait blocks until all duty loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, duty *Duty) {
	logger.WithFields(map[string]interface{}{
		"component": "Scheduler",
		"duty":      duty.Name,
		"interval":  duty.Interval.String(),
	}).Info("Duty loop started")

	for {
		select {
		case <-ctx.Done():
			logger.WithFields(map[string]interface{}{
				"component": "Scheduler",
				"duty":      duty.Name,
			}).Info("Duty loop stopped")
			return

		case <-s.clock.After(duty.Interval):
			err := s.runOnce(ctx, duty)
			duty.adjust(err, s.clock.Now())
		}
	}
}

// runOnce executes a duty, converting panics into plain errors so a
// misbehaving duty never takes down the loop.
func (s *Scheduler) runOnce(ctx context.Context, duty *Duty) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("duty %s panicked: %v", duty.Name, r)
		}
	}()

	return duty.Run(ctx)
}
