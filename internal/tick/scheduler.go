// Package tick paces a fixed-rate simulation loop against wall-clock time.
//
// A Scheduler never fabricates or drops time: each Begin moves elapsed wall
// time into a residue, pays out whole ticks from it, and carries the
// remainder forward.
package tick

import (
	"context"
	"fmt"
	"time"
)

// DefaultWakeReserve is the time set aside for the OS to wake the loop after
// a sleep. Sleeping the full remainder would make every tick late by it.
const DefaultWakeReserve = 500 * time.Microsecond

// Clock abstracts wall-clock time so pacing can be tested deterministically.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithWakeReserve replaces DefaultWakeReserve.
func WithWakeReserve(d time.Duration) Option {
	return func(s *Scheduler) { s.reserve = d }
}

// Scheduler tracks the previous iteration timestamp and the unspent residue.
// It is not safe for concurrent use.
type Scheduler struct {
	clock   Clock
	tps     int
	tick    time.Duration
	reserve time.Duration

	prev    time.Time
	residue time.Duration
}

// NewScheduler creates a Scheduler for tps ticks per second, starting now.
//
// Precondition: tps > 0.
// Postcondition: Residue() == 0.
func NewScheduler(tps int, opts ...Option) *Scheduler {
	if tps <= 0 {
		panic(fmt.Sprintf("tick: tps must be positive, got %d", tps))
	}
	s := &Scheduler{
		clock:   systemClock{},
		tps:     tps,
		tick:    time.Second / time.Duration(tps),
		reserve: DefaultWakeReserve,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prev = s.clock.Now()
	return s
}

// Begin marks the start of a loop iteration and returns how many ticks are
// owed since the previous one. Under normal load this is 1.
//
// Postcondition: Result >= 0 and 0 <= Residue() < TickDuration().
func (s *Scheduler) Begin() int {
	now := s.clock.Now()
	if elapsed := now.Sub(s.prev); elapsed > 0 {
		s.residue += elapsed
	}
	s.prev = now

	owed := s.residue / s.tick
	s.residue -= owed * s.tick
	return int(owed)
}

// End marks the end of the iteration's work and sleeps until the next tick
// is due. The sleep is skipped when the work already spent the budget.
func (s *Scheduler) End(ctx context.Context) {
	work := s.clock.Now().Sub(s.prev)
	cost := s.residue + work + s.reserve
	if cost >= s.tick {
		return
	}
	s.clock.Sleep(ctx, s.tick-cost)
}

// TickDuration returns the fixed duration of one tick.
func (s *Scheduler) TickDuration() time.Duration { return s.tick }

// TPS returns the target ticks per second.
func (s *Scheduler) TPS() int { return s.tps }

// Residue returns the time carried into the next Begin.
func (s *Scheduler) Residue() time.Duration { return s.residue }
