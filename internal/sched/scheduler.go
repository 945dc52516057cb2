// Package sched runs periodic handlers off one clock.
//
// Every timer a session owns (presence heartbeat, economy tick, checkpoint,
// message expiry) is registered here instead of starting its own ticker, so
// teardown is a single Stop and tests can drive time with Advance.
package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultResolution = 50 * time.Millisecond

type Handler func(now time.Time)

type job struct {
	name    string
	period  time.Duration
	next    time.Time
	fn      Handler
	seq     int
	oneShot bool
	dead    bool
}

type Scheduler struct {
	log        *slog.Logger
	resolution time.Duration

	mu   sync.Mutex
	now  time.Time
	jobs []*job
	seq  int

	alive atomic.Bool
	done  chan struct{}
	once  sync.Once
}

// New returns a scheduler whose clock starts at start. Pass time.Now() for a
// wall-clock scheduler driven by Run, or any fixed instant for a manual one
// driven by Advance.
func New(start time.Time, resolution time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	s := &Scheduler{
		log:        log,
		resolution: resolution,
		now:        start,
		done:       make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// Every registers fn to run each period, first at now+period. The returned
// function cancels it.
func (s *Scheduler) Every(name string, period time.Duration, fn Handler) func() {
	if period <= 0 {
		period = s.resolution
	}
	return s.add(&job{name: name, period: period, fn: fn}, period)
}

// After registers fn to run once, d from now.
func (s *Scheduler) After(name string, d time.Duration, fn Handler) func() {
	return s.add(&job{name: name, fn: fn, oneShot: true}, d)
}

func (s *Scheduler) add(j *job, delay time.Duration) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j.seq = s.seq
	j.next = s.now.Add(delay)
	s.jobs = append(s.jobs, j)
	return func() {
		s.mu.Lock()
		j.dead = true
		s.mu.Unlock()
	}
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) Alive() bool { return s.alive.Load() }

// Advance moves the clock forward by d, running every handler that falls due
// in order of due time, ties broken by registration order. A handler due
// several times within d runs once per period.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	s.advanceTo(target)
}

func (s *Scheduler) advanceTo(target time.Time) {
	for {
		if !s.alive.Load() {
			return
		}
		s.mu.Lock()
		j := s.nextDueLocked(target)
		if j == nil {
			if target.After(s.now) {
				s.now = target
			}
			s.mu.Unlock()
			return
		}
		due := j.next
		s.now = due
		if j.oneShot {
			j.dead = true
		} else {
			j.next = due.Add(j.period)
		}
		s.mu.Unlock()

		// Handlers may call Stop; checked before each one so nothing runs
		// against a torn-down session.
		if !s.alive.Load() {
			return
		}
		s.run(j, due)
	}
}

func (s *Scheduler) nextDueLocked(target time.Time) *job {
	live := s.jobs[:0]
	for _, j := range s.jobs {
		if !j.dead {
			live = append(live, j)
		}
	}
	s.jobs = live
	sort.SliceStable(s.jobs, func(a, b int) bool {
		if s.jobs[a].next.Equal(s.jobs[b].next) {
			return s.jobs[a].seq < s.jobs[b].seq
		}
		return s.jobs[a].next.Before(s.jobs[b].next)
	})
	if len(s.jobs) == 0 || s.jobs[0].next.After(target) {
		return nil
	}
	return s.jobs[0]
}

func (s *Scheduler) run(j *job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled handler panicked", "handler", j.name, "panic", r)
		}
	}()
	j.fn(now)
}

// Run drives the scheduler from the wall clock until ctx is done or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case t := <-ticker.C:
			s.advanceTo(t)
		}
	}
}

// Stop halts the scheduler. No handler starts after Stop returns; one that is
// already running completes.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}
