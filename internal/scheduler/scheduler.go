package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("scheduler stopped")

// Scheduler runs one-shot callbacks at absolute instants. Entries are keyed
// so callers can replace or cancel them; nothing is persisted.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
	log  zerolog.Logger

	mu      sync.Mutex
	armed   map[string]*entry
	stopped bool
}

type entry struct {
	id cron.EntryID
	at time.Time
}

// once yields its instant on the first Next call and never again, so the
// entry cannot recur the way a minute/hour/day/month expression would.
type once struct {
	at     time.Time
	handed atomic.Bool
}

func (o *once) Next(time.Time) time.Time {
	if o.handed.Swap(true) {
		return time.Time{}
	}
	return o.at
}

func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	l := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.PrintfLogger(&l)))),
		loc:   loc,
		log:   l,
		armed: map[string]*entry{},
	}
}

func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("tz", s.loc.String()).Msg("scheduler started")
}

// Stop halts dispatch and drops every armed entry. The returned context is
// done once running callbacks have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	s.armed = map[string]*entry{}
	s.mu.Unlock()
	return s.cron.Stop()
}

// Arm registers fn to run once at at. An existing entry under key is
// cancelled first. Instants already in the past fire immediately.
func (s *Scheduler) Arm(key string, at time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if prev, ok := s.armed[key]; ok {
		delete(s.armed, key)
		s.cron.Remove(prev.id)
	}

	e := &entry{at: at}
	e.id = s.cron.Schedule(&once{at: at.In(s.loc)}, cron.FuncJob(func() { s.fire(key, e, fn) }))
	s.armed[key] = e

	s.log.Debug().
		Str("key", key).
		Time("at", at.In(s.loc)).
		Str("cron_expr", Expression(at, s.loc)).
		Msg("timer armed")
	return nil
}

func (s *Scheduler) fire(key string, e *entry, fn func()) {
	s.mu.Lock()
	cur, ok := s.armed[key]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.armed, key)
	s.mu.Unlock()

	s.cron.Remove(e.id)
	fn()
}

// Cancel removes the entry under key. It reports false when nothing was
// armed, including when the callback has already started.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.armed[key]
	if ok {
		delete(s.armed, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	s.log.Debug().Str("key", key).Msg("timer cancelled")
	return true
}

func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Deadline returns the instant armed under key.
func (s *Scheduler) Deadline(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.armed[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Expression renders at as "minute hour day-of-month month *" in loc.
func Expression(at time.Time, loc *time.Location) string {
	if loc != nil {
		at = at.In(loc)
	}
	return fmt.Sprintf("%d %d %d %d *", at.Minute(), at.Hour(), at.Day(), int(at.Month()))
}

// TaskKey is the entry key for a scheduled message.
func TaskKey(id int64) string { return fmt.Sprintf("task:%d", id) }
