// Package battletest provides deterministic time and event capture for Room tests.
package battletest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

type task struct {
	at      time.Duration
	seq     int
	fn      func()
	ctx     context.Context
	stopped bool
}

// ManualScheduler fires scheduled continuations only when Advance moves its clock.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*task
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (s *ManualScheduler) Schedule(ctx context.Context, d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &task{at: s.now + d, seq: s.seq, fn: fn, ctx: ctx}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		t.stopped = true
		s.mu.Unlock()
	}
}

// Advance moves the clock by d and runs every due, live task in time order.
// Tasks scheduled by those tasks run too if they fall due within the window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		next := s.popDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		s.mu.Unlock()
		if next.ctx.Err() == nil {
			next.fn()
		}
	}
}

func (s *ManualScheduler) popDue(target time.Duration) *task {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.stopped {
			live = append(live, t)
		}
	}
	s.tasks = live
	sort.Slice(s.tasks, func(i, j int) bool {
		if s.tasks[i].at != s.tasks[j].at {
			return s.tasks[i].at < s.tasks[j].at
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	if len(s.tasks) == 0 || s.tasks[0].at > target {
		return nil
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t
}

// Pending counts live tasks that have not fired yet.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && t.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Recorder captures events per role. It satisfies battle.Notifier.
type Recorder struct {
	mu     sync.Mutex
	events map[combat.Role][]battledto.Event
}

func NewRecorder() *Recorder {
	return &Recorder{events: make(map[combat.Role][]battledto.Event)}
}

func (r *Recorder) Notify(role combat.Role, ev battledto.Event) {
	r.mu.Lock()
	r.events[role] = append(r.events[role], ev)
	r.mu.Unlock()
}

// Events returns a copy of everything role has received.
func (r *Recorder) Events(role combat.Role) []battledto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]battledto.Event(nil), r.events[role]...)
}

// OfType filters role's events by type.
func (r *Recorder) OfType(role combat.Role, typ battledto.EventType) []battledto.Event {
	var out []battledto.Event
	for _, ev := range r.Events(role) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns role's most recent event, or a zero Event.
func (r *Recorder) Last(role combat.Role) battledto.Event {
	evs := r.Events(role)
	if len(evs) == 0 {
		return battledto.Event{}
	}
	return evs[len(evs)-1]
}

// Types lists the event types role received, in order.
func (r *Recorder) Types(role combat.Role) []battledto.EventType {
	evs := r.Events(role)
	out := make([]battledto.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
