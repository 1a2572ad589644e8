// Package timeout maintains the monotonic-clock deadline heap that
// drives PendingChange transitions, without executing any action
// itself - it only posts commands back to the Ledger.
package timeout

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// key identifies one armed deadline: a change can have at most one
// DEADLINE and one GRACE entry outstanding at a time.
type key struct {
	changeID string
	kind     entryKind
}

// Scheduler implements domain.TimeoutScheduler with a container/heap
// min-heap keyed on a monotonic time.Time. Go's time.Now() carries a
// monotonic reading that survives wall-clock adjustments, so an
// operator running `date -s` mid-flight cannot shorten or extend a
// window.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	h       entryHeap
	byKey   map[key]*entry
	wake    chan struct{}
	epoch   time.Time
}

var _ domain.TimeoutScheduler = (*Scheduler)(nil)

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		byKey:  make(map[key]*entry),
		wake:   make(chan struct{}, 1),
		epoch:  time.Now(),
	}
}

// Schedule arms a DEADLINE entry for changeID at the wall-clock time
// `at`, replacing any DEADLINE entry already armed for it. The
// OPEN -> GRACE transition arms a separate entry through ScheduleGrace.
func (s *Scheduler) Schedule(changeID string, at time.Time, fire func()) {
	s.arm(key{changeID, kindDeadline}, at, fire)
}

// ScheduleGrace arms the GRACE entry, distinct from the DEADLINE slot
// so a change can carry both a live deadline and a live grace timer
// during the brief window where dequeue order matters.
func (s *Scheduler) ScheduleGrace(changeID string, at time.Time, fire func()) {
	s.arm(key{changeID, kindGrace}, at, fire)
}

func (s *Scheduler) arm(k key, at time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[k]; ok {
		existing.canceled = true
	}

	e := &entry{changeID: k.changeID, kind: k.kind, at: s.monotonicNanos(at), fire: fire}
	s.byKey[k] = e
	heap.Push(&s.h, e)
	s.notify()
}

// Reschedule moves the DEADLINE entry for changeID to a new time,
// keeping its fire callback. It returns false if none is armed.
func (s *Scheduler) Reschedule(changeID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{changeID, kindDeadline}
	existing, ok := s.byKey[k]
	if !ok {
		return false
	}
	fire := existing.fire
	existing.canceled = true

	e := &entry{changeID: changeID, kind: kindDeadline, at: s.monotonicNanos(at), fire: fire}
	s.byKey[k] = e
	heap.Push(&s.h, e)
	s.notify()
	return true
}

// Cancel removes any armed DEADLINE or GRACE entry for changeID.
func (s *Scheduler) Cancel(changeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, kind := range []entryKind{kindDeadline, kindGrace} {
		k := key{changeID, kind}
		if e, ok := s.byKey[k]; ok {
			e.canceled = true
			delete(s.byKey, k)
			found = true
		}
	}
	return found
}

func (s *Scheduler) monotonicNanos(at time.Time) int64 {
	return int64(at.Sub(s.epoch))
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the heap, invoking each entry's fire callback as its
// deadline elapses, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.h.Len() == 0 {
			wait = time.Hour
		} else {
			nowMono := s.monotonicNanos(time.Now())
			wait = time.Duration(s.h[0].at - nowMono)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.fireDue()
		case <-s.wake:
		}
	}
}

func (s *Scheduler) fireDue() {
	nowMono := s.monotonicNanos(time.Now())

	var due []*entry
	s.mu.Lock()
	for s.h.Len() > 0 && s.h[0].at <= nowMono {
		e := heap.Pop(&s.h).(*entry)
		if e.canceled {
			continue
		}
		delete(s.byKey, key{e.changeID, e.kind})
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		e.fire()
	}
}
