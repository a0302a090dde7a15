// Package beep runs named, cancellable periodic notifications.
//
// A beep activity prints "<id>: beep_seq=<n> <message>" every interval until
// its duration elapses or it is stopped. Each activity owns one cancellation
// token shared by its two goroutines: the ticker, which posts ticks onto the
// session's event loop, and the duration wait. All activity state is only
// touched from the event loop goroutine.
package beep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/awarmack/supalab/internal/config"
	"github.com/awarmack/supalab/internal/tasks"
)

// ErrInvalidInterval is returned when a beep would tick with a non-positive interval.
var ErrInvalidInterval = errors.New("beep interval must be positive")

// State is the lifecycle state of an activity.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Poster enqueues work on the goroutine that owns the scheduler.
type Poster interface {
	Post(fn func()) bool
}

// Activity is one running beep.
type Activity struct {
	ID    int
	Spec  Spec
	state State
	seq   int

	// cancel is the activity's cancellation token. It is invoked exactly once
	// per stop; context.CancelFunc makes repeated calls harmless.
	ctx    context.Context
	cancel context.CancelFunc

	tickerTask int64
	waitTask   int64
}

// Info is a read-only snapshot of an activity.
type Info struct {
	ID    int
	Spec  Spec
	State State
	Seq   int
}

// Scheduler owns the set of active beep activities.
// Its methods must be called from the event loop goroutine.
type Scheduler struct {
	loop   Poster
	tasks  *tasks.Registry
	out    io.Writer
	logger *slog.Logger

	active map[int]*Activity
}

// NewScheduler creates a scheduler that prints to out and posts ticks to loop.
func NewScheduler(loop Poster, registry *tasks.Registry, out io.Writer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		loop:   loop,
		tasks:  registry,
		out:    out,
		logger: logger,
		active: make(map[int]*Activity),
	}
}

// Start parses args, starts a new activity and returns its ID. The first
// tick is printed before Start returns.
func (s *Scheduler) Start(args string) (int, error) {
	spec := ParseSpec(args)
	spec.Message = config.RestoreSpaces(spec.Message)
	if spec.Interval <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidInterval, spec.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Activity{
		ID:     s.allocateID(),
		Spec:   spec,
		state:  StateCreated,
		ctx:    ctx,
		cancel: cancel,
	}
	s.active[a.ID] = a
	a.state = StateRunning

	a.tickerTask = s.tasks.Register("beep-ticker")
	_ = s.tasks.SetAttribute(a.tickerTask, "beep_id", a.ID)
	_ = s.tasks.SetAttribute(a.tickerTask, "interval", spec.Interval)
	_ = s.tasks.SetAttribute(a.tickerTask, "message", spec.Message)
	a.waitTask = s.tasks.Register("beep-wait")
	_ = s.tasks.SetAttribute(a.waitTask, "beep_id", a.ID)
	_ = s.tasks.SetAttribute(a.waitTask, "duration", spec.Duration)

	if s.logger != nil {
		s.logger.Debug("Beep started",
			"beep_id", a.ID,
			"interval", spec.Interval,
			"duration", spec.Duration)
	}

	s.tick(a)
	go s.runTicker(a)
	go s.runWait(a)
	return a.ID, nil
}

// allocateID returns the smallest non-negative ID not currently active.
func (s *Scheduler) allocateID() int {
	id := 0
	for {
		if _, ok := s.active[id]; !ok {
			return id
		}
		id++
	}
}

// Stop stops the activity with the given ID. It reports whether an activity
// was stopped; stopping an unknown ID is a no-op.
func (s *Scheduler) Stop(id int) bool {
	a, ok := s.active[id]
	if !ok {
		return false
	}
	s.stop(a, "stopped")
	return true
}

// StopAll stops every active activity and returns how many were stopped.
func (s *Scheduler) StopAll() int {
	ids := s.IDs()
	for _, id := range ids {
		s.Stop(id)
	}
	return len(ids)
}

// IDs returns the active IDs in ascending order.
func (s *Scheduler) IDs() []int {
	ids := make([]int, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of active activities.
func (s *Scheduler) Len() int {
	return len(s.active)
}

// List returns snapshots of the active activities ordered by ID.
func (s *Scheduler) List() []Info {
	out := make([]Info, 0, len(s.active))
	for _, id := range s.IDs() {
		a := s.active[id]
		out = append(out, Info{ID: a.ID, Spec: a.Spec, State: a.state, Seq: a.seq})
	}
	return out
}

func (s *Scheduler) stop(a *Activity, reason string) {
	if a.state != StateRunning {
		return
	}
	a.state = StateStopped
	if s.active[a.ID] == a {
		delete(s.active, a.ID)
	}
	a.cancel()
	if s.logger != nil {
		s.logger.Debug("Beep stopped", "beep_id", a.ID, "reason", reason, "ticks", a.seq)
	}
}

// tick prints the next sequence line if the activity is still running.
func (s *Scheduler) tick(a *Activity) {
	if a.state != StateRunning {
		return
	}
	a.seq++
	fmt.Fprintf(s.out, "%d: beep_seq=%d %s\n", a.ID, a.seq, a.Spec.Message)
	_ = s.tasks.SetAttribute(a.tickerTask, "seq", a.seq)
}

func (s *Scheduler) expire(a *Activity) {
	s.stop(a, "expired")
}

// runTicker posts a tick every interval until the token is cancelled.
func (s *Scheduler) runTicker(a *Activity) {
	defer s.tasks.Deregister(a.tickerTask)

	ticker := time.NewTicker(a.Spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if !s.loop.Post(func() { s.tick(a) }) {
				return
			}
		}
	}
}

// runWait waits for the duration or the token, whichever comes first.
func (s *Scheduler) runWait(a *Activity) {
	defer s.tasks.Deregister(a.waitTask)

	timer := time.NewTimer(a.Spec.Duration)
	defer timer.Stop()

	select {
	case <-a.ctx.Done():
	case <-timer.C:
		s.loop.Post(func() { s.expire(a) })
	}
}
