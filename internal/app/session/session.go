package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

type State int32

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one viewer's streaming task. Its encoder lives only inside
// the task goroutine.
type Session struct {
	ID domain.ViewerID

	sink      core.Sink
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	state    atomic.Int32
	keyframe atomic.Bool
	samples  atomic.Uint64
	skipped  atomic.Uint64
}

func newSession(id domain.ViewerID, sink core.Sink, cancel context.CancelFunc) *Session {
	return &Session{
		ID:        id,
		sink:      sink,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the task exited and released its encoder.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateStarting), int32(StateActive))
}

// stopping moves a live session to Stopping; a closed one stays closed.
func (s *Session) stopping() {
	for {
		cur := s.state.Load()
		if State(cur) >= StateStopping {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateStopping)) {
			return
		}
	}
}

func (s *Session) close() { s.state.Store(int32(StateClosed)) }

type Info struct {
	ID        domain.ViewerID `json:"id"`
	State     string          `json:"state"`
	Samples   uint64          `json:"samples"`
	Skipped   uint64          `json:"skipped"`
	StartedAt time.Time       `json:"started_at"`
}

func (s *Session) info() Info {
	return Info{
		ID:        s.ID,
		State:     s.State().String(),
		Samples:   s.samples.Load(),
		Skipped:   s.skipped.Load(),
		StartedAt: s.startedAt,
	}
}
