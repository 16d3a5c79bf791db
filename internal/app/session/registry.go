// Package session runs one streaming task per connected viewer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrRegistryClosed   = errors.New("registry closed")
)

const DefaultTick = 20 * time.Millisecond

// FrameReader is the read side of the capture source.
type FrameReader interface {
	Current() *domain.Frame
	// Faulted reports a device failure that blocks new sessions.
	Faulted() error
}

type Config struct {
	// Tick is the send cadence and the duration stamped on every sample.
	Tick time.Duration
	// FirstFrameTimeout bounds the Starting state; zero waits forever.
	FirstFrameTimeout time.Duration
}

// Registry maps viewer ids to their sessions. Insert, remove and count are
// the only operations done under the lock.
type Registry struct {
	ctx      context.Context
	frames   FrameReader
	encoders core.EncoderFactory
	cfg      Config

	mu        sync.Mutex
	sessions  map[domain.ViewerID]*Session
	onEvicted func(domain.ViewerID, error)
	closed    bool

	wg sync.WaitGroup
}

// NewRegistry binds every session task to ctx.
func NewRegistry(ctx context.Context, frames FrameReader, encoders core.EncoderFactory, cfg Config) *Registry {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Registry{
		ctx:      ctx,
		frames:   frames,
		encoders: encoders,
		cfg:      cfg,
		sessions: make(map[domain.ViewerID]*Session),
	}
}

// OnEvicted registers fn to run after a session ended on its own (sink,
// encoder or camera failure). It is not called for Stop.
func (r *Registry) OnEvicted(fn func(domain.ViewerID, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvicted = fn
}

// Start inserts a Starting session for id and spawns its task.
func (r *Registry) Start(id domain.ViewerID, sink core.Sink) error {
	if err := r.frames.Faulted(); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("viewer", string(id)).Msg("start rejected, camera faulted")
		return fmt.Errorf("start %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	s := newSession(id, sink, cancel)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("start %s: %w", id, ErrRegistryClosed)
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		cancel()
		log.Warn().Str("module", "session").Str("viewer", string(id)).Msg("duplicate start rejected")
		return fmt.Errorf("start %s: %w", id, ErrDuplicateSession)
	}
	r.sessions[id] = s
	r.wg.Add(1)
	r.mu.Unlock()

	log.Info().Str("module", "session").Str("viewer", string(id)).Msg("session starting")
	go r.run(ctx, s)
	return nil
}

// Stop cancels the session for id if there is one. It is idempotent and
// safe against a concurrent self-eviction.
func (r *Registry) Stop(id domain.ViewerID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.stopping()
	s.cancel()
	log.Info().Str("module", "session").Str("viewer", string(id)).Msg("session stopping")
	return true
}

// ActiveCount is the number of live sessions, Starting or Active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id domain.ViewerID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// RequestKeyframe makes the next sample of id's stream a keyframe.
func (r *Registry) RequestKeyframe(id domain.ViewerID) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	s.keyframe.Store(true)
	return true
}

// Snapshot lists live sessions ordered by start time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops every session and waits for their tasks to exit. Start
// fails with ErrRegistryClosed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]domain.ViewerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
	r.wg.Wait()
}

// remove deletes s only if it is still the entry for its id, so a newer
// session under the same id is never evicted by an old task.
func (r *Registry) remove(s *Session) (bool, func(domain.ViewerID, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true, r.onEvicted
	}
	return false, nil
}

func (r *Registry) run(ctx context.Context, s *Session) {
	logger := log.With().Str("module", "session").Str("viewer", string(s.ID)).Logger()
	defer r.wg.Done()
	defer close(s.done)

	err := r.stream(ctx, s, &logger)

	evicted, hook := r.remove(s)
	s.cancel()
	s.close()

	switch {
	case !evicted, errors.Is(err, context.Canceled):
		logger.Info().Uint64("samples", s.samples.Load()).Msg("session closed")
	default:
		logger.Warn().Err(err).Uint64("samples", s.samples.Load()).Msg("session aborted")
		if hook != nil {
			hook(s.ID, err)
		}
	}
}

// stream is the task body. The encoder is created here and always closed
// here, whatever ends the loop.
func (r *Registry) stream(ctx context.Context, s *Session, logger *zerolog.Logger) error {
	first, err := r.awaitFirstFrame(ctx)
	if err != nil {
		return err
	}

	enc, err := r.encoders.NewEncoder(first.Width, first.Height)
	if err != nil {
		return err
	}
	defer func() {
		if err := enc.Close(); err != nil {
			logger.Warn().Err(err).Msg("encoder close error")
		}
	}()

	if !s.activate() {
		return ctx.Err()
	}
	logger.Info().Int("width", first.Width).Int("height", first.Height).Msg("session active")

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	var last uint64
	frame := first
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// a camera that died mid-stream ends the session instead of freezing it
		if err := r.frames.Faulted(); err != nil {
			return err
		}
		if frame != nil && frame.Seq != last {
			last = frame.Seq
			if err := r.send(s, enc, frame); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame = r.frames.Current()
	}
}

func (r *Registry) send(s *Session, enc core.Encoder, frame *domain.Frame) error {
	if s.keyframe.Swap(false) {
		enc.ForceKeyframe()
	}
	sample, err := enc.Encode(frame)
	switch {
	case errors.Is(err, core.ErrFrameSkipped):
		s.skipped.Add(1)
		return nil
	case err != nil:
		return err
	}
	if err := s.sink.WriteSample(sample, r.cfg.Tick); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSinkWrite, err)
	}
	s.samples.Add(1)
	return nil
}

func (r *Registry) awaitFirstFrame(ctx context.Context) (*domain.Frame, error) {
	var deadline <-chan time.Time
	if r.cfg.FirstFrameTimeout > 0 {
		t := time.NewTimer(r.cfg.FirstFrameTimeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		if f := r.frames.Current(); f != nil {
			return f, nil
		}
		if err := r.frames.Faulted(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: no frame within %s", core.ErrCameraUnavailable, r.cfg.FirstFrameTimeout)
		case <-ticker.C:
		}
	}
}
