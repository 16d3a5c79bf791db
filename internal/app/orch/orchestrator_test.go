package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/app/capture"
	"github.com/dkeye/Rover/internal/app/session"
	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

type fakeSessions struct {
	mu       sync.Mutex
	calls    []string
	live     map[domain.ViewerID]bool
	keyframe []domain.ViewerID
	evicted  func(domain.ViewerID, error)
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[domain.ViewerID]bool)}
}

func (f *fakeSessions) Start(id domain.ViewerID, _ core.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+string(id))
	if f.startErr != nil {
		return f.startErr
	}
	f.live[id] = true
	return nil
}

func (f *fakeSessions) Stop(id domain.ViewerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+string(id))
	ok := f.live[id]
	delete(f.live, id)
	return ok
}

func (f *fakeSessions) RequestKeyframe(id domain.ViewerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframe = append(f.keyframe, id)
	return f.live[id]
}

func (f *fakeSessions) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeSessions) Snapshot() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Info, 0, len(f.live))
	for id := range f.live {
		out = append(out, session.Info{ID: id, State: session.StateActive.String()})
	}
	return out
}

func (f *fakeSessions) OnEvicted(fn func(domain.ViewerID, error)) { f.evicted = fn }

func (f *fakeSessions) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakePeer struct {
	id     domain.ViewerID
	closes atomic.Int32
}

func (p *fakePeer) ID() domain.ViewerID { return p.id }
func (p *fakePeer) Close() error {
	p.closes.Add(1)
	return nil
}

type fakeActuator struct {
	mu    sync.Mutex
	moves [][2]float64
	err   error
}

func (a *fakeActuator) Actuate(_ context.Context, x, y float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moves = append(a.moves, [2]float64{x, y})
	return a.err
}

func (a *fakeActuator) Close() error { return nil }

type fakeFrameStats struct{}

func (fakeFrameStats) Stats() capture.Stats { return capture.Stats{Powered: true, Seq: 7} }

func startOrch(t *testing.T, act core.Actuator) (*Orchestrator, *bus.Bus, *fakeSessions) {
	t.Helper()
	b := bus.New()
	s := newFakeSessions()
	o := New(b, s, fakeFrameStats{}, act)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o, b, s
}

func TestSessionCommandsApplyInOrder(t *testing.T) {
	_, b, s := startOrch(t, nil)

	b.Start.Publish(bus.StartSession{ID: "a"})
	b.Stop.Publish(bus.StopSession{ID: "a"})
	b.Start.Publish(bus.StartSession{ID: "b"})

	require.Eventually(t, func() bool { return len(s.history()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"start:a", "stop:a", "start:b"}, s.history())
	assert.Equal(t, 1, s.ActiveCount())
}

func TestStopClosesRegisteredPeer(t *testing.T) {
	o, b, _ := startOrch(t, nil)
	p := &fakePeer{id: "a"}

	b.Peers.Publish(bus.PeerRegistered{Peer: p})
	b.Start.Publish(bus.StartSession{ID: "a"})
	require.Eventually(t, func() bool { return o.PeerCount() == 1 }, time.Second, time.Millisecond)

	b.Stop.Publish(bus.StopSession{ID: "a", Reason: "disconnected"})
	require.Eventually(t, func() bool { return p.closes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, o.PeerCount())

	b.Stop.Publish(bus.StopSession{ID: "a"})
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, p.closes.Load())
}

func TestReRegisteredPeerClosesPrevious(t *testing.T) {
	o, b, _ := startOrch(t, nil)
	first, second := &fakePeer{id: "a"}, &fakePeer{id: "a"}

	b.Peers.Publish(bus.PeerRegistered{Peer: first})
	b.Peers.Publish(bus.PeerRegistered{Peer: second})
	require.Eventually(t, func() bool { return first.closes.Load() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 0, second.closes.Load())
	assert.Equal(t, 1, o.PeerCount())
}

func TestEvictionClosesPeer(t *testing.T) {
	o, b, s := startOrch(t, nil)
	p := &fakePeer{id: "a"}
	b.Peers.Publish(bus.PeerRegistered{Peer: p})
	require.Eventually(t, func() bool { return o.PeerCount() == 1 }, time.Second, time.Millisecond)

	s.evicted("a", core.ErrSinkWrite)
	assert.EqualValues(t, 1, p.closes.Load())
	assert.Equal(t, 0, o.PeerCount())
}

func TestKeyframeRequestsReachSessions(t *testing.T) {
	_, b, s := startOrch(t, nil)
	b.Keyframe.Publish(bus.RequestKeyframe{ID: "a"})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.keyframe) == 1
	}, time.Second, time.Millisecond)
}

func TestActuateReachesActuator(t *testing.T) {
	act := &fakeActuator{err: errors.New("motor offline")}
	_, b, _ := startOrch(t, act)

	require.Equal(t, 1, b.Actuate.Publish(bus.Actuate{X: 0.25, Y: -1}))
	b.Actuate.Publish(bus.Actuate{X: 0, Y: 0})

	require.Eventually(t, func() bool {
		act.mu.Lock()
		defer act.mu.Unlock()
		return len(act.moves) == 2
	}, time.Second, time.Millisecond)
	act.mu.Lock()
	defer act.mu.Unlock()
	assert.Equal(t, [][2]float64{{0.25, -1}, {0, 0}}, act.moves)
}

func TestWithoutActuatorMovesAreDropped(t *testing.T) {
	_, b, _ := startOrch(t, nil)
	assert.Equal(t, 0, b.Actuate.Publish(bus.Actuate{X: 1}))
}

func TestShutdownClosesPeersAndDetaches(t *testing.T) {
	b := bus.New()
	o := New(b, newFakeSessions(), fakeFrameStats{}, nil)
	p := &fakePeer{id: "a"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()

	b.Peers.Publish(bus.PeerRegistered{Peer: p})
	require.Eventually(t, func() bool { return o.PeerCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.EqualValues(t, 1, p.closes.Load())
	assert.Equal(t, 0, b.Start.Subscribers())
	assert.Equal(t, 0, b.Peers.Publish(bus.PeerRegistered{Peer: p}))
}

func TestStatus(t *testing.T) {
	o, b, s := startOrch(t, nil)
	b.Start.Publish(bus.StartSession{ID: "a"})
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, time.Second, time.Millisecond)

	st := o.Status()
	assert.Equal(t, 1, st.Active)
	assert.EqualValues(t, 7, st.Camera.Seq)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, domain.ViewerID("a"), st.Sessions[0].ID)
}
