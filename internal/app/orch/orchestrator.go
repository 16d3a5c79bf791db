// Package orch wires the command bus to the session engine and the
// actuator, and reconciles camera power with the number of sessions.
package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/app/capture"
	"github.com/dkeye/Rover/internal/app/session"
	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

// Sessions is what the orchestrator needs from the session registry.
type Sessions interface {
	Start(id domain.ViewerID, sink core.Sink) error
	Stop(id domain.ViewerID) bool
	RequestKeyframe(id domain.ViewerID) bool
	ActiveCount() int
	Snapshot() []session.Info
	OnEvicted(fn func(domain.ViewerID, error))
}

// FrameStats is the capture side as seen by status reporting.
type FrameStats interface {
	Stats() capture.Stats
}

type Orchestrator struct {
	Bus      *bus.Bus
	Sessions Sessions
	Frames   FrameStats
	Actuator core.Actuator

	// Session commands share one mailbox so a Start followed by a Stop for
	// the same viewer is applied in that order. Actuation runs separately.
	sessionBox  *bus.Mailbox
	actuatorBox *bus.Mailbox
	cancels     []func()

	mu    sync.Mutex
	peers map[domain.ViewerID]core.Peer
}

func New(b *bus.Bus, sessions Sessions, frames FrameStats, act core.Actuator) *Orchestrator {
	o := &Orchestrator{
		Bus:         b,
		Sessions:    sessions,
		Frames:      frames,
		Actuator:    act,
		sessionBox:  bus.NewMailbox("sessions"),
		actuatorBox: bus.NewMailbox("actuator"),
		peers:       make(map[domain.ViewerID]core.Peer),
	}

	o.cancels = append(o.cancels,
		b.Peers.Subscribe(o.sessionBox, o.onPeerRegistered),
		b.Start.Subscribe(o.sessionBox, o.onStartSession),
		b.Stop.Subscribe(o.sessionBox, o.onStopSession),
		b.Keyframe.Subscribe(o.sessionBox, o.onRequestKeyframe),
	)
	if act != nil {
		o.cancels = append(o.cancels, b.Actuate.Subscribe(o.actuatorBox, o.onActuate))
	}
	sessions.OnEvicted(o.onEvicted)
	return o
}

// Run drains the orchestrator's mailboxes until ctx is done, then detaches
// from the bus and closes every known peer.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Str("module", "orch").Msg("orchestrator started")

	var wg conc.WaitGroup
	wg.Go(func() { o.sessionBox.Run(ctx) })
	wg.Go(func() { o.actuatorBox.Run(ctx) })
	wg.Wait()

	for _, cancel := range o.cancels {
		cancel()
	}
	o.closeAllPeers()
	log.Info().Str("module", "orch").Msg("orchestrator stopped")
}

func (o *Orchestrator) onActuate(cmd bus.Actuate) {
	if err := o.Actuator.Actuate(context.Background(), cmd.X, cmd.Y); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("viewer", string(cmd.ID)).
			Float64("x", cmd.X).Float64("y", cmd.Y).Msg("actuate failed")
	}
}
