package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/domain"
)

func (o *Orchestrator) onStartSession(cmd bus.StartSession) {
	if err := o.Sessions.Start(cmd.ID, cmd.Sink); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("viewer", string(cmd.ID)).Msg("start session failed")
	}
}

func (o *Orchestrator) onStopSession(cmd bus.StopSession) {
	stopped := o.Sessions.Stop(cmd.ID)
	log.Info().Str("module", "orch").Str("viewer", string(cmd.ID)).
		Str("reason", cmd.Reason).Bool("was_running", stopped).Msg("stop session")
	o.closePeer(cmd.ID)
}

func (o *Orchestrator) onRequestKeyframe(cmd bus.RequestKeyframe) {
	if !o.Sessions.RequestKeyframe(cmd.ID) {
		log.Debug().Str("module", "orch").Str("viewer", string(cmd.ID)).Msg("keyframe request for unknown session")
	}
}

// onEvicted runs on the session task's goroutine after it ended on its own.
// The peer is closed so the viewer sees the stream end.
func (o *Orchestrator) onEvicted(id domain.ViewerID, err error) {
	log.Info().Err(err).Str("module", "orch").Str("viewer", string(id)).Msg("session evicted, closing peer")
	o.closePeer(id)
}
