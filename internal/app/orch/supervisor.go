package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/app/session"
)

type PowerSwitch interface {
	Powered() bool
	PowerOn()
	PowerOff()
}

type Counter interface {
	ActiveCount() int
}

// Supervisor is the only component that turns the camera on or off.
type Supervisor struct {
	power    PowerSwitch
	sessions Counter
	tick     time.Duration
}

func NewSupervisor(power PowerSwitch, sessions Counter, tick time.Duration) *Supervisor {
	if tick <= 0 {
		tick = session.DefaultTick
	}
	return &Supervisor{power: power, sessions: sessions, tick: tick}
}

// Reconcile applies one step: power follows whether any session is live.
func (s *Supervisor) Reconcile() {
	n := s.sessions.ActiveCount()
	powered := s.power.Powered()
	switch {
	case n > 0 && !powered:
		log.Info().Str("module", "supervisor").Int("sessions", n).Msg("powering camera on")
		s.power.PowerOn()
	case n == 0 && powered:
		log.Info().Str("module", "supervisor").Msg("no sessions, powering camera off")
		s.power.PowerOff()
	}
}

func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile()
		}
	}
}
