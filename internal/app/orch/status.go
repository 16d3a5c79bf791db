package orch

import (
	"github.com/dkeye/Rover/internal/app/capture"
	"github.com/dkeye/Rover/internal/app/session"
)

type Status struct {
	Camera   capture.Stats  `json:"camera"`
	Active   int            `json:"active"`
	Peers    int            `json:"peers"`
	Sessions []session.Info `json:"sessions"`
}

func (o *Orchestrator) Status() Status {
	sessions := o.Sessions.Snapshot()
	return Status{
		Camera:   o.Frames.Stats(),
		Active:   len(sessions),
		Peers:    o.PeerCount(),
		Sessions: sessions,
	}
}
