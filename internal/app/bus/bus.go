// Package bus is the in-process command substrate between the signaling
// adapters and the session engine.
//
// Each command kind has its own statically declared Topic. Consumers own a
// Mailbox; everything they subscribe through the same mailbox is handled in
// publish order on one goroutine. Delivery is at-most-once and publishing
// never blocks.
package bus

import (
	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

type StartSession struct {
	ID   domain.ViewerID
	Sink core.Sink
}

type StopSession struct {
	ID     domain.ViewerID
	Reason string
}

type Actuate struct {
	ID   domain.ViewerID
	X, Y float64
}

type PeerRegistered struct {
	Peer core.Peer
}

// RequestKeyframe asks a viewer's encoder for a self-contained sample,
// e.g. after the browser reported picture loss.
type RequestKeyframe struct {
	ID domain.ViewerID
}

type Bus struct {
	Start    Topic[StartSession]
	Stop     Topic[StopSession]
	Actuate  Topic[Actuate]
	Peers    Topic[PeerRegistered]
	Keyframe Topic[RequestKeyframe]
}

func New() *Bus {
	return &Bus{}
}
