// Package signal decodes viewer control messages and serves the websocket
// control channel.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/domain"
)

const (
	TypeMove     = "Move"
	TypeKeyframe = "Keyframe"
	TypePing     = "ping"
	TypePong     = "pong"
)

var (
	ErrBadMessage  = errors.New("bad control message")
	ErrUnknownType = errors.New("unknown control message type")
	ErrRateLimited = errors.New("control rate limited")
)

type message struct {
	Type string   `json:"type"`
	X    *float64 `json:"x"`
	Y    *float64 `json:"y"`
}

// Decoder turns control payloads into bus commands.
type Decoder struct {
	bus     *bus.Bus
	limiter *RateLimiter
}

func NewDecoder(b *bus.Bus, limiter *RateLimiter) *Decoder {
	return &Decoder{bus: b, limiter: limiter}
}

// Handle decodes one payload sent by viewer id. reply, when set, receives
// direct answers such as pong.
func (d *Decoder) Handle(id domain.ViewerID, data []byte, reply func(any)) error {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return d.reject(id, fmt.Errorf("%w: %v", ErrBadMessage, err))
	}
	if d.limiter != nil && !d.limiter.Allow(id) {
		return d.reject(id, ErrRateLimited)
	}

	switch m.Type {
	case TypeMove:
		if m.X == nil || m.Y == nil || !finite(*m.X) || !finite(*m.Y) {
			return d.reject(id, fmt.Errorf("%w: move needs finite x and y", ErrBadMessage))
		}
		d.bus.Actuate.Publish(bus.Actuate{ID: id, X: *m.X, Y: *m.Y})
	case TypeKeyframe:
		d.bus.Keyframe.Publish(bus.RequestKeyframe{ID: id})
	case TypePing:
		if reply != nil {
			reply(map[string]string{"type": TypePong})
		}
	default:
		return d.reject(id, fmt.Errorf("%w: %q", ErrUnknownType, m.Type))
	}
	return nil
}

// Forget releases per-viewer state once the viewer is gone.
func (d *Decoder) Forget(id domain.ViewerID) {
	if d.limiter != nil {
		d.limiter.Forget(id)
	}
}

func (d *Decoder) reject(id domain.ViewerID, err error) error {
	log.Warn().Err(err).Str("module", "signal").Str("viewer", string(id)).Msg("control message dropped")
	return err
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
