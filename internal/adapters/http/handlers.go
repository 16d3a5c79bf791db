package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/adapters/rtc"
	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

const (
	viewerKey     = "viewer"
	answerTimeout = 10 * time.Second
	eventPeriod   = time.Second
)

type handlers struct {
	ctx  context.Context
	deps Deps
}

// createPeerConnection takes a browser offer and answers it. The peer's
// lifecycle is reported on the bus: registered now, started when it
// connects, stopped when it goes away.
func (h *handlers) createPeerConnection(c *gin.Context) {
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid offer"})
		return
	}

	sess := sessions.Default(c)
	if prev, ok := sess.Get(viewerKey).(string); ok && prev != "" {
		if id, err := domain.ParseViewerID(prev); err == nil {
			h.deps.Bus.Stop.Publish(bus.StopSession{ID: id, Reason: "replaced by new offer"})
		}
	}

	id := domain.NewViewerID()
	b := h.deps.Bus
	peer, err := rtc.NewPeer(h.deps.RTC, id, h.peerHandlers(id))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("create peer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create peer"})
		return
	}
	b.Peers.Publish(bus.PeerRegistered{Peer: peer})

	ctx, cancel := context.WithTimeout(c.Request.Context(), answerTimeout)
	defer cancel()
	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("viewer", string(id)).Msg("answer offer")
		b.Stop.Publish(bus.StopSession{ID: id, Reason: "negotiation failed"})
		c.JSON(http.StatusBadRequest, gin.H{"error": "negotiation failed"})
		return
	}

	sess.Set(viewerKey, string(id))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	log.Info().Str("module", "adapters.http").Str("viewer", string(id)).
		Str("client", c.GetString("client_token")).Msg("peer answered")
	c.JSON(http.StatusOK, answer)
}

// peerHandlers wires a viewer's peer to the bus and the control decoder.
// Control messages get their answers, errors included, on the channel
// they came in on.
func (h *handlers) peerHandlers(id domain.ViewerID) rtc.Handlers {
	b := h.deps.Bus
	return rtc.Handlers{
		OnConnected: func(sink core.Sink) {
			b.Start.Publish(bus.StartSession{ID: id, Sink: sink})
		},
		OnDisconnected: func() {
			b.Stop.Publish(bus.StopSession{ID: id, Reason: "peer disconnected"})
			h.deps.Decoder.Forget(id)
		},
		OnControl: func(data []byte, reply func(any)) {
			if err := h.deps.Decoder.Handle(id, data, reply); err != nil {
				reply(gin.H{"type": "error", "error": err.Error()})
			}
		},
		OnKeyframeRequest: func() {
			b.Keyframe.Publish(bus.RequestKeyframe{ID: id})
		},
	}
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Status())
}

// events streams the status as server-sent events until the client leaves.
func (h *handlers) events(c *gin.Context) {
	ticker := time.NewTicker(eventPeriod)
	defer ticker.Stop()

	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent("status", h.deps.Status())
			return true
		}
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.ctx.Done():
			return false
		case <-ticker.C:
			c.SSEvent("status", h.deps.Status())
			return true
		}
	})
}

func (h *handlers) stopSession(c *gin.Context) {
	id, err := domain.ParseViewerID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.deps.Bus.Stop.Publish(bus.StopSession{ID: id, Reason: "operator"})
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// control serves the websocket control channel. Messages are attributed to
// the viewer last negotiated by this browser, or to its client token.
func (h *handlers) control(c *gin.Context) {
	id := domain.ViewerID(c.GetString("client_token"))
	if v, ok := sessions.Default(c).Get(viewerKey).(string); ok {
		if parsed, err := domain.ParseViewerID(v); err == nil {
			id = parsed
		}
	}
	h.deps.Control.HandleControl(h.ctx, c, id)
}
