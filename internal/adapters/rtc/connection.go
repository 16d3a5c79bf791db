// Package rtc adapts pion PeerConnections to the session engine: an H.264
// sample track carries video, the viewer's "control" data channel carries
// commands, and RTCP picture loss reports become keyframe requests.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

const (
	VideoTrackID = "video"
	StreamID     = "rover"
	ControlLabel = "control"
)

type Config struct {
	ICEServers []string
}

func (c Config) webrtcConfig() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// Handlers are the capabilities the application registers on a peer.
// OnConnected fires once, when the connection is up. OnDisconnected fires
// once, on the first sign the peer is gone. OnControl gets every control
// message with a reply func that answers on the same channel.
type Handlers struct {
	OnConnected       func(core.Sink)
	OnDisconnected    func()
	OnControl         func(data []byte, reply func(any))
	OnKeyframeRequest func()
}

type Peer struct {
	id domain.ViewerID
	pc *webrtc.PeerConnection
	h  Handlers

	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	goneCh chan struct{}

	connectOnce sync.Once
	goneOnce    sync.Once
}

func NewPeer(cfg Config, id domain.ViewerID, h Handlers) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}
	p := &Peer{id: id, pc: pc, h: h, goneCh: make(chan struct{})}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		VideoTrackID, StreamID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	p.track, p.sender = track, sender
	p.bind()
	return p, nil
}

func (p *Peer) ID() domain.ViewerID { return p.id }

func (p *Peer) bind() {
	logger := log.With().Str("module", "webrtc").Str("viewer", string(p.id)).Logger()

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.connectOnce.Do(func() {
				if p.h.OnConnected != nil {
					p.h.OnConnected(NewTrackSink(p.track, p.id, p.goneCh))
				}
			})
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			p.gone()
		}
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlLabel {
			logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		logger.Info().Msg("control channel attached")
		reply := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				logger.Error().Err(err).Msg("control reply encode")
				return
			}
			if err := dc.SendText(string(b)); err != nil {
				logger.Warn().Err(err).Msg("control reply send")
			}
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if p.h.OnControl != nil {
				p.h.OnControl(msg.Data, reply)
			}
		})
	})

	go p.readRTCP(&logger)
}

// readRTCP drains the sender's RTCP so interceptors keep working, and
// turns picture loss and full intra requests into keyframe requests. It
// returns when the connection closes.
func (p *Peer) readRTCP(logger *zerolog.Logger) {
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug().Err(err).Msg("rtcp read stopped")
			}
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				logger.Debug().Msg("keyframe requested by receiver")
				if p.h.OnKeyframeRequest != nil {
					p.h.OnKeyframeRequest()
				}
			}
		}
	}
}

func (p *Peer) gone() {
	p.goneOnce.Do(func() {
		close(p.goneCh)
		if p.h.OnDisconnected != nil {
			p.h.OnDisconnected()
		}
	})
}

// Answer applies a remote offer and returns the answer once ICE gathering
// is complete, so the viewer needs no trickle.
func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.pc.LocalDescription(), nil
}

func (p *Peer) Close() error {
	err := p.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("viewer", string(p.id)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("viewer", string(p.id)).Msg("closed")
	}
	p.gone()
	return err
}
