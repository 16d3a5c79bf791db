package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

func (o *Orchestrator) onPeerRegistered(cmd bus.PeerRegistered) {
	if cmd.Peer == nil {
		return
	}
	id := cmd.Peer.ID()

	o.mu.Lock()
	old := o.peers[id]
	o.peers[id] = cmd.Peer
	n := len(o.peers)
	o.mu.Unlock()

	if old != nil && old != cmd.Peer {
		closePeer(old)
	}
	log.Info().Str("module", "orch").Str("viewer", string(id)).Int("peers", n).Msg("peer registered")
}

// PeerCount reports how many peers are tracked.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

func (o *Orchestrator) closePeer(id domain.ViewerID) {
	o.mu.Lock()
	p, ok := o.peers[id]
	delete(o.peers, id)
	o.mu.Unlock()
	if ok {
		closePeer(p)
	}
}

func (o *Orchestrator) closeAllPeers() {
	o.mu.Lock()
	peers := make([]core.Peer, 0, len(o.peers))
	for id, p := range o.peers {
		peers = append(peers, p)
		delete(o.peers, id)
	}
	o.mu.Unlock()

	for _, p := range peers {
		closePeer(p)
	}
}

func closePeer(p core.Peer) {
	if err := p.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("viewer", string(p.ID())).Msg("peer close error")
	}
}
