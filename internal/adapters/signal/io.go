package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *ControlWSController) writePump(ctx context.Context, c *WsControlConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *ControlWSController) readPump(ctx context.Context, id domain.ViewerID, c *WsControlConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("viewer", string(id)).Msg("readPump closing")
		ctl.Decoder.Forget(id)
		c.Close()
	}()

	if ctl.PingPeriod > 0 {
		// Pongs must arrive within a bit more than one ping period.
		wait := ctl.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	reply := func(v any) { ctl.sendJSON(c, v) }
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("viewer", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("viewer", string(id)).Msg("readPump read error")
				}
				return
			}
			if err := ctl.Decoder.Handle(id, data, reply); err != nil {
				ctl.sendJSON(c, map[string]any{"type": "error", "error": err.Error()})
			}
		}
	}
}

func (ctl *ControlWSController) sendJSON(c *WsControlConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}
