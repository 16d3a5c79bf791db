package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// ControlWSController serves the websocket control channel used by
// operator tools that do not speak WebRTC.
type ControlWSController struct {
	Decoder    *Decoder
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewControlWSController(dec *Decoder, readLimit int64, pingPeriod time.Duration) *ControlWSController {
	return &ControlWSController{
		Decoder:    dec,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

type WsControlConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsControlConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsControlConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleControl upgrades the request and pumps control messages until the
// client leaves or ctx ends.
func (ctl *ControlWSController) HandleControl(ctx context.Context, c *gin.Context, id domain.ViewerID) {
	log.Info().Str("module", "signal").Str("viewer", string(id)).Msg("new control WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsControlConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, id, conn)
	}()
}
