package http

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/adapters/rtc"
	"github.com/dkeye/Rover/internal/adapters/signal"
	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/app/orch"
	"github.com/dkeye/Rover/internal/config"
)

// StatusFunc reports the engine state for the status endpoints.
type StatusFunc func() orch.Status

type Deps struct {
	Bus     *bus.Bus
	Status  StatusFunc
	Decoder *signal.Decoder
	Control *signal.ControlWSController
	RTC     rtc.Config
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RoverSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctx: ctx, deps: deps}

	// the viewer page and its assets go out gzipped when the browser accepts it
	static := gin.WrapH(gzhttp.GzipHandler(http.StripPrefix("/static", http.FileServer(http.Dir(cfg.StaticPath)))))
	r.GET("/static/*filepath", static)
	r.HEAD("/static/*filepath", static)
	index := filepath.Join(cfg.StaticPath, "index.html")
	r.GET("/", gin.WrapH(gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.ServeFile(w, req, index)
	}))))
	r.POST("/createPeerConnection", h.createPeerConnection)

	api := r.Group("/api")
	api.GET("/status", h.status)
	api.GET("/events", h.events)
	api.DELETE("/sessions/:id", h.stopSession)
	api.GET("/ws/control", h.control)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
