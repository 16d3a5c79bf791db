package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Rover/internal/adapters/actuator"
	"github.com/dkeye/Rover/internal/adapters/camera"
	"github.com/dkeye/Rover/internal/adapters/codec"
	router "github.com/dkeye/Rover/internal/adapters/http"
	"github.com/dkeye/Rover/internal/adapters/rtc"
	ctrl "github.com/dkeye/Rover/internal/adapters/signal"
	"github.com/dkeye/Rover/internal/app/bus"
	"github.com/dkeye/Rover/internal/app/capture"
	"github.com/dkeye/Rover/internal/app/orch"
	"github.com/dkeye/Rover/internal/app/session"
	"github.com/dkeye/Rover/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	dev, err := camera.New(cfg.Camera)
	if err != nil {
		log.Fatal().Err(err).Msg("camera")
	}
	source := capture.New(dev, capture.Config{
		Index:         cfg.Camera.Index,
		Interval:      cfg.Camera.Interval,
		MaxReadErrors: cfg.Camera.MaxReadErrors,
		MaxReopens:    cfg.Camera.MaxReopens,
	})

	encoders := codec.NewFactory(codec.Config{
		FFmpegPath:       cfg.Encoder.FFmpegPath,
		Preset:           cfg.Encoder.Preset,
		Bitrate:          cfg.Encoder.Bitrate,
		SkipFrames:       cfg.Encoder.SkipFrames,
		MaxFrameRate:     cfg.Encoder.MaxFrameRate,
		KeyframeInterval: cfg.Encoder.KeyframeInterval,
		MaxStalled:       cfg.Encoder.MaxStalled,
	})
	registry := session.NewRegistry(ctx, source, encoders, session.Config{
		Tick:              cfg.Session.Tick,
		FirstFrameTimeout: cfg.Session.FirstFrameTimeout,
	})

	act, err := actuator.New(ctx, cfg.Actuator)
	if err != nil {
		log.Error().Err(err).Str("kind", cfg.Actuator.Kind).Msg("actuator unavailable, logging moves only")
		act = actuator.Logger{}
	}

	commands := bus.New()
	orchestrator := orch.New(commands, registry, source, act)
	supervisor := orch.NewSupervisor(source, registry, cfg.Session.Tick)

	decoder := ctrl.NewDecoder(commands, ctrl.NewRateLimiter(cfg.Control.RateLimit, cfg.Control.RateWindow))
	r := router.SetupRouter(ctx, cfg, router.Deps{
		Bus:     commands,
		Status:  orchestrator.Status,
		Decoder: decoder,
		Control: ctrl.NewControlWSController(decoder, cfg.Control.ReadLimit, cfg.Control.PingPeriod),
		RTC:     rtc.Config{ICEServers: cfg.WebRTC.ICEServers},
	})

	var workers conc.WaitGroup
	workers.Go(func() { source.Run(ctx) })
	workers.Go(func() { supervisor.Run(ctx) })
	workers.Go(func() { orchestrator.Run(ctx) })

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Rover server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	registry.Close()
	workers.Wait()
	if err := act.Close(); err != nil {
		log.Error().Err(err).Msg("actuator close")
	}
	log.Info().Msg("Server exited gracefully")
}
