package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"teller-audio/config"
	"teller-audio/server"
	"teller-audio/session"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create session manager (connects Redis, STS, Bedrock and Postgres)
	sessionManager, err := session.NewManager(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}

	// Background routines
	go sessionManager.StartCleanupRoutine(ctx)
	go sessionManager.StartRefreshRoutine(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	switch cfg.ServerType {
	case "websocket":
		srv := server.NewServerWebsocket(cfg, sessionManager, log)

		go func() {
			<-sigChan
			log.Info().Msg("received shutdown signal")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
		}()

		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}

	case "plivo":
		plivoSrv := server.NewWebsocketPlivo(cfg, sessionManager, log)

		go func() {
			<-sigChan
			log.Info().Msg("received shutdown signal")
			cancel()
			sessionManager.Shutdown()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := plivoSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("telephony server shutdown error")
			}
		}()

		if err := plivoSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("telephony server error")
		}

	case "both":
		srv := server.NewServerWebsocket(cfg, sessionManager, log)
		plivoSrv := server.NewWebsocketPlivo(cfg, sessionManager, log)

		go func() {
			<-sigChan
			log.Info().Msg("received shutdown signal")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			if err := plivoSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("telephony server shutdown error")
			}
		}()

		// Start telephony server in background
		go func() {
			if err := plivoSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("telephony server error")
			}
		}()

		// Start WebSocket server (blocks)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}

	default:
		log.Fatal().Str("server_type", cfg.ServerType).Msg("unknown SERVER_TYPE")
	}

	log.Info().Msg("server stopped")
}
