package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"teller-audio/config"
	"teller-audio/session"
)

type WebsocketPlivo struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	log            zerolog.Logger
}

func NewWebsocketPlivo(cfg *config.Config, sessionManager *session.Manager, log zerolog.Logger) *WebsocketPlivo {
	s := &WebsocketPlivo{
		sessionManager: sessionManager,
		config:         cfg,
		log:            log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Plivo doesn't support WebSocket compression
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony connections don't send browser Origin headers.
				// Allow all origins for the Plivo server.
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleWebsocketPlivo)
	mux.HandleFunc("/answer", s.handleAnswerCall)
	mux.HandleFunc("/health", s.handleHealth)

	// Determine which port to use
	port := cfg.PlivoPort
	if cfg.ServerType == "plivo" {
		// When running as standalone telephony server, use the main port
		port = cfg.Port
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		// No ReadTimeout/WriteTimeout — these interfere with long-lived WebSocket connections.
		// The WebSocket layer handles its own timeouts via SetWriteDeadline/SetReadDeadline.
	}

	return s
}

// Start begins listening for connections
func (s *WebsocketPlivo) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("telephony websocket server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *WebsocketPlivo) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down telephony server")
	return s.httpServer.Shutdown(ctx)
}

func (s *WebsocketPlivo) handleWebsocketPlivo(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("telephony websocket upgrade failed")
		return
	}

	// Create telephony-specific session
	clientSession, err := s.sessionManager.CreatePlivoSession(r.Context(), conn)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create telephony session")
		conn.Close()
		return
	}

	s.log.Info().Str("session", clientSession.ID).Msg("new telephony session created")

	// Start telephony session (uses the Plivo stream message handler)
	clientSession.StartPlivo()

	// Wait for session to close
	<-clientSession.CloseChan

	// Clean up
	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.log.Info().Str("session", clientSession.ID).Msg("telephony session closed")
}

func (s *WebsocketPlivo) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	wsURL := "wss://" + r.Host + "/stream"

	// Answer XML to connect the call to the bidirectional audio stream
	xmlResponse := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
	<Stream bidirectional="true" keepCallAlive="true" contentType="audio/x-mulaw;rate=8000">%s</Stream>
</Response>`, wsURL)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xmlResponse))
}

func (s *WebsocketPlivo) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","server":"plivo","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}

// GetAddr returns the server's listen address (for logging in main)
func (s *WebsocketPlivo) GetAddr() string {
	return s.httpServer.Addr
}
