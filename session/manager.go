package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"teller-audio/bedrock"
	"teller-audio/config"
	"teller-audio/credentials"
	"teller-audio/storage"
	"teller-audio/tools"
)

// Manager manages all client sessions and the shared tool backends.
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config

	supplier   *credentials.Supplier
	generator  *bedrock.Generator
	db         *storage.Postgres
	dispatcher *tools.Dispatcher

	log zerolog.Logger
}

// NewManager creates a session manager with its Redis registry and the
// SQL tool stack (STS credentials, Bedrock generator, Postgres).
func NewManager(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Manager, error) {
	var redisClient *redis.Client

	// Try to connect to Redis, but don't fail if unavailable
	redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	// Test Redis connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Redis unavailable, continue without the registry
		log.Warn().Err(err).Msg("redis unavailable, session registry disabled")
		redisClient = nil
	}

	supplier, err := credentials.NewSTSSupplier(ctx, cfg.AWSRegion, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential supplier: %w", err)
	}
	if _, err := supplier.Refresh(ctx, cfg.CredentialDuration); err != nil {
		return nil, fmt.Errorf("initial credential refresh failed: %w", err)
	}

	generator, err := bedrock.Connect(ctx, cfg.AWSRegion, cfg.BedrockModelID, supplier, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bedrock: %w", err)
	}

	db, err := storage.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	schemaText := cfg.SchemaText
	if schemaText == "" {
		// Prefer the live catalog; fall back to the built-in description
		if described, err := db.DescribeSchema(ctx); err == nil && described != "" {
			schemaText = described
		} else {
			schemaText = tools.DefaultSchemaText
		}
	}

	sqlTool := tools.NewSQLTool(generator, db, tools.SQLToolConfig{
		SchemaText:         schemaText,
		MaxTokens:          cfg.SQLMaxTokens,
		QueryTemperature:   cfg.SQLTemperature,
		SummaryTemperature: cfg.SummTemperature,
	}, log)

	dispatcher := tools.NewDispatcher(log)
	dispatcher.Register(tools.SQLToolName, sqlTool.Handle)

	return &Manager{
		sessions:   make(map[string]*ClientSession),
		redis:      redisClient,
		config:     cfg,
		supplier:   supplier,
		generator:  generator,
		db:         db,
		dispatcher: dispatcher,
		log:        log,
	}, nil
}

// CreateSession creates a new client session
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	return sm.createSession(ctx, clientConn, false)
}

// CreatePlivoSession creates a new telephony call session
func (sm *Manager) CreatePlivoSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	return sm.createSession(ctx, clientConn, true)
}

func (sm *Manager) createSession(ctx context.Context, clientConn *websocket.Conn, plivo bool) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, fmt.Errorf("maximum sessions reached")
	}

	// Sessions must not start with expired tool credentials
	if !sm.supplier.Current().Valid() {
		if _, err := sm.supplier.Refresh(ctx, sm.config.CredentialDuration); err != nil {
			return nil, fmt.Errorf("credential refresh failed: %w", err)
		}
	}

	sessionID := uuid.New().String()

	newFn := NewClientSession
	if plivo {
		newFn = NewPlivoClientSession
	}
	session, err := newFn(ctx, sessionID, clientConn, sm.config, sm.dispatcher, sm.RecordTranscript, sm.log)
	if err != nil {
		return nil, err
	}

	sm.storeSession(ctx, sessionID, session)
	return session, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *ClientSession) {
	sm.sessions[sessionID] = session

	if sm.redis != nil {
		sm.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity.Format(time.RFC3339),
			"status":        "active",
			"is_plivo":      session.IsPlivo,
		})
		sm.redis.SAdd(ctx, "active_sessions", sessionID)
		sm.redis.Expire(ctx, "session:"+sessionID, sm.config.SessionTimeout)
	}
}

// RecordTranscript appends a committed transcript line to the session's
// Redis history. Best effort; dropped silently when Redis is absent.
func (sm *Manager) RecordTranscript(sessionID, role, text string) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "transcript:" + sessionID
	sm.redis.RPush(ctx, key, fmt.Sprintf("%s: %s", role, text))
	sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil
	}

	session.Close()
	delete(sm.sessions, sessionID)

	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, "active_sessions", sessionID)
	}

	return nil
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for id, session := range sm.sessions {
		session.mu.RLock()
		last := session.LastActivity
		session.mu.RUnlock()
		if now.Sub(last) > sm.config.SessionTimeout {
			session.Close()
			delete(sm.sessions, id)

			if sm.redis != nil {
				sm.redis.Del(ctx, "session:"+id)
				sm.redis.SRem(ctx, "active_sessions", id)
			}
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// StartRefreshRoutine refreshes the tool credentials at half their
// lifetime so in-flight sessions never see an expired token.
func (sm *Manager) StartRefreshRoutine(ctx context.Context) {
	ticker := time.NewTicker(sm.config.CredentialDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sm.supplier.Refresh(ctx, sm.config.CredentialDuration); err != nil {
				sm.log.Error().Err(err).Msg("scheduled credential refresh failed")
			}
		}
	}
}

// Shutdown closes all sessions and shared backends
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, session := range sm.sessions {
		session.Close()
		delete(sm.sessions, id)
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
	if sm.db != nil {
		sm.db.Close()
	}
}
