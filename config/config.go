package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port       int
	PlivoPort  int    // Port for the telephony server (used when ServerType is "both")
	ServerType string // "websocket", "plivo", or "both"

	RedisURL      string
	RedisPassword string

	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum audio buffer size in bytes per session

	// Shared secret presented by clients in the Sec-WebSocket-Protocol header.
	// Connections that don't present it are rejected before a session exists.
	SharedSecret string

	GeminiAPIKey string
	VoiceName    string

	// Audio
	InSampleRate  int
	OutSampleRate int

	// Turn segmentation
	VADSilence         time.Duration // silence that closes a user turn
	VADThreshold       float64       // energy score above which a frame counts as speech
	VADActivationSpan  time.Duration // sustained activity required to open a turn
	AllowInterruptions bool

	// SQL generation tool
	AWSRegion       string
	BedrockModelID  string
	PostgresDSN     string
	SchemaText      string // overrides the built-in schema description when set
	SQLMaxTokens    int
	SQLTemperature  float64
	SummTemperature float64

	CredentialDuration time.Duration
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:               8080,
		PlivoPort:          8081,
		ServerType:         "websocket",
		RedisURL:           "localhost:6379",
		RedisPassword:      "",
		MaxSessions:        100,
		SessionTimeout:     30 * time.Minute,
		AllowedOrigins:     []string{"*"},
		KeepAlivePeriod:    30 * time.Second,
		MaxBufferSize:      5 * 1024 * 1024, // 5MB default
		VoiceName:          "Zephyr",
		InSampleRate:       16000,
		OutSampleRate:      24000,
		VADSilence:         500 * time.Millisecond,
		VADThreshold:       1000,
		VADActivationSpan:  100 * time.Millisecond,
		AllowInterruptions: true,
		AWSRegion:          "us-east-1",
		BedrockModelID:     "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
		SQLMaxTokens:       3000,
		SQLTemperature:     0.0,
		SummTemperature:    0.1,
		CredentialDuration: time.Hour,
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	// Required: WS_SHARED_SECRET
	config.SharedSecret = os.Getenv("WS_SHARED_SECRET")
	if config.SharedSecret == "" {
		return nil, fmt.Errorf("WS_SHARED_SECRET environment variable is required")
	}

	// Required: POSTGRES_DSN
	config.PostgresDSN = os.Getenv("POSTGRES_DSN")
	if config.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN environment variable is required")
	}

	if err := config.applyOptional(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyOptional() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		c.Port = p
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.RedisURL = redisURL
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		c.RedisPassword = redisPassword
	}

	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = m
	}

	// SESSION_TIMEOUT is in minutes
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		c.SessionTimeout = time.Duration(t) * time.Minute
	}

	// ALLOWED_ORIGINS is comma-separated
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}

	// KEEPALIVE_PERIOD is in seconds
	if keepalive := os.Getenv("KEEPALIVE_PERIOD"); keepalive != "" {
		k, err := strconv.Atoi(keepalive)
		if err != nil {
			return fmt.Errorf("invalid KEEPALIVE_PERIOD: %w", err)
		}
		c.KeepAlivePeriod = time.Duration(k) * time.Second
	}

	if bufferSize := os.Getenv("MAX_BUFFER_SIZE"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return fmt.Errorf("invalid MAX_BUFFER_SIZE: %w", err)
		}
		c.MaxBufferSize = b
	}

	if serverType := os.Getenv("SERVER_TYPE"); serverType != "" {
		switch serverType {
		case "websocket", "plivo", "both":
			c.ServerType = serverType
		default:
			return fmt.Errorf("invalid SERVER_TYPE: must be 'websocket', 'plivo', or 'both'")
		}
	}

	if plivoPort := os.Getenv("PLIVO_PORT"); plivoPort != "" {
		pp, err := strconv.Atoi(plivoPort)
		if err != nil {
			return fmt.Errorf("invalid PLIVO_PORT: %w", err)
		}
		c.PlivoPort = pp
	}

	if voice := os.Getenv("VOICE_NAME"); voice != "" {
		c.VoiceName = voice
	}

	if rate := os.Getenv("IN_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid IN_SAMPLE_RATE: %w", err)
		}
		c.InSampleRate = r
	}

	if rate := os.Getenv("OUT_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid OUT_SAMPLE_RATE: %w", err)
		}
		c.OutSampleRate = r
	}

	// VAD_SILENCE_MS is the silence span (milliseconds) that closes a user turn
	if silence := os.Getenv("VAD_SILENCE_MS"); silence != "" {
		s, err := strconv.Atoi(silence)
		if err != nil {
			return fmt.Errorf("invalid VAD_SILENCE_MS: %w", err)
		}
		c.VADSilence = time.Duration(s) * time.Millisecond
	}

	if threshold := os.Getenv("VAD_THRESHOLD"); threshold != "" {
		t, err := strconv.ParseFloat(threshold, 64)
		if err != nil {
			return fmt.Errorf("invalid VAD_THRESHOLD: %w", err)
		}
		c.VADThreshold = t
	}

	if allow := os.Getenv("ALLOW_INTERRUPTIONS"); allow != "" {
		a, err := strconv.ParseBool(allow)
		if err != nil {
			return fmt.Errorf("invalid ALLOW_INTERRUPTIONS: %w", err)
		}
		c.AllowInterruptions = a
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		c.AWSRegion = region
	}

	if model := os.Getenv("BEDROCK_MODEL_ID"); model != "" {
		c.BedrockModelID = model
	}

	// SCHEMA_FILE points at a schema description handed to the SQL generator
	if schemaFile := os.Getenv("SCHEMA_FILE"); schemaFile != "" {
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return fmt.Errorf("invalid SCHEMA_FILE: %w", err)
		}
		c.SchemaText = string(data)
	}

	if maxTokens := os.Getenv("SQL_MAX_TOKENS"); maxTokens != "" {
		m, err := strconv.Atoi(maxTokens)
		if err != nil {
			return fmt.Errorf("invalid SQL_MAX_TOKENS: %w", err)
		}
		c.SQLMaxTokens = m
	}

	if temp := os.Getenv("SQL_TEMPERATURE"); temp != "" {
		t, err := strconv.ParseFloat(temp, 64)
		if err != nil {
			return fmt.Errorf("invalid SQL_TEMPERATURE: %w", err)
		}
		c.SQLTemperature = t
	}

	if temp := os.Getenv("SUMMARY_TEMPERATURE"); temp != "" {
		t, err := strconv.ParseFloat(temp, 64)
		if err != nil {
			return fmt.Errorf("invalid SUMMARY_TEMPERATURE: %w", err)
		}
		c.SummTemperature = t
	}

	// CREDENTIAL_DURATION is in seconds
	if dur := os.Getenv("CREDENTIAL_DURATION"); dur != "" {
		d, err := strconv.Atoi(dur)
		if err != nil {
			return fmt.Errorf("invalid CREDENTIAL_DURATION: %w", err)
		}
		c.CredentialDuration = time.Duration(d) * time.Second
	}

	return nil
}
