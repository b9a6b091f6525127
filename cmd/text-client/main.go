package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teller-audio/assistant"
)

// Smoke test for the live model connection: sends one text turn and
// logs whatever comes back.
func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY not set")
	}

	ctx := context.Background()

	live, err := assistant.NewLive(ctx, apiKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create assistant service")
	}
	defer live.Close()

	// No tools for this test
	if err := live.Setup(ctx, "You are a helpful assistant. Keep responses brief.", nil, "Zephyr", 16000); err != nil {
		log.Fatal().Err(err).Msg("failed to setup session")
	}

	done := make(chan struct{})
	var once sync.Once
	live.Start(ctx, assistant.Events{
		OnAudio: func(data []byte) {
			log.Info().Int("bytes", len(data)).Msg("🔊 received audio")
		},
		OnText: func(text string) {
			log.Info().Str("text", text).Msg("💬 received text")
		},
		OnAssistantTranscript: func(text string, final bool) {
			log.Info().Str("text", text).Bool("final", final).Msg("📝 transcript")
		},
		OnTurnComplete: func() {
			log.Info().Msg("✅ turn complete")
			once.Do(func() { close(done) })
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("❌ error")
		},
	})

	if err := live.SendText("Hello! Say hi back in one sentence."); err != nil {
		log.Fatal().Err(err).Msg("failed to send text")
	}

	log.Info().Msg("waiting for response...")
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("timeout waiting for response")
	}
	log.Info().Msg("done")
}
