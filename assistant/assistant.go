// Package assistant defines the contract of the conversational model
// collaborator and its Gemini Live implementation. The model consumes
// user audio and produces audio, text chunks and tool calls keyed to the
// same turn; everything else in the server treats it as a black box.
package assistant

import (
	"context"

	"teller-audio/conversation"
)

// Events are the callbacks a Service fires while a turn streams back.
// All callbacks run on the service's receive goroutine, in arrival order.
type Events struct {
	OnAudio               func(data []byte)
	OnText                func(text string)
	OnToolCall            func(calls []conversation.ToolCall)
	OnUserTranscript      func(text string, final bool)
	OnAssistantTranscript func(text string, final bool)
	OnInterrupted         func() // model-side generation cut
	OnTurnComplete        func()
	OnError               func(err error)
}

// Service is the assistant-calling collaborator.
type Service interface {
	// Start begins delivering Events until the context ends or Close.
	Start(ctx context.Context, ev Events)

	// SendUserTurn submits one complete user utterance (PCM 16-bit LE)
	// and signals the model to respond.
	SendUserTurn(audio []byte) error

	// SendText submits a text turn (greeting nudge, text clients).
	SendText(text string) error

	// SendToolResults returns resolved tool calls so the assistant turn
	// can resume.
	SendToolResults(results []conversation.ToolResult) error

	Close() error
}
