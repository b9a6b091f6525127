// Package tools resolves assistant tool calls to results. The only tool
// shipped today is natural-language-to-SQL generation and execution.
package tools

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"teller-audio/conversation"
)

// Handler executes one tool call. A returned error becomes the tool's
// error payload; it never aborts the turn.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Dispatcher maps tool names to handlers.
type Dispatcher struct {
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewDispatcher creates an empty registry.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register binds a handler to a tool name, replacing any previous one.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch resolves one call to a result. Unknown tools and handler
// errors produce an error payload, so the conversation can continue.
func (d *Dispatcher) Dispatch(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	d.log.Info().Str("tool", call.Name).Str("call_id", call.ID).Msg("dispatching tool call")

	h, ok := d.handlers[call.Name]
	if !ok {
		return conversation.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Payload: map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)},
		}
	}

	payload, err := h(ctx, call.Args)
	if err != nil {
		d.log.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
		return conversation.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Payload: map[string]any{"error": err.Error()},
		}
	}

	return conversation.ToolResult{CallID: call.ID, Name: call.Name, OK: true, Payload: payload}
}
