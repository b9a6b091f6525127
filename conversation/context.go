// Package conversation holds the ordered message history and the tool
// registry shared by the aggregation stages of a session pipeline.
package conversation

import (
	"fmt"
	"sync"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the assistant's request to invoke a registered tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult resolves a ToolCall. Payload carries either the tool's
// response or its error payload; OK distinguishes the two.
type ToolResult struct {
	CallID  string
	Name    string
	OK      bool
	Payload map[string]any
}

// Message is one entry in the conversation log. Exactly one of Content,
// Call or Result carries the body, depending on Role.
type Message struct {
	Role      Role
	Content   string
	Call      *ToolCall   // set on assistant messages that request a tool
	Result    *ToolResult // set on tool messages once resolved
	Timestamp time.Time
}

// Store is the per-session conversation context. Messages are appended,
// never removed; a tool result fills in the placeholder created when its
// call was recorded, so ordering stays causally consistent.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	schemas  []ToolSchema
}

// NewStore creates a context seeded with the system instruction.
func NewStore(systemPrompt string) *Store {
	s := &Store{}
	s.messages = append(s.messages, Message{
		Role:      RoleSystem,
		Content:   systemPrompt,
		Timestamp: time.Now(),
	})
	return s
}

// Append adds a message to the end of the log.
func (s *Store) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// AppendUser records a committed user transcript.
func (s *Store) AppendUser(text string) {
	s.Append(Message{Role: RoleUser, Content: text})
}

// AppendAssistant records the assistant's free-text turn output.
func (s *Store) AppendAssistant(text string) {
	s.Append(Message{Role: RoleAssistant, Content: text})
}

// AppendToolCall records the assistant's tool request together with a
// pending tool message that its result will supersede.
func (s *Store) AppendToolCall(call ToolCall) {
	now := time.Now()
	s.mu.Lock()
	s.messages = append(s.messages,
		Message{Role: RoleAssistant, Call: &call, Timestamp: now},
		Message{Role: RoleTool, Result: &ToolResult{CallID: call.ID}, Timestamp: now},
	)
	s.mu.Unlock()
}

// ResolveTool fills the pending placeholder for the result's call id.
// It fails if no matching pending tool message exists.
func (s *Store) ResolveTool(result ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role != RoleTool || m.Result == nil || m.Result.CallID != result.CallID {
			continue
		}
		if m.Result.Payload != nil {
			return fmt.Errorf("tool call %s already resolved", result.CallID)
		}
		s.messages[i].Result = &result
		s.messages[i].Timestamp = time.Now()
		return nil
	}
	return fmt.Errorf("no pending tool call %s", result.CallID)
}

// Snapshot returns a copy of the ordered message log.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// RegisterTools records the closed set of tool schemas offered to the
// assistant for this session.
func (s *Store) RegisterTools(schemas ...ToolSchema) {
	s.mu.Lock()
	s.schemas = append(s.schemas, schemas...)
	s.mu.Unlock()
}

// Tools returns the registered tool schemas.
func (s *Store) Tools() []ToolSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolSchema, len(s.schemas))
	copy(out, s.schemas)
	return out
}
