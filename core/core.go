// Package core defines the shared leaf types exchanged between the reasoning
// loop, the session store, providers and the HTTP surface: conversation
// messages, tool invocation requests and the discrete stream events emitted
// at iteration boundaries. It has no dependencies on other wardgate packages
// so every layer can import it freely.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

// Conversation roles. Tool results are carried as RoleTool messages so the
// provider adapters can map them onto vendor-specific message shapes.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single conversation entry. Messages are immutable once
// appended to a session; the ordering position is implied by slice index in
// the session's append-only sequence.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage constructs a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// ToolCall is a normalized tool invocation request surfaced by a provider
// (or by the keyword fallback mapper). Params hold the already-decoded
// argument map; validation happens in the tool registry.
type ToolCall struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// NewID generates a unique identifier for sessions, messages and tool calls.
func NewID() string { return uuid.NewString() }
