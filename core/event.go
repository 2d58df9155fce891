package core

// EventType discriminates the discrete events emitted by the streaming
// reasoning loop. No token-level output exists: an iteration's model output
// is fully materialized before the event is sent.
type EventType string

// Stream event types, one JSON object per event on the wire.
const (
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventDone       EventType = "done"
)

// StreamEvent is one discrete checkpoint of the reasoning state machine.
// Fields are populated per type: Tool/Status for tool_call, Tool/Data for
// tool_result, Content for text, SessionID for done.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Tool      string    `json:"tool,omitempty"`
	Status    string    `json:"status,omitempty"`
	Data      any       `json:"data,omitempty"`
	Content   string    `json:"content,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// ToolCallEvent marks the start of a tool dispatch.
func ToolCallEvent(tool string) StreamEvent {
	return StreamEvent{Type: EventToolCall, Tool: tool, Status: "started"}
}

// ToolResultEvent carries a settled tool result (success or tool-level error).
func ToolResultEvent(tool string, data any) StreamEvent {
	return StreamEvent{Type: EventToolResult, Tool: tool, Data: data}
}

// TextEvent carries a fully materialized assistant text response.
func TextEvent(content string) StreamEvent {
	return StreamEvent{Type: EventText, Content: content}
}

// DoneEvent terminates the stream, echoing the session id for resumption.
func DoneEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventDone, SessionID: sessionID}
}
