package rpc

import (
	"encoding/json"
	"sync"
)

// Message types the supervisor sends to an agent.
const (
	CommandPrompt               = "prompt"
	CommandFollowUp             = "follow_up"
	CommandSteer                = "steer"
	CommandAbort                = "abort"
	CommandAbortAndPrompt       = "abort_and_prompt"
	CommandGetState             = "get_state"
	CommandGetMessages          = "get_messages"
	CommandGetLastAssistantText = "get_last_assistant_text"
	CommandSetThinkingLevel     = "set_thinking_level"
	CommandGetSessionID         = "get_session_id"
)

// Event types emitted by an agent or synthesized by the client.
const (
	EventAgentEnd      = "agent_end"
	EventMessageUpdate = "message_update"
	EventMessageEnd    = "message_end"
	EventRPCExit       = "rpc_exit"
	EventParseError    = "rpc_parse_error"
)

// Response is the framed reply to a request, correlated by id.
type Response struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is any non-response object read from the agent's stdout, plus the
// synthetic rpc_exit and rpc_parse_error events.
type Event struct {
	Type string
	Data map[string]interface{}
	Raw  json.RawMessage
}

// EventListener receives every dispatched event. Listener panics are
// swallowed so a bad listener cannot kill the reader loop.
type EventListener func(ev Event)

// tailBuffer keeps the newest maxBytes of everything written to it.
// Used for the stderr tail that is appended to surfaced errors.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	buf      []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = 50 * 1024
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.maxBytes; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
