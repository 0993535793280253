package steering

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is a steering agent's verdict for one worker.
type Decision struct {
	Action  string `json:"action"` // steer | interrupt | none
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BroadcastDecision is one element of a broadcast-steering agent's output.
type BroadcastDecision struct {
	TaskID  string `json:"taskId"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// parseDecision extracts the JSON object from a steering agent's final text.
// Agents are prompted for JSON-only output but occasionally wrap it in prose
// or a code fence.
func parseDecision(text string) (Decision, error) {
	var d Decision
	payload, err := extractJSON(text, '{', '}')
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return d, fmt.Errorf("failed to decode steering decision: %w", err)
	}
	switch d.Action {
	case "steer", "interrupt", "none", "":
		return d, nil
	default:
		return d, fmt.Errorf("unknown steering action %q", d.Action)
	}
}

func parseBroadcastDecisions(text string) ([]BroadcastDecision, error) {
	payload, err := extractJSON(text, '[', ']')
	if err != nil {
		return nil, err
	}
	var decisions []BroadcastDecision
	if err := json.Unmarshal(payload, &decisions); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast decisions: %w", err)
	}
	return decisions, nil
}

type resolverVerdict struct {
	ConflictingAgentID *string `json:"conflictingAgentId"`
}

func parseResolverVerdict(text string) (string, error) {
	payload, err := extractJSON(text, '{', '}')
	if err != nil {
		return "", err
	}
	var v resolverVerdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("failed to decode resolver verdict: %w", err)
	}
	if v.ConflictingAgentID == nil {
		return "", nil
	}
	return *v.ConflictingAgentID, nil
}

// extractJSON slices the outermost open..close span out of text.
func extractJSON(text string, open, close byte) ([]byte, error) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no %c...%c payload in output", open, close)
	}
	return []byte(text[start : end+1]), nil
}
