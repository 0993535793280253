package steering

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxResultChars = 400

// formatTranscript renders a get_messages payload into the compact summary
// fed to steering agents: the last maxTurns assistant turns, each with its
// text, tool calls as [tool <name> <args>], and truncated tool results.
func formatTranscript(raw json.RawMessage, maxTurns int) string {
	messages := extractMessages(raw)
	if len(messages) == 0 {
		return ""
	}

	var turns []string
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		if role != "assistant" {
			continue
		}
		if turn := formatTurn(msg); turn != "" {
			turns = append(turns, turn)
		}
	}
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return strings.Join(turns, "\n")
}

// extractMessages tolerates both a bare array and {"messages": [...]}.
func extractMessages(raw json.RawMessage) []map[string]interface{} {
	var direct []map[string]interface{}
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var wrapped struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Messages
	}
	return nil
}

func formatTurn(msg map[string]interface{}) string {
	var parts []string
	switch content := msg["content"].(type) {
	case string:
		if s := squashWhitespace(content); s != "" {
			parts = append(parts, s)
		}
	case []interface{}:
		for _, item := range content {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			parts = append(parts, formatBlock(block)...)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "assistant: " + strings.Join(parts, " ")
}

func formatBlock(block map[string]interface{}) []string {
	var parts []string
	blockType, _ := block["type"].(string)
	switch blockType {
	case "text":
		if text, _ := block["text"].(string); text != "" {
			parts = append(parts, squashWhitespace(text))
		}
	case "tool_use", "tool_call":
		name, _ := block["name"].(string)
		args := ""
		if input, ok := block["input"]; ok {
			if data, err := json.Marshal(input); err == nil {
				args = truncate(string(data), 120)
			}
		}
		parts = append(parts, fmt.Sprintf("[tool %s %s]", name, args))
	case "tool_result":
		result := stringifyResult(block["content"])
		if result != "" {
			parts = append(parts, "result: "+truncate(squashWhitespace(result), maxResultChars))
		}
	}
	return parts
}

func stringifyResult(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, item := range v {
			if block, ok := item.(map[string]interface{}); ok {
				if text, _ := block["text"].(string); text != "" {
					b.WriteString(text)
					b.WriteString(" ")
				}
			}
		}
		return strings.TrimSpace(b.String())
	default:
		return ""
	}
}

func squashWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
