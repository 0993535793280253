package steering

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatTranscript(t *testing.T) {
	raw := json.RawMessage(`[
		{"role":"user","content":"please add the endpoint"},
		{"role":"assistant","content":[
			{"type":"text","text":"Looking at   the\nrouter first."},
			{"type":"tool_use","name":"read","input":{"path":"router.go"}}
		]},
		{"role":"assistant","content":[
			{"type":"tool_result","content":"package router\nfunc New() {}"},
			{"type":"text","text":"Adding the handler now."}
		]}
	]`)

	out := formatTranscript(raw, 10)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d turns:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "Looking at the router first.") {
		t.Errorf("whitespace not squashed: %q", lines[0])
	}
	if !strings.Contains(lines[0], `[tool read {"path":"router.go"}]`) {
		t.Errorf("tool call not rendered: %q", lines[0])
	}
	if !strings.Contains(lines[1], "result: package router func New() {}") {
		t.Errorf("tool result not rendered: %q", lines[1])
	}
	if strings.Contains(out, "please add the endpoint") {
		t.Error("user turns must not appear")
	}
}

func TestFormatTranscriptKeepsNewestTurns(t *testing.T) {
	raw := json.RawMessage(`{"messages":[
		{"role":"assistant","content":"one"},
		{"role":"assistant","content":"two"},
		{"role":"assistant","content":"three"}
	]}`)
	out := formatTranscript(raw, 2)
	if strings.Contains(out, "one") {
		t.Errorf("oldest turn should be dropped: %q", out)
	}
	if !strings.Contains(out, "two") || !strings.Contains(out, "three") {
		t.Errorf("newest turns missing: %q", out)
	}
}

func TestFormatTranscriptEmptyAndMalformed(t *testing.T) {
	if out := formatTranscript(json.RawMessage(`[]`), 5); out != "" {
		t.Errorf("empty array = %q", out)
	}
	if out := formatTranscript(json.RawMessage(`"nope"`), 5); out != "" {
		t.Errorf("malformed payload = %q", out)
	}
	// Assistant turn with no renderable content vanishes.
	if out := formatTranscript(json.RawMessage(`[{"role":"assistant","content":[{"type":"thinking"}]}]`), 5); out != "" {
		t.Errorf("contentless turn = %q", out)
	}
}

func TestFormatTranscriptTruncatesLongResults(t *testing.T) {
	long := strings.Repeat("x", maxResultChars+50)
	raw := json.RawMessage(`[{"role":"assistant","content":[{"type":"tool_result","content":"` + long + `"}]}]`)
	out := formatTranscript(raw, 5)
	if !strings.HasSuffix(out, "…") {
		t.Errorf("long result not truncated: %d chars", len(out))
	}
	if len(out) > maxResultChars+30 {
		t.Errorf("output too long: %d chars", len(out))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdefgh", 4); got != "abcd…" {
		t.Errorf("got %q", got)
	}
	// The cut lands inside the two-byte é at byte 5; back up to the rune.
	if got := truncate("abcdéfgh", 5); got != "abcd…" {
		t.Errorf("got %q", got)
	}
	if got := truncate("日本語テキスト", 7); !utf8.ValidString(got) {
		t.Errorf("truncated string is not valid UTF-8: %q", got)
	}
}

func TestSquashWhitespace(t *testing.T) {
	if got := squashWhitespace("  a\n\tb   c  "); got != "a b c" {
		t.Errorf("got %q", got)
	}
}
