package steering

import "testing"

func TestParseDecision(t *testing.T) {
	d, err := parseDecision(`{"action":"steer","message":"focus on the failing test"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Action != "steer" || d.Message != "focus on the failing test" {
		t.Errorf("decision = %+v", d)
	}

	// Prose and code fences around the payload are tolerated.
	d, err = parseDecision("Here is my verdict:\n```json\n{\"action\":\"none\"}\n```\nDone.")
	if err != nil {
		t.Fatalf("fenced parse failed: %v", err)
	}
	if d.Action != "none" {
		t.Errorf("decision = %+v", d)
	}

	if _, err := parseDecision(`{"action":"explode"}`); err == nil {
		t.Fatal("unknown action should fail")
	}
	if _, err := parseDecision("no json here"); err == nil {
		t.Fatal("missing payload should fail")
	}
	if _, err := parseDecision(""); err == nil {
		t.Fatal("empty text should fail")
	}
}

func TestParseBroadcastDecisions(t *testing.T) {
	text := `Per-task verdicts:
[
  {"taskId":"T1","action":"steer","message":"wrap up"},
  {"taskId":"T2","action":"none"}
]`
	decisions, err := parseBroadcastDecisions(text)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(decisions) != 2 || decisions[0].TaskID != "T1" || decisions[0].Action != "steer" {
		t.Fatalf("decisions = %+v", decisions)
	}

	if _, err := parseBroadcastDecisions("{}"); err == nil {
		t.Fatal("object instead of array should fail")
	}
}

func TestParseResolverVerdict(t *testing.T) {
	id, err := parseResolverVerdict(`{"conflictingAgentId":"worker:T2:abcd"}`)
	if err != nil || id != "worker:T2:abcd" {
		t.Fatalf("verdict = %q %v", id, err)
	}
	id, err = parseResolverVerdict(`{"conflictingAgentId":null}`)
	if err != nil || id != "" {
		t.Fatalf("null verdict = %q %v", id, err)
	}
	id, err = parseResolverVerdict(`{}`)
	if err != nil || id != "" {
		t.Fatalf("empty verdict = %q %v", id, err)
	}
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON("prefix {\"a\":1} suffix", '{', '}')
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("got %q %v", got, err)
	}
	// Outermost span wins when braces nest.
	got, err = extractJSON(`{"a":{"b":2}}`, '{', '}')
	if err != nil || string(got) != `{"a":{"b":2}}` {
		t.Fatalf("got %q %v", got, err)
	}
	if _, err := extractJSON("}{", '{', '}'); err == nil {
		t.Fatal("reversed delimiters should fail")
	}
}
