package crashlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")

	path, err := Write(dir, "pipeline", "index out of range")
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !strings.HasSuffix(path, "-pipeline.json") {
		t.Errorf("path = %q, want *-pipeline.json", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("bad report json: %v", err)
	}
	if rep.Component != "pipeline" || rep.Panic != "index out of range" {
		t.Errorf("report = %+v", rep)
	}
	if rep.Stack == "" || rep.At == "" {
		t.Error("stack and timestamp should be populated")
	}
}

func TestWriteCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "crashes")
	if _, err := Write(dir, "tick", struct{ N int }{42}); err != nil {
		t.Fatalf("write into missing dir failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v %v, want one report", entries, err)
	}
}
