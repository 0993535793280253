// Package crashlog captures panics from supervised goroutines into one json
// file per crash under the session's crashes/ directory.
package crashlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

type report struct {
	Component string `json:"component"`
	Panic     string `json:"panic"`
	Stack     string `json:"stack"`
	At        string `json:"at"`
}

// Write records one crash. Errors are returned so callers can log them, but
// crash capture itself must never panic.
func Write(dir, component string, recovered interface{}) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create crash dir: %w", err)
	}
	now := time.Now().UTC()
	rep := report{
		Component: component,
		Panic:     fmt.Sprintf("%v", recovered),
		Stack:     string(debug.Stack()),
		At:        now.Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode crash report: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", now.Format("20060102-150405.000"), component)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	return path, nil
}
