package controlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/steering"
)

type fakeHandler struct {
	mu          sync.Mutex
	lifecycles  []lifecycle.Record
	interrupts  []string
	completes   []string
	conflicts   []string
	closes      []string
	complaints  []string
	revocations []string
}

func (f *fakeHandler) AdvanceLifecycle(ctx context.Context, rec lifecycle.Record) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycles = append(f.lifecycles, rec)
	if rec.TaskID == "" {
		return false, "taskId required"
	}
	return true, "recorded"
}

func (f *fakeHandler) Interrupt(ctx context.Context, taskID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, taskID+"|"+message)
	return nil
}

func (f *fakeHandler) HandleMergerComplete(ctx context.Context, taskID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, taskID)
}

func (f *fakeHandler) HandleMergerConflict(ctx context.Context, taskID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = append(f.conflicts, taskID+"|"+reason)
}

func (f *fakeHandler) HandleExternalTaskClose(ctx context.Context, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, taskID)
}

func (f *fakeHandler) Complain(ctx context.Context, complainantAgentID string, files []string, reason string) (*steering.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complaints = append(f.complaints, complainantAgentID)
	return &steering.Complaint{ID: "c1", ComplainantAgentID: complainantAgentID}, nil
}

func (f *fakeHandler) RevokeComplaint(ctx context.Context, complainantAgentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revocations = append(f.revocations, complainantAgentID)
	return 2
}

func startServer(t *testing.T) (*Server, *fakeHandler, net.Conn) {
	t.Helper()
	handler := &fakeHandler{}
	path := filepath.Join(t.TempDir(), "singularity.sock")
	srv := New(path, handler, logger.Default())
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Close)

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return srv, handler, conn
}

func roundTrip(t *testing.T, conn net.Conn, payload string) reply {
	t.Helper()
	if _, err := conn.Write([]byte(payload + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	var r reply
	if err := json.Unmarshal(line, &r); err != nil {
		t.Fatalf("bad reply %q: %v", line, err)
	}
	return r
}

func TestAdvanceLifecycleRoundTrip(t *testing.T) {
	_, handler, conn := startServer(t)

	r := roundTrip(t, conn, `{"type":"advance_lifecycle","taskId":"T1","agentId":"worker:T1:aaaa","agentType":"worker","action":"advance","target":"finisher","message":"done"}`)
	if !r.OK || r.Summary != "recorded" {
		t.Fatalf("reply = %+v", r)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.lifecycles) != 1 {
		t.Fatalf("lifecycles = %d, want 1", len(handler.lifecycles))
	}
	rec := handler.lifecycles[0]
	if rec.TaskID != "T1" || rec.AgentType != lifecycle.TypeWorker ||
		rec.Action != lifecycle.ActionAdvance || rec.Target != lifecycle.TypeFinisher {
		t.Errorf("record = %+v", rec)
	}
}

func TestRejectedLifecycleReply(t *testing.T) {
	_, _, conn := startServer(t)
	r := roundTrip(t, conn, `{"type":"advance_lifecycle","agentType":"worker","action":"advance","target":"finisher"}`)
	if r.OK || r.Summary != "taskId required" {
		t.Fatalf("reply = %+v", r)
	}
}

func TestMergeMessages(t *testing.T) {
	_, handler, conn := startServer(t)

	if r := roundTrip(t, conn, `{"type":"merge_complete","taskId":"T1","reason":"merged"}`); !r.OK {
		t.Fatalf("merge_complete reply = %+v", r)
	}
	if r := roundTrip(t, conn, `{"type":"merge_conflict","taskId":"T2","reason":"overlapping edits"}`); !r.OK {
		t.Fatalf("merge_conflict reply = %+v", r)
	}
	if r := roundTrip(t, conn, `{"type":"task_closed","taskId":"T3"}`); !r.OK {
		t.Fatalf("task_closed reply = %+v", r)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.completes) != 1 || handler.completes[0] != "T1" {
		t.Errorf("completes = %v", handler.completes)
	}
	if len(handler.conflicts) != 1 || handler.conflicts[0] != "T2|overlapping edits" {
		t.Errorf("conflicts = %v", handler.conflicts)
	}
	if len(handler.closes) != 1 || handler.closes[0] != "T3" {
		t.Errorf("closes = %v", handler.closes)
	}
}

func TestInterruptMessage(t *testing.T) {
	_, handler, conn := startServer(t)
	if r := roundTrip(t, conn, `{"type":"interrupt_agent","taskId":"T1","message":"stop touching auth"}`); !r.OK {
		t.Fatalf("reply = %+v", r)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.interrupts) != 1 || handler.interrupts[0] != "T1|stop touching auth" {
		t.Errorf("interrupts = %v", handler.interrupts)
	}
}

func TestComplaintDetaches(t *testing.T) {
	_, handler, conn := startServer(t)

	r := roundTrip(t, conn, `{"type":"complain","agentId":"worker:T1:aaaa","files":["auth.go"],"reason":"conflicting edits"}`)
	if !r.OK || r.Summary != "complaint filed" {
		t.Fatalf("reply = %+v", r)
	}

	// Handling runs on a detached goroutine; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		handler.mu.Lock()
		n := len(handler.complaints)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("complaint never reached the handler")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if r := roundTrip(t, conn, `{"type":"revoke_complaint","agentId":"worker:T1:aaaa"}`); !r.OK || r.Summary != "2 complaint(s) revoked" {
		t.Fatalf("revoke reply = %+v", r)
	}
}

func TestUnknownAndMalformedMessages(t *testing.T) {
	_, _, conn := startServer(t)

	if r := roundTrip(t, conn, `{"type":"launch_missiles"}`); r.OK {
		t.Fatalf("unknown type should be rejected: %+v", r)
	}
	if r := roundTrip(t, conn, `this is not json`); r.OK || r.Summary != "malformed json" {
		t.Fatalf("malformed reply = %+v", r)
	}
}

func TestStartRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "singularity.sock")
	first := New(path, &fakeHandler{}, logger.Default())
	if err := first.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	// Simulate a crashed predecessor: socket file left behind, listener gone.
	first.Close()

	second := New(path, &fakeHandler{}, logger.Default())
	if err := second.Start(); err != nil {
		t.Fatalf("second start over stale socket: %v", err)
	}
	second.Close()
}
