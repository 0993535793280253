package replica

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oms/singularity/internal/common/logger"
)

// copyModeManager builds a manager pinned to copy mode regardless of what the
// host has installed.
func copyModeManager(t *testing.T, projectRoot string) *Manager {
	t.Helper()
	return &Manager{
		logger:      logger.Default(),
		root:        filepath.Join(t.TempDir(), "replica"),
		projectRoot: projectRoot,
		mergeLock:   newFIFOMutex(),
	}
}

func TestSanitizeTaskID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"OMS-123", "OMS-123"},
		{"task_1.2", "task_1.2"},
		{"a/b\\c", "a_b_c"},
		{"spaces here", "spaces_here"},
		{"weird:©id", "weird__id"},
	}
	for _, tt := range tests {
		if got := SanitizeTaskID(tt.in); got != tt.want {
			t.Errorf("SanitizeTaskID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateAndDestroyReplicaCopyMode(t *testing.T) {
	project := t.TempDir()
	mustWrite(t, filepath.Join(project, "main.go"), "package main\n")
	mustWrite(t, filepath.Join(project, "docs", "readme.md"), "hi\n")
	mustWrite(t, filepath.Join(project, ".git", "HEAD"), "ref\n")
	mustWrite(t, filepath.Join(project, "node_modules", "pkg", "index.js"), "x\n")
	mustWrite(t, filepath.Join(project, "dist", "out.bin"), "bin\n")

	m := copyModeManager(t, project)
	dir, err := m.CreateReplica(context.Background(), "T1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !m.Exists("T1") {
		t.Fatal("replica should exist after create")
	}
	if dir != m.Dir("T1") {
		t.Errorf("dir = %q, want %q", dir, m.Dir("T1"))
	}

	if _, err := os.Stat(filepath.Join(dir, "main.go")); err != nil {
		t.Errorf("main.go not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "docs", "readme.md")); err != nil {
		t.Errorf("nested file not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dist")); !os.IsNotExist(err) {
		t.Error("dist should be excluded from the copy")
	}
	// .git and node_modules come back as symlinks into the project root.
	for _, name := range []string{".git", "node_modules"} {
		info, err := os.Lstat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("%s should be a symlink back into the project", name)
		}
	}

	// Idempotent.
	again, err := m.CreateReplica(context.Background(), "T1")
	if err != nil || again != dir {
		t.Fatalf("second create = %q %v, want %q nil", again, err, dir)
	}

	if err := m.DestroyReplica("T1"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if m.Exists("T1") {
		t.Fatal("replica should be gone after destroy")
	}
	// Destroying a missing replica is fine.
	if err := m.DestroyReplica("T1"); err != nil {
		t.Fatalf("destroy of missing replica = %v, want nil", err)
	}
}

func TestListReplicas(t *testing.T) {
	m := copyModeManager(t, t.TempDir())
	if ids, err := m.ListReplicas(); err != nil || ids != nil {
		t.Fatalf("list before root exists = %v %v, want nil nil", ids, err)
	}

	if _, err := m.CreateReplica(context.Background(), "T1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.CreateReplica(context.Background(), "T2"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	ids, err := m.ListReplicas()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
}

func TestAgentDirCopyMode(t *testing.T) {
	m := copyModeManager(t, t.TempDir())
	if got := m.AgentDir("/tmp/r/T1"); got != "/tmp/r/T1" {
		t.Errorf("copy mode agent dir = %q", got)
	}
	m.overlayBin = "/usr/bin/fuse-overlayfs"
	if got := m.AgentDir("/tmp/r/T1"); got != filepath.Join("/tmp/r/T1", "merged") {
		t.Errorf("overlay mode agent dir = %q", got)
	}
}

func TestFIFOMutexOrdersWaiters(t *testing.T) {
	m := newFIFOMutex()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, 3)
	done := make(chan struct{}, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			ready <- struct{}{}
			if err := m.Lock(context.Background()); err != nil {
				t.Errorf("waiter %d lock: %v", i, err)
				done <- struct{}{}
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
			done <- struct{}{}
		}()
		<-ready
		// Give the goroutine time to enqueue before starting the next one.
		time.Sleep(30 * time.Millisecond)
	}

	m.Unlock()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("acquisition order = %v, want [1 2 3]", order)
	}
}

func TestFIFOMutexCancel(t *testing.T) {
	m := newFIFOMutex()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Lock(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// The cancelled waiter must not have consumed the wakeup.
	m.Unlock()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("relock after cancel: %v", err)
	}
	m.Unlock()
}

func TestWithMergeLockReleasesOnError(t *testing.T) {
	m := copyModeManager(t, t.TempDir())
	wantErr := os.ErrPermission
	if err := m.WithMergeLock(context.Background(), func() error { return wantErr }); err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	// Lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WithMergeLock(ctx, func() error { return nil }); err != nil {
		t.Fatalf("second merge lock: %v", err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
