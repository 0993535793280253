// Package replica manages per-task workspace replicas: an overlay mount of
// the project root on Linux when fuse-overlayfs is available, a filtered copy
// elsewhere. Merges back into the project root run under a FIFO lock.
package replica

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/oms/singularity/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// copyExcludes are path prefixes never copied into a replica.
var copyExcludes = []string{".oms", "node_modules", ".git", "dist", "build", "target"}

// linkBack are entries symlinked back into the project root in copy mode.
var linkBack = []string{"node_modules", ".git"}

// Manager owns the replica directory tree under <sessionDir>/replica.
type Manager struct {
	logger      *logger.Logger
	root        string // replica root
	projectRoot string
	overlayBin  string // resolved fuse-overlayfs binary, "" = copy mode

	inflight  singleflight.Group
	mergeLock *fifoMutex
}

// NewManager creates a replica manager. overlayBinary may be empty to search
// $PATH; overlay mode engages only on Linux when the binary resolves.
func NewManager(replicaRoot, projectRoot, overlayBinary string, log *logger.Logger) *Manager {
	m := &Manager{
		logger:      log.WithFields(zap.String("component", "replica-manager")),
		root:        replicaRoot,
		projectRoot: projectRoot,
		mergeLock:   newFIFOMutex(),
	}
	if overlaySupported() {
		bin := overlayBinary
		if bin == "" {
			bin, _ = exec.LookPath("fuse-overlayfs")
		}
		m.overlayBin = bin
	}
	if m.overlayBin != "" {
		m.logger.Info("replica overlay mode enabled", zap.String("binary", m.overlayBin))
	} else {
		m.logger.Info("replica copy mode enabled")
	}
	return m
}

// SanitizeTaskID maps a task id to a filesystem-safe directory name.
func SanitizeTaskID(taskID string) string {
	var b strings.Builder
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Dir returns the replica directory for a task.
func (m *Manager) Dir(taskID string) string {
	return filepath.Join(m.root, SanitizeTaskID(taskID))
}

// AgentDir returns the directory an agent should use as its cwd inside a
// replica: merged/ for overlays, the replica dir itself for copies.
func (m *Manager) AgentDir(replicaDir string) string {
	if m.overlayBin != "" {
		return filepath.Join(replicaDir, "merged")
	}
	return replicaDir
}

// CreateReplica idempotently creates the replica for a task and returns its
// directory. Concurrent callers for the same task collapse into one create.
func (m *Manager) CreateReplica(ctx context.Context, taskID string) (string, error) {
	dir := m.Dir(taskID)
	v, err, _ := m.inflight.Do(taskID, func() (interface{}, error) {
		if m.Exists(taskID) {
			return dir, nil
		}
		if err := os.MkdirAll(m.root, 0o755); err != nil {
			return "", fmt.Errorf("failed to create replica root: %w", err)
		}
		var err error
		if m.overlayBin != "" {
			err = m.mountOverlay(ctx, dir)
		} else {
			err = m.copyWorkspace(dir)
		}
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		m.logger.Info("replica created", zap.String("task_id", taskID), zap.String("dir", dir))
		return dir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// DestroyReplica unmounts (if needed) and removes the replica for a task.
// Missing replicas are not an error.
func (m *Manager) DestroyReplica(taskID string) error {
	dir := m.Dir(taskID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if m.overlayBin != "" {
		unmountOverlay(filepath.Join(dir, "merged"))
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove replica %s: %w", dir, err)
	}
	m.logger.Info("replica destroyed", zap.String("task_id", taskID))
	return nil
}

// Exists reports whether a usable replica directory is on disk.
func (m *Manager) Exists(taskID string) bool {
	info, err := os.Stat(m.Dir(taskID))
	return err == nil && info.IsDir()
}

// ExistsDir reports whether the given replica directory is on disk.
func (m *Manager) ExistsDir(replicaDir string) bool {
	info, err := os.Stat(replicaDir)
	return err == nil && info.IsDir()
}

// ListReplicas returns the sanitized task ids present on disk.
func (m *Manager) ListReplicas() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// WithMergeLock runs fn under the FIFO merge lock so merges into the project
// root are strictly ordered. Errors propagate but never hold the lock.
func (m *Manager) WithMergeLock(ctx context.Context, fn func() error) error {
	if err := m.mergeLock.Lock(ctx); err != nil {
		return err
	}
	defer m.mergeLock.Unlock()
	return fn()
}

func (m *Manager) mountOverlay(ctx context.Context, dir string) error {
	upper := filepath.Join(dir, "upper")
	work := filepath.Join(dir, "work")
	merged := filepath.Join(dir, "merged")
	for _, d := range []string{upper, work, merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create overlay dir %s: %w", d, err)
		}
	}
	opt := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", m.projectRoot, upper, work)
	cmd := exec.CommandContext(ctx, m.overlayBin, "-o", opt, merged)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fuse-overlayfs mount failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) copyWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create replica dir: %w", err)
	}
	absRoot, err := filepath.Abs(m.projectRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}
	err = filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, ex := range copyExcludes {
			if rel == ex || strings.HasPrefix(rel, ex+string(filepath.Separator)) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		dst := filepath.Join(dir, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(dst, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dst)
		default:
			return copyFile(path, dst, info.Mode().Perm())
		}
	})
	if err != nil {
		return fmt.Errorf("failed to copy workspace: %w", err)
	}
	// Heavy shared directories stay in the project root via absolute symlinks.
	for _, name := range linkBack {
		src := filepath.Join(absRoot, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Symlink(src, filepath.Join(dir, name)); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to link %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
