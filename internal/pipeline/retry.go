package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/taskstore"
)

// recoveryMessage is the steer injected when an agent previously exited
// without handing off.
const recoveryMessage = "SYSTEM RECOVERY: your previous run ended without calling the " +
	"advance_lifecycle tool. Review the state of the task, decide the next step, " +
	"call advance_lifecycle with your decision, then finish."

// retryConfig parameterizes runAgentWithRetry for issuer and speedy agents.
type retryConfig struct {
	name        string
	taskID      string
	waitTimeout time.Duration
	maxAttempts int
	// spawn launches attempt n. sessionID carries the previous attempt's
	// session for resume; empty on the first attempt or when unknown.
	spawn func(ctx context.Context, attempt int, sessionID string) (*registry.Agent, error)
}

// retryOutcome reports how the driven agent finished.
type retryOutcome struct {
	record      *lifecycle.Record
	abortReason string // non-empty when recovery was abandoned
	failReason  string // non-empty after exhausting the retry budget
}

// runAgentWithRetry drives one short-lived planning agent to a lifecycle
// hand-off, retrying with session resume and a recovery nudge when the agent
// exits without recording one.
func (m *Manager) runAgentWithRetry(ctx context.Context, cfg retryConfig) retryOutcome {
	log := m.logger.WithFields(
		zap.String("agent", cfg.name),
		zap.String("task_id", cfg.taskID))

	attempts := cfg.maxAttempts
	if attempts <= 0 {
		attempts = maxAttempts
	}

	sessionID := ""
	for attempt := 1; attempt <= attempts; attempt++ {
		m.clearLifecycle(cfg.taskID)

		agent, err := cfg.spawn(ctx, attempt, sessionID)
		if err != nil {
			log.Warn("spawn failed", zap.Int("attempt", attempt), zap.Error(err))
			if reason := m.checkRecoverable(ctx, cfg.taskID); reason != "" {
				return retryOutcome{abortReason: reason}
			}
			continue
		}
		log.Info("agent started", zap.Int("attempt", attempt), zap.String("agent_id", agent.ID))

		waitErr := agent.RPC.WaitForAgentEnd(ctx, cfg.waitTimeout)

		// The record is what matters, even if the wait failed or the agent
		// was force-killed along the way.
		if rec := m.ConsumeLifecycle(cfg.taskID); rec != nil {
			m.finalizeAgent(ctx, agent, registry.StatusDone, taskstore.AgentStateClosed)
			return retryOutcome{record: rec}
		}

		if current, ok := m.registry.Get(agent.ID); ok && current.Status == registry.StatusStopped {
			return retryOutcome{abortReason: fmt.Sprintf("%s was stopped externally", cfg.name)}
		}

		sessionID = m.captureSession(ctx, agent, sessionID)
		m.finalizeAgent(ctx, agent, registry.StatusDead, taskstore.AgentStateFailed)
		if waitErr != nil {
			log.Warn("agent ended without hand-off", zap.Int("attempt", attempt), zap.Error(waitErr))
		} else {
			log.Warn("agent ended without hand-off", zap.Int("attempt", attempt))
		}

		if reason := m.checkRecoverable(ctx, cfg.taskID); reason != "" {
			return retryOutcome{abortReason: reason}
		}
	}
	return retryOutcome{failReason: fmt.Sprintf("%s failed after %d attempts (no lifecycle hand-off)", cfg.name, attempts)}
}

// captureSession extracts the best-known session id for resume: live RPC
// first, then the registry record, then whatever the previous attempt knew.
func (m *Manager) captureSession(ctx context.Context, agent *registry.Agent, previous string) string {
	if sid := agent.RPC.SessionID(); sid != "" {
		return sid
	}
	if sid, err := agent.RPC.RefreshSessionID(ctx); err == nil && sid != "" {
		return sid
	}
	if current, ok := m.registry.Get(agent.ID); ok && current.SessionID != "" {
		return current.SessionID
	}
	return previous
}

// checkRecoverable decides whether recovery may continue. Returns a reason
// to abort, or "" to keep retrying.
func (m *Manager) checkRecoverable(ctx context.Context, taskID string) string {
	task, err := m.store.ShowTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			return "task was deleted"
		}
		// Transient store trouble is not a reason to give up.
		return ""
	}
	switch task.Status {
	case taskstore.StatusClosed:
		return "task was closed"
	case taskstore.StatusBlocked:
		return "task was blocked"
	}
	if m.hasLiveWorker(taskID) {
		return "a live worker owns the task"
	}
	if m.HasPendingReplacement(taskID) {
		return "an agent replacement is pending"
	}
	return ""
}
