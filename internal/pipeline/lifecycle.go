package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
)

// Result is the synchronous answer to an advance_lifecycle call.
type Result struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
}

// AdvanceLifecycle validates and records an agent's hand-off. A second
// recording for the same task overwrites the first with a warning. Live
// issuer RPCs on the task are aborted: their planning job is done.
func (m *Manager) AdvanceLifecycle(ctx context.Context, rec lifecycle.Record) Result {
	if err := lifecycle.Validate(&rec); err != nil {
		m.logger.Warn("rejected advance_lifecycle",
			zap.String("task_id", rec.TaskID),
			zap.String("agent_type", string(rec.AgentType)),
			zap.Error(err))
		return Result{OK: false, Summary: err.Error()}
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	m.mu.Lock()
	if prev, exists := m.lifecycleByTask[rec.TaskID]; exists {
		m.logger.Warn("overwriting unconsumed lifecycle record",
			zap.String("task_id", rec.TaskID),
			zap.String("previous_action", string(prev.Action)),
			zap.String("new_action", string(rec.Action)))
	}
	m.lifecycleByTask[rec.TaskID] = &rec
	m.mu.Unlock()

	m.abortIssuers(ctx, rec.TaskID, rec.AgentID)

	m.publish(bus.SubjectLifecycle, map[string]interface{}{
		"task_id":    rec.TaskID,
		"agent_type": string(rec.AgentType),
		"action":     string(rec.Action),
		"target":     string(rec.Target),
	})
	m.logger.Info("lifecycle recorded",
		zap.String("task_id", rec.TaskID),
		zap.String("agent_type", string(rec.AgentType)),
		zap.String("action", string(rec.Action)),
		zap.String("target", string(rec.Target)))
	return Result{OK: true, Summary: "recorded"}
}

// ConsumeLifecycle removes and returns the task's record. Exactly-once: a
// second consume returns nil.
func (m *Manager) ConsumeLifecycle(taskID string) *lifecycle.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.lifecycleByTask[taskID]
	delete(m.lifecycleByTask, taskID)
	return rec
}

func (m *Manager) clearLifecycle(taskID string) {
	m.mu.Lock()
	delete(m.lifecycleByTask, taskID)
	m.mu.Unlock()
}

// abortIssuers best-effort aborts live issuer RPCs on a task, excluding the
// recording agent itself.
func (m *Manager) abortIssuers(ctx context.Context, taskID, exceptAgentID string) {
	for _, agent := range m.registry.GetActiveByTask(taskID) {
		if agent.Type != lifecycle.TypeIssuer || agent.ID == exceptAgentID {
			continue
		}
		if err := agent.RPC.Abort(ctx); err != nil {
			m.logger.Debug("failed to abort issuer",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}
