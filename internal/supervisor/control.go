package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/steering"
	"github.com/oms/singularity/internal/taskstore"
)

// stopComment is posted on every task blocked by an operator stop.
const stopComment = "Blocked by user via Stop. Ask Singularity for guidance, then unblock when ready."

// Broadcast routes one operator message across all workers.
func (s *Supervisor) Broadcast(ctx context.Context, message string) error {
	return s.steering.BroadcastToWorkers(ctx, message)
}

// Steer delivers a message to every active non-finisher agent on a task.
func (s *Supervisor) Steer(ctx context.Context, taskID, message string) bool {
	return s.steering.SteerAgent(ctx, taskID, message)
}

// Interrupt urgently redirects a task's agents, queueing the message as a
// pending kickoff when none are live.
func (s *Supervisor) Interrupt(ctx context.Context, taskID, message string) error {
	err := s.steering.InterruptAgent(ctx, taskID, message)
	s.Wake()
	return err
}

// Complain files a file-conflict complaint on behalf of an agent and blocks
// until it is adjudicated.
func (s *Supervisor) Complain(ctx context.Context, complainantAgentID string, files []string, reason string) (*steering.Complaint, error) {
	return s.steering.Complain(ctx, complainantAgentID, files, reason)
}

// RevokeComplaint withdraws an agent's pending complaints.
func (s *Supervisor) RevokeComplaint(ctx context.Context, complainantAgentID string) int {
	return s.steering.RevokeComplaint(ctx, complainantAgentID)
}

// WaitForAgent blocks until the agent's current turn ends.
func (s *Supervisor) WaitForAgent(ctx context.Context, agentID string, timeout time.Duration) error {
	agent, ok := s.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	return agent.RPC.WaitForAgentEnd(ctx, timeout)
}

// SpawnAgentBySingularity is the external replace entrypoint: stop whatever
// runs on the task and spawn the requested agent type in its place.
func (s *Supervisor) SpawnAgentBySingularity(ctx context.Context, agentType lifecycle.AgentType, taskID, extra string) error {
	switch agentType {
	case lifecycle.TypeIssuer, lifecycle.TypeWorker, lifecycle.TypeDesigner, lifecycle.TypeFinisher:
	default:
		return fmt.Errorf("agent type %q cannot be spawned externally", agentType)
	}

	key := string(agentType) + ":" + taskID
	s.spawnMu.Lock()
	if _, busy := s.spawnInFlight[key]; busy {
		s.spawnMu.Unlock()
		return fmt.Errorf("a %s spawn is already in flight for task %s", agentType, taskID)
	}
	s.spawnInFlight[key] = struct{}{}
	s.spawnMu.Unlock()
	defer func() {
		s.spawnMu.Lock()
		delete(s.spawnInFlight, key)
		s.spawnMu.Unlock()
	}()

	task, err := s.store.ShowTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}
	if task.Status == taskstore.StatusClosed {
		return fmt.Errorf("task %s is closed", taskID)
	}

	s.pipeline.SetPendingReplacement(taskID, true)

	if task.Status == taskstore.StatusBlocked {
		if err := s.store.UpdateStatus(ctx, taskID, taskstore.StatusInProgress); err != nil {
			s.pipeline.SetPendingReplacement(taskID, false)
			return fmt.Errorf("failed to unblock task %s: %w", taskID, err)
		}
		task.Status = taskstore.StatusInProgress
	}

	s.stopAgentsMatching(ctx, func(a *registry.Agent) bool { return a.TaskID == taskID })

	s.logger.Info("external agent replacement",
		zap.String("task_id", taskID),
		zap.String("type", string(agentType)))
	s.pipeline.KickoffReplacement(ctx, task, agentType, extra)
	return nil
}

// ----- stop operations -----

// stopAgentsMatching stops every active agent the predicate selects. Status
// is marked stopped before any abort is dispatched, so agent_end handlers
// observe the terminal state and never double-finalize.
func (s *Supervisor) stopAgentsMatching(ctx context.Context, pred func(*registry.Agent) bool) []*registry.Agent {
	var matched []*registry.Agent
	for _, a := range s.registry.GetActive() {
		if pred(a) {
			matched = append(matched, a)
		}
	}
	for _, a := range matched {
		s.registry.SetStatus(a.ID, registry.StatusStopped)
	}
	for _, a := range matched {
		agent := a
		go func() { _ = agent.RPC.Abort(context.Background()) }()
	}
	for _, a := range matched {
		if err := a.RPC.Stop(agentStopGrace); err != nil {
			s.logger.Debug("agent stop failed", zap.String("agent_id", a.ID), zap.Error(err))
		}
		if err := s.store.SetAgentState(ctx, a.ID, taskstore.AgentStateStopped); err != nil {
			s.logger.Debug("failed to persist stopped state", zap.Error(err))
		}
		if a.TaskID != "" {
			if err := s.store.ClearSlot(ctx, a.TaskID, "callbackHandler"); err != nil {
				s.logger.Debug("failed to clear slot", zap.Error(err))
			}
		}
	}
	return matched
}

// StopAgentsForTask stops a task's agents and blocks the task if any were
// stopped. Finishers are kept unless includeFinisher is set; mergers belong
// to the queue and are never swept here.
func (s *Supervisor) StopAgentsForTask(ctx context.Context, taskID string, includeFinisher bool) int {
	stopped := s.stopAgentsMatching(ctx, func(a *registry.Agent) bool {
		if a.TaskID != taskID || a.Type == lifecycle.TypeMerger {
			return false
		}
		if a.Type == lifecycle.TypeFinisher && !includeFinisher {
			return false
		}
		return true
	})
	if len(stopped) > 0 {
		s.blockStoppedTask(ctx, taskID)
	}
	return len(stopped)
}

// StopAgentByID stops one agent. The owning task is blocked with the
// canonical stop comment.
func (s *Supervisor) StopAgentByID(ctx context.Context, agentID string) bool {
	stopped := s.stopAgentsMatching(ctx, func(a *registry.Agent) bool { return a.ID == agentID })
	if len(stopped) == 0 {
		return false
	}
	if taskID := stopped[0].TaskID; taskID != "" {
		s.blockStoppedTask(ctx, taskID)
	}
	return true
}

// StopAgentsForTaskIDsAndPause pauses the loop, then sweeps the given tasks.
func (s *Supervisor) StopAgentsForTaskIDsAndPause(ctx context.Context, taskIDs []string, blockStoppedTasks bool) int {
	s.Pause()
	total := 0
	for _, taskID := range taskIDs {
		id := taskID
		stopped := s.stopAgentsMatching(ctx, func(a *registry.Agent) bool {
			return a.TaskID == id && a.Type != lifecycle.TypeMerger
		})
		if len(stopped) > 0 && blockStoppedTasks {
			s.blockStoppedTask(ctx, id)
		}
		total += len(stopped)
	}
	return total
}

// StopAllAgentsAndPause pauses the loop and stops everything.
func (s *Supervisor) StopAllAgentsAndPause(ctx context.Context) int {
	s.Pause()
	stopped := s.stopAgentsMatching(ctx, func(a *registry.Agent) bool { return true })
	return len(stopped)
}

func (s *Supervisor) blockStoppedTask(ctx context.Context, taskID string) {
	if err := s.store.UpdateStatus(ctx, taskID, taskstore.StatusBlocked); err != nil {
		s.logger.Warn("failed to block stopped task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if err := s.store.Comment(ctx, taskID, spawner.Actor, stopComment); err != nil {
		s.logger.Debug("failed to comment stop", zap.Error(err))
	}
}

// AdvanceLifecycle exposes the pipeline's recording entrypoint to the
// control surfaces (socket and HTTP).
func (s *Supervisor) AdvanceLifecycle(ctx context.Context, rec lifecycle.Record) (bool, string) {
	res := s.pipeline.AdvanceLifecycle(ctx, rec)
	return res.OK, res.Summary
}
