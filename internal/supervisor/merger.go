package supervisor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/mergequeue"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/taskstore"
)

// missingReplicaReason closes a queued task whose replica vanished.
const missingReplicaReason = "Closed without merge (replica directory missing)"

// ProcessMergerQueue advances the FIFO merge queue. Globally single-flight;
// at most one merger agent is alive at any instant.
func (s *Supervisor) ProcessMergerQueue(ctx context.Context) {
	s.mergerMu.Lock()
	if s.mergerRunning || s.mergerTaskID != "" {
		s.mergerMu.Unlock()
		return
	}
	s.mergerRunning = true
	s.mergerMu.Unlock()
	defer func() {
		s.mergerMu.Lock()
		s.mergerRunning = false
		s.mergerMu.Unlock()
	}()

	for {
		entry, ok := s.queue.Peek()
		if !ok {
			return
		}

		task, err := s.store.ShowTask(ctx, entry.TaskID)
		if err != nil {
			if errors.Is(err, taskstore.ErrTaskNotFound) {
				s.logger.Warn("dropping queued merge, task no longer exists",
					zap.String("task_id", entry.TaskID))
				s.queue.Remove(entry.TaskID)
				s.destroyReplica(entry.TaskID)
				continue
			}
			// Transient store trouble; keep the entry for a later tick.
			s.logger.Warn("task lookup failed, keeping queued merge",
				zap.String("task_id", entry.TaskID), zap.Error(err))
			return
		}
		if task.Status != taskstore.StatusInProgress {
			// The task moved on without us; its replica is stale.
			s.queue.Remove(entry.TaskID)
			s.destroyReplica(entry.TaskID)
			continue
		}

		if !s.replicas.ExistsDir(entry.ReplicaDir) {
			s.queue.Remove(entry.TaskID)
			s.closeTaskAndUnblockDependents(ctx, entry.TaskID, missingReplicaReason)
			continue
		}

		agent, err := s.spawner.SpawnMerger(ctx, entry.TaskID, entry.ReplicaDir)
		if err != nil {
			s.logger.Warn("failed to spawn merger, will retry",
				zap.String("task_id", entry.TaskID), zap.Error(err))
			return
		}
		s.mergerMu.Lock()
		s.mergerTaskID = entry.TaskID
		s.mergerAgentID = agent.ID
		s.mergerMu.Unlock()

		go s.watchMerger(ctx, agent)
		return
	}
}

// watchMerger catches a merger that exits without signalling completion or
// conflict, releasing the lock so the queue is not wedged forever.
func (s *Supervisor) watchMerger(ctx context.Context, agent *registry.Agent) {
	<-agent.RPC.Exited()
	s.handleMergerExit(ctx, agent)
}

func (s *Supervisor) handleMergerExit(ctx context.Context, agent *registry.Agent) {
	// A stop sweep marks status before stopping the process, so a terminal
	// status here means the exit was expected.
	swept := false
	if current, ok := s.registry.Get(agent.ID); ok && registry.Terminal(current.Status) {
		swept = true
	}

	s.mergerMu.Lock()
	mine := s.mergerAgentID == agent.ID
	if mine {
		s.mergerTaskID = ""
		s.mergerAgentID = ""
	}
	s.mergerMu.Unlock()
	if !mine || swept {
		return
	}

	s.logger.Warn("merger exited without signalling, retrying",
		zap.String("agent_id", agent.ID),
		zap.String("task_id", agent.TaskID))
	s.registry.SetStatus(agent.ID, registry.StatusDead)
	if err := s.store.SetAgentState(ctx, agent.ID, taskstore.AgentStateFailed); err != nil {
		s.logger.Debug("failed to persist merger state", zap.Error(err))
	}
	s.Wake()
}

// releaseMergerLock clears the live-merger marker if it belongs to taskID.
func (s *Supervisor) releaseMergerLock(taskID string) {
	s.mergerMu.Lock()
	if s.mergerTaskID == taskID {
		s.mergerTaskID = ""
		s.mergerAgentID = ""
	}
	s.mergerMu.Unlock()
}

// HandleMergerComplete finishes a successful merge. Strict ordering: destroy
// the replica, close the task, unblock dependents, then let the queue spawn
// the next merger.
func (s *Supervisor) HandleMergerComplete(ctx context.Context, taskID, reason string) {
	s.logger.Info("merge completed", zap.String("task_id", taskID))
	s.queue.Remove(taskID)
	s.destroyReplica(taskID)
	s.closeTaskAndUnblockDependents(ctx, taskID, reason)
	s.stopMergerAgents(ctx, taskID)
	s.releaseMergerLock(taskID)
	s.publish(bus.SubjectMergeCompleted, map[string]interface{}{"task_id": taskID})
	// Detach from the handler's context: dispatch deadlines must not cancel
	// the next queued merge.
	go s.ProcessMergerQueue(context.WithoutCancel(ctx))
}

// HandleMergerConflict blocks a task whose merge could not be completed. The
// replica is kept for human resolution.
func (s *Supervisor) HandleMergerConflict(ctx context.Context, taskID, reason string) {
	s.logger.Warn("merge conflict", zap.String("task_id", taskID), zap.String("reason", reason))
	s.queue.Remove(taskID)
	if err := s.store.UpdateStatus(ctx, taskID, taskstore.StatusBlocked); err != nil {
		s.logger.Warn("failed to block conflicted task", zap.Error(err))
	}
	if err := s.store.Comment(ctx, taskID, spawner.Actor, "Blocked by merger conflict. "+reason); err != nil {
		s.logger.Debug("failed to comment merge conflict", zap.Error(err))
	}
	s.stopMergerAgents(ctx, taskID)
	s.releaseMergerLock(taskID)
	s.publish(bus.SubjectMergeConflict, map[string]interface{}{"task_id": taskID, "reason": reason})
	go s.ProcessMergerQueue(context.WithoutCancel(ctx))
}

// HandleExternalTaskClose reacts to a task closed outside the merge path:
// its queued merge, replica and merger are all obsolete.
func (s *Supervisor) HandleExternalTaskClose(ctx context.Context, taskID string) {
	if !s.queue.Remove(taskID) {
		return
	}
	s.destroyReplica(taskID)
	s.stopMergerAgents(ctx, taskID)
	s.releaseMergerLock(taskID)
	go s.ProcessMergerQueue(context.WithoutCancel(ctx))
}

// HandleFinisherCloseTask routes a finisher's close decision: enqueue the
// task for merge when it has a live replica, otherwise close it directly.
func (s *Supervisor) HandleFinisherCloseTask(ctx context.Context, taskID, reason, agentID string) error {
	if err := s.store.Comment(ctx, taskID, spawner.Actor, "Finisher close recorded for "+taskID); err != nil {
		s.logger.Debug("failed to comment finisher close", zap.Error(err))
	}
	if s.replicasEnabled && s.replicas.Exists(taskID) {
		s.queue.Enqueue(mergequeue.Entry{TaskID: taskID, ReplicaDir: s.replicas.Dir(taskID)})
		s.stopFinisherAgents(ctx, taskID, agentID)
		s.publish(bus.SubjectMergeQueued, map[string]interface{}{"task_id": taskID})
		s.logger.Info("task queued for merge", zap.String("task_id", taskID))
		s.Wake()
		return nil
	}
	s.closeTaskAndUnblockDependents(ctx, taskID, reason)
	return nil
}

// closeTaskAndUnblockDependents closes the task, flips its blocked
// dependents back to open, and kicks pipelines for them as slots allow.
func (s *Supervisor) closeTaskAndUnblockDependents(ctx context.Context, taskID, reason string) {
	if err := s.store.CloseTask(ctx, taskID, reason); err != nil && !errors.Is(err, taskstore.ErrTaskNotFound) {
		s.logger.Warn("failed to close task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.publish(bus.SubjectTaskClosed, map[string]interface{}{"task_id": taskID, "reason": reason})
	if s.IsPaused() {
		return
	}

	unblocked, err := s.sched.FindTasksUnblockedBy(ctx, taskID)
	if err != nil {
		s.logger.Warn("failed to query unblocked dependents", zap.Error(err))
		return
	}
	slots := s.pipeline.AvailableWorkerSlots(s.cfg.MaxWorkers)
	for _, task := range unblocked {
		if task.Status == taskstore.StatusBlocked {
			if err := s.store.UpdateStatus(ctx, task.ID, taskstore.StatusOpen); err != nil {
				s.logger.Warn("failed to unblock dependent",
					zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			task.Status = taskstore.StatusOpen
		}
		if slots <= 0 || s.pipeline.IsInFlight(task.ID) {
			continue
		}
		s.pipeline.KickoffNewTaskPipeline(ctx, task)
		slots--
	}
}

// restoreMergerQueueFromReplicas rebuilds the queue from replicas left on
// disk by a previous run. Stale replicas are destroyed.
func (s *Supervisor) restoreMergerQueueFromReplicas(ctx context.Context) {
	taskIDs, err := s.replicas.ListReplicas()
	if err != nil {
		s.logger.Warn("failed to list replicas for restore", zap.Error(err))
		return
	}
	for _, taskID := range taskIDs {
		task, err := s.store.ShowTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("destroying orphaned replica",
				zap.String("task_id", taskID), zap.Error(err))
			s.destroyReplica(taskID)
			continue
		}
		if task.Status != taskstore.StatusInProgress {
			s.destroyReplica(taskID)
			continue
		}
		if s.queue.Enqueue(mergequeue.Entry{TaskID: taskID, ReplicaDir: s.replicas.Dir(taskID)}) {
			s.logger.Info("restored queued merge", zap.String("task_id", taskID))
		}
	}
}

func (s *Supervisor) destroyReplica(taskID string) {
	if err := s.replicas.DestroyReplica(taskID); err != nil {
		s.logger.Warn("failed to destroy replica", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Supervisor) stopMergerAgents(ctx context.Context, taskID string) {
	s.stopAgentsMatching(ctx, func(a *registry.Agent) bool {
		return a.TaskID == taskID && a.Type == lifecycle.TypeMerger
	})
}

func (s *Supervisor) stopFinisherAgents(ctx context.Context, taskID, exceptAgentID string) {
	s.stopAgentsMatching(ctx, func(a *registry.Agent) bool {
		return a.TaskID == taskID && a.Type == lifecycle.TypeFinisher && a.ID != exceptAgentID
	})
}
