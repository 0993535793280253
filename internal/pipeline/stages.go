package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/taskstore"
)

// designLabels routes tasks to the designer worker type.
var designLabels = regexp.MustCompile(`design|ui|ux|figma|visual|brand`)

// runNewTaskPipeline claims an open task and drives it through the speedy
// fast path (tiny scope) and the issuer stage to a worker.
func (m *Manager) runNewTaskPipeline(ctx context.Context, task *taskstore.Task) {
	claimed, err := m.sched.TryClaim(ctx, task.ID, spawner.Actor)
	if err != nil {
		m.logger.Warn("claim failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !claimed {
		m.logger.Debug("task claimed elsewhere", zap.String("task_id", task.ID))
		return
	}
	m.publish(bus.SubjectTaskClaimed, map[string]interface{}{"task_id": task.ID})

	extra := ""
	if task.Scope == taskstore.ScopeTiny {
		outcome := m.runSpeedy(ctx, task)
		switch outcome.kind {
		case speedyClosed, speedyBlocked:
			return
		case speedyDone:
			m.startFinisher(ctx, task.ID, outcome.message)
			return
		case speedyEscalate:
			extra = "A fast-path attempt escalated this task to full planning: " + outcome.message
		case speedyFailed:
			extra = "A fast-path attempt did not finish (" + outcome.message + "). Plan the task normally."
		}
	}

	m.driveIssuer(ctx, task, extra, agentEndWait)
}

// runResumePipeline restarts work on an in_progress task with no live agent.
// A pending interrupt kickoff skips the issuer and goes straight to a worker.
func (m *Manager) runResumePipeline(ctx context.Context, task *taskstore.Task) {
	if kickoff, ok := m.TakePendingKickoff(task.ID); ok {
		m.logger.Info("resuming with pending kickoff", zap.String("task_id", task.ID))
		m.spawnWorkerAndWatch(ctx, task, "", workerStart{kickoff: kickoff})
		return
	}
	extra := "This task is already in progress but has no active agent. " +
		"Resume from the current state: review existing progress and decide the next step."
	m.driveIssuer(ctx, task, extra, resumeProbeWait)
}

// DriveIssuer runs the issuer stage for a task and acts on its decision.
// Exposed for external agent replacement, which honors issuer outcomes the
// same way the pipeline does.
func (m *Manager) DriveIssuer(ctx context.Context, task *taskstore.Task, extra string) {
	m.driveIssuer(ctx, task, extra, agentEndWait)
}

func (m *Manager) driveIssuer(ctx context.Context, task *taskstore.Task, extra string, wait time.Duration) {
	outcome := m.runAgentWithRetry(ctx, retryConfig{
		name:        "issuer",
		taskID:      task.ID,
		waitTimeout: wait,
		maxAttempts: maxAttempts,
		spawn: func(ctx context.Context, attempt int, sessionID string) (*registry.Agent, error) {
			if attempt == 1 {
				return m.spawner.SpawnIssuer(ctx, task.ID, extra)
			}
			if sessionID != "" {
				return m.spawner.ResumeAgent(ctx, lifecycle.TypeIssuer, task.ID, sessionID, recoveryMessage)
			}
			return m.spawner.SpawnIssuer(ctx, task.ID, joinExtra(extra, recoveryMessage))
		},
	})

	switch {
	case outcome.abortReason != "":
		m.logger.Info("issuer recovery abandoned",
			zap.String("task_id", task.ID),
			zap.String("reason", outcome.abortReason))
	case outcome.failReason != "":
		m.blockTask(ctx, task.ID, "Blocked by issuer. "+outcome.failReason)
	default:
		m.actOnIssuer(ctx, task, outcome.record)
	}
}

func (m *Manager) actOnIssuer(ctx context.Context, task *taskstore.Task, rec *lifecycle.Record) {
	switch rec.Action {
	case lifecycle.ActionClose:
		// No worker needed; the finisher verifies and closes.
		payload := joinExtra("No worker needed. "+rec.Message, rec.Reason)
		m.startFinisher(ctx, task.ID, payload)
	case lifecycle.ActionBlock:
		m.blockTask(ctx, task.ID, "Blocked by issuer. "+joinExtra(rec.Message, rec.Reason))
	case lifecycle.ActionAdvance:
		m.spawnWorkerAndWatch(ctx, task, rec.Target, workerStart{extra: rec.Message})
	}
}

// KickoffReplacement drives an externally requested replacement agent in the
// background, honoring issuer outcomes the same way a pipeline does. The
// pending-replacement flag is cleared on every exit path.
func (m *Manager) KickoffReplacement(ctx context.Context, task *taskstore.Task, agentType lifecycle.AgentType, extra string) {
	m.kickoff(ctx, task, func(ctx context.Context, task *taskstore.Task) {
		defer m.SetPendingReplacement(task.ID, false)
		switch agentType {
		case lifecycle.TypeIssuer:
			m.driveIssuer(ctx, task, extra, agentEndWait)
		case lifecycle.TypeWorker, lifecycle.TypeDesigner:
			m.spawnWorkerAndWatch(ctx, task, agentType, workerStart{extra: extra})
		case lifecycle.TypeFinisher:
			m.startFinisher(ctx, task.ID, extra)
		default:
			m.logger.Warn("unsupported replacement agent type",
				zap.String("task_id", task.ID),
				zap.String("type", string(agentType)))
		}
	})
}

// ----- speedy fast path -----

type speedyKind int

const (
	speedyClosed speedyKind = iota
	speedyDone
	speedyEscalate
	speedyBlocked
	speedyFailed
)

type speedyOutcome struct {
	kind    speedyKind
	message string
}

// runSpeedy drives the tiny-scope fast path: one speedy agent that either
// finishes the task itself, hands to a finisher, escalates to the issuer, or
// blocks.
func (m *Manager) runSpeedy(ctx context.Context, task *taskstore.Task) speedyOutcome {
	outcome := m.runAgentWithRetry(ctx, retryConfig{
		name:        "speedy",
		taskID:      task.ID,
		waitTimeout: agentEndWait,
		maxAttempts: maxAttempts,
		spawn: func(ctx context.Context, attempt int, sessionID string) (*registry.Agent, error) {
			if attempt > 1 {
				if sessionID != "" {
					return m.spawner.ResumeAgent(ctx, lifecycle.TypeSpeedy, task.ID, sessionID, recoveryMessage)
				}
				return m.spawner.SpawnAgent(ctx, lifecycle.TypeSpeedy, task.ID, spawner.Options{Extra: recoveryMessage})
			}
			return m.spawner.SpawnAgent(ctx, lifecycle.TypeSpeedy, task.ID, spawner.Options{})
		},
	})

	switch {
	case outcome.abortReason != "":
		return speedyOutcome{kind: speedyFailed, message: outcome.abortReason}
	case outcome.failReason != "":
		return speedyOutcome{kind: speedyFailed, message: outcome.failReason}
	}

	rec := outcome.record
	switch rec.Action {
	case lifecycle.ActionClose:
		reason := joinExtra(rec.Message, rec.Reason)
		if reason == "" {
			reason = "completed by fast path"
		}
		m.closeTask(ctx, task.ID, reason)
		return speedyOutcome{kind: speedyClosed}
	case lifecycle.ActionBlock:
		m.blockTask(ctx, task.ID, "Blocked by speedy. "+joinExtra(rec.Message, rec.Reason))
		return speedyOutcome{kind: speedyBlocked}
	case lifecycle.ActionAdvance:
		if rec.Target == lifecycle.TypeFinisher {
			return speedyOutcome{kind: speedyDone, message: rec.Message}
		}
		return speedyOutcome{kind: speedyEscalate, message: joinExtra(rec.Message, rec.Reason)}
	}
	return speedyOutcome{kind: speedyFailed, message: "unreachable speedy outcome"}
}

// ----- worker stage -----

type workerStart struct {
	extra   string // issuer context appended to the standard task prompt
	kickoff string // verbatim kickoff replacing the prompt (interrupts)
}

// SpawnWorkerAndWatch launches the right worker type for a task and watches
// it to the next hand-off. Exposed for external agent replacement.
func (m *Manager) SpawnWorkerAndWatch(ctx context.Context, task *taskstore.Task, target lifecycle.AgentType, kickoff string) (*registry.Agent, error) {
	return m.spawnWorkerAndWatch(ctx, task, target, workerStart{extra: kickoff})
}

func (m *Manager) spawnWorkerAndWatch(ctx context.Context, task *taskstore.Task, target lifecycle.AgentType, start workerStart) (*registry.Agent, error) {
	workerType := selectWorkerType(target, task.Labels)
	agent, err := m.spawner.SpawnAgent(ctx, workerType, task.ID, spawner.Options{
		Extra:          start.extra,
		KickoffMessage: start.kickoff,
	})
	if err != nil {
		m.logger.Warn("failed to spawn worker",
			zap.String("task_id", task.ID),
			zap.String("type", string(workerType)),
			zap.Error(err))
		return nil, err
	}
	go m.watchWorker(ctx, agent)
	return agent, nil
}

// selectWorkerType picks the worker type: issuer override first, then label
// rules, then the default worker.
func selectWorkerType(target lifecycle.AgentType, labels []string) lifecycle.AgentType {
	if target == lifecycle.TypeWorker || target == lifecycle.TypeDesigner {
		return target
	}
	for _, label := range labels {
		if designLabels.MatchString(strings.ToLower(label)) {
			return lifecycle.TypeDesigner
		}
	}
	return lifecycle.TypeWorker
}

// watchWorker waits for a worker's turn to end and consumes its hand-off.
func (m *Manager) watchWorker(ctx context.Context, agent *registry.Agent) {
	waitErr := agent.RPC.WaitForAgentEnd(ctx, agentEndWait)

	if current, ok := m.registry.Get(agent.ID); ok && registry.Terminal(current.Status) {
		// A stop sweep already finalized this agent.
		return
	}

	rec := m.ConsumeLifecycle(agent.TaskID)
	if rec == nil {
		m.finalizeAgent(ctx, agent, registry.StatusDead, taskstore.AgentStateFailed)
		if waitErr != nil {
			m.logger.Warn("worker ended without hand-off",
				zap.String("agent_id", agent.ID), zap.Error(waitErr))
		} else {
			m.logger.Warn("worker ended without hand-off", zap.String("agent_id", agent.ID))
		}
		// The resume pipeline picks the task up on a later tick.
		return
	}

	m.finalizeAgent(ctx, agent, registry.StatusDone, taskstore.AgentStateClosed)
	m.publish(bus.SubjectAgentEnded, map[string]interface{}{
		"agent_id": agent.ID,
		"task_id":  agent.TaskID,
		"action":   string(rec.Action),
	})

	switch rec.Action {
	case lifecycle.ActionAdvance:
		m.startFinisher(ctx, agent.TaskID, rec.Message)
	case lifecycle.ActionBlock:
		m.blockTask(ctx, agent.TaskID, fmt.Sprintf("Blocked by %s. %s", agent.Type, joinExtra(rec.Message, rec.Reason)))
	}
}

// ----- finisher stage -----

// startFinisher launches the finisher under a lifecycle-transition guard and
// watches it.
func (m *Manager) startFinisher(ctx context.Context, taskID, payload string) {
	if !m.BeginTransition(taskID) {
		m.logger.Debug("finisher transition already running", zap.String("task_id", taskID))
		return
	}
	defer m.EndTransition(taskID)

	var agent *registry.Agent
	var err error
	if m.services.SpawnFinisher != nil {
		agent, err = m.services.SpawnFinisher(ctx, taskID, payload)
	} else {
		agent, err = m.spawner.SpawnFinisher(ctx, taskID, payload)
	}
	if err != nil {
		m.logger.Warn("failed to spawn finisher", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	go m.watchFinisher(ctx, agent)
}

// watchFinisher waits for a finisher's turn to end and consumes its
// hand-off: close (merge or close+unblock), bounce back to a worker, rerun
// the issuer, or block.
func (m *Manager) watchFinisher(ctx context.Context, agent *registry.Agent) {
	waitErr := agent.RPC.WaitForAgentEnd(ctx, agentEndWait)

	if current, ok := m.registry.Get(agent.ID); ok && registry.Terminal(current.Status) {
		return
	}

	rec := m.ConsumeLifecycle(agent.TaskID)
	if rec == nil {
		m.finalizeAgent(ctx, agent, registry.StatusDead, taskstore.AgentStateFailed)
		if waitErr != nil {
			m.logger.Warn("finisher ended without hand-off",
				zap.String("agent_id", agent.ID), zap.Error(waitErr))
		}
		return
	}

	m.finalizeAgent(ctx, agent, registry.StatusDone, taskstore.AgentStateClosed)

	switch rec.Action {
	case lifecycle.ActionClose:
		reason := joinExtra(rec.Message, rec.Reason)
		if reason == "" {
			reason = "completed"
		}
		if m.services.FinisherClose != nil {
			if err := m.services.FinisherClose(ctx, agent.TaskID, reason, agent.ID); err != nil {
				m.logger.Warn("finisher close handling failed",
					zap.String("task_id", agent.TaskID), zap.Error(err))
			}
		} else {
			m.closeTask(ctx, agent.TaskID, reason)
		}
	case lifecycle.ActionAdvance:
		switch rec.Target {
		case lifecycle.TypeWorker:
			task, err := m.store.ShowTask(ctx, agent.TaskID)
			if err != nil {
				m.logger.Warn("failed to fetch task for worker bounce", zap.Error(err))
				return
			}
			m.spawnWorkerAndWatch(ctx, task, lifecycle.TypeWorker, workerStart{extra: rec.Message})
		case lifecycle.TypeIssuer:
			task, err := m.store.ShowTask(ctx, agent.TaskID)
			if err != nil {
				m.logger.Warn("failed to fetch task for issuer rerun", zap.Error(err))
				return
			}
			extra := "A finisher sent this task back for re-planning: " + joinExtra(rec.Message, rec.Reason)
			m.driveIssuer(ctx, task, extra, agentEndWait)
		}
	case lifecycle.ActionBlock:
		m.blockTask(ctx, agent.TaskID, "Blocked by finisher. "+joinExtra(rec.Message, rec.Reason))
	}
}

func (m *Manager) closeTask(ctx context.Context, taskID, reason string) {
	if err := m.store.CloseTask(ctx, taskID, reason); err != nil {
		m.logger.Warn("failed to close task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	m.publish(bus.SubjectTaskClosed, map[string]interface{}{"task_id": taskID, "reason": reason})
}

func joinExtra(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return strings.Join(out, "; ")
}
