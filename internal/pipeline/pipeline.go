// Package pipeline drives the per-task state machine: claim, optional speedy
// fast path, issuer, worker, finisher hand-offs, with retry and recovery for
// agents that exit without completing the lifecycle hand-off.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/common/crashlog"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/taskstore"
)

const (
	agentEndWait    = 15 * time.Minute
	resumeProbeWait = 20 * time.Second
	maxAttempts     = 3
	stopGrace       = 2 * time.Second
)

// Services holds the callbacks the pipeline needs from components built
// around it, wired after construction to avoid cyclic references.
type Services struct {
	// SpawnFinisher launches a finisher after stopping steering on the task.
	SpawnFinisher func(ctx context.Context, taskID, workerOutput string) (*registry.Agent, error)
	// FinisherClose handles a finisher's close record: enqueue for merge or
	// close the task and unblock dependents.
	FinisherClose func(ctx context.Context, taskID, reason, agentID string) error
}

// Manager owns per-task pipeline state. All state is purged on restart; the
// task store and replicas on disk are the only durable records.
type Manager struct {
	logger   *logger.Logger
	store    taskstore.Client
	sched    taskstore.Scheduler
	registry *registry.Registry
	spawner  *spawner.Spawner
	events   bus.EventBus
	crashDir string
	services Services

	mu                  sync.Mutex
	inFlight            map[string]int
	lifecycleByTask     map[string]*lifecycle.Record
	pendingReplacements map[string]struct{}
	pendingKickoffs     map[string]string
	transitions         map[string]struct{}
}

// New creates a pipeline manager. Wire Services before kicking pipelines.
func New(store taskstore.Client, sched taskstore.Scheduler, reg *registry.Registry,
	spawn *spawner.Spawner, events bus.EventBus, crashDir string, log *logger.Logger) *Manager {
	return &Manager{
		logger:              log.WithFields(zap.String("component", "pipeline")),
		store:               store,
		sched:               sched,
		registry:            reg,
		spawner:             spawn,
		events:              events,
		crashDir:            crashDir,
		inFlight:            make(map[string]int),
		lifecycleByTask:     make(map[string]*lifecycle.Record),
		pendingReplacements: make(map[string]struct{}),
		pendingKickoffs:     make(map[string]string),
		transitions:         make(map[string]struct{}),
	}
}

// SetServices wires the post-construction callbacks.
func (m *Manager) SetServices(s Services) { m.services = s }

// ----- admission accounting -----

// IsInFlight reports whether a pipeline currently drives the task.
func (m *Manager) IsInFlight(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[taskID] > 0
}

// DistinctInFlight counts tasks with at least one pipeline in flight.
func (m *Manager) DistinctInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// AvailableWorkerSlots computes the admission budget: active worker-class
// agents plus reserved in-flight pipelines never exceed maxWorkers.
func (m *Manager) AvailableWorkerSlots(maxWorkers int) int {
	slots := maxWorkers - m.registry.ActiveWorkerCount() - m.DistinctInFlight()
	if slots < 0 {
		return 0
	}
	return slots
}

func (m *Manager) incInFlight(taskID string) {
	m.mu.Lock()
	m.inFlight[taskID]++
	m.mu.Unlock()
}

func (m *Manager) decInFlight(taskID string) {
	m.mu.Lock()
	if m.inFlight[taskID] <= 1 {
		delete(m.inFlight, taskID)
	} else {
		m.inFlight[taskID]--
	}
	m.mu.Unlock()
}

// ----- pending kickoffs (urgent interrupts with no live agent) -----

// QueuePendingKickoff stores an interrupt message for delivery to the task's
// next worker, replacing any earlier one.
func (m *Manager) QueuePendingKickoff(taskID, message string) {
	m.mu.Lock()
	m.pendingKickoffs[taskID] = message
	m.mu.Unlock()
}

// TakePendingKickoff consumes the pending kickoff for a task, if any.
func (m *Manager) TakePendingKickoff(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.pendingKickoffs[taskID]
	if ok {
		delete(m.pendingKickoffs, taskID)
	}
	return msg, ok
}

// HasPendingKickoff reports whether a pending kickoff awaits the task.
func (m *Manager) HasPendingKickoff(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingKickoffs[taskID]
	return ok
}

// ----- worker replacements -----

// SetPendingReplacement flags a task as undergoing an external agent
// replacement, suppressing secondary blocking from retiring agents.
func (m *Manager) SetPendingReplacement(taskID string, pending bool) {
	m.mu.Lock()
	if pending {
		m.pendingReplacements[taskID] = struct{}{}
	} else {
		delete(m.pendingReplacements, taskID)
	}
	m.mu.Unlock()
}

// HasPendingReplacement reports the replacement flag for a task.
func (m *Manager) HasPendingReplacement(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingReplacements[taskID]
	return ok
}

// ----- lifecycle transitions -----

// BeginTransition marks a task as mid-hand-off so the tick loop does not
// kick a concurrent pipeline against it. Returns false if already marked.
func (m *Manager) BeginTransition(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.transitions[taskID]; busy {
		return false
	}
	m.transitions[taskID] = struct{}{}
	return true
}

// EndTransition clears the hand-off marker.
func (m *Manager) EndTransition(taskID string) {
	m.mu.Lock()
	delete(m.transitions, taskID)
	m.mu.Unlock()
}

// InTransition reports whether a hand-off is running for the task.
func (m *Manager) InTransition(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transitions[taskID]
	return ok
}

// ----- kickoff helpers -----

// KickoffNewTaskPipeline reserves a slot and drives a new task in the
// background. The reservation is released on every exit path.
func (m *Manager) KickoffNewTaskPipeline(ctx context.Context, task *taskstore.Task) {
	m.kickoff(ctx, task, m.runNewTaskPipeline)
}

// KickoffResumePipeline reserves a slot and resumes an in_progress task that
// lost its agent.
func (m *Manager) KickoffResumePipeline(ctx context.Context, task *taskstore.Task) {
	m.kickoff(ctx, task, m.runResumePipeline)
}

func (m *Manager) kickoff(ctx context.Context, task *taskstore.Task, run func(context.Context, *taskstore.Task)) {
	m.incInFlight(task.ID)
	go func() {
		defer m.decInFlight(task.ID)
		defer func() {
			if r := recover(); r != nil {
				if path, err := crashlog.Write(m.crashDir, "pipeline", r); err == nil {
					m.logger.Error("pipeline panicked",
						zap.String("task_id", task.ID),
						zap.String("crash_report", path))
				} else {
					m.logger.Error("pipeline panicked",
						zap.String("task_id", task.ID),
						zap.Any("panic", r))
				}
			}
		}()
		run(ctx, task)
	}()
}

// ----- small shared helpers -----

// finalizeAgent drives an agent to a terminal state and releases its store
// bookkeeping.
func (m *Manager) finalizeAgent(ctx context.Context, agent *registry.Agent, status registry.Status, state taskstore.AgentState) {
	prev, _ := m.registry.SetStatus(agent.ID, status)
	if registry.Terminal(prev) {
		return
	}
	_ = agent.RPC.Stop(stopGrace)
	if err := m.store.SetAgentState(ctx, agent.ID, state); err != nil {
		m.logger.Debug("failed to persist agent state", zap.Error(err))
	}
	if agent.TaskID != "" {
		if err := m.store.ClearSlot(ctx, agent.TaskID, "callbackHandler"); err != nil {
			m.logger.Debug("failed to clear task slot", zap.Error(err))
		}
	}
}

// blockTask sets a task blocked with a comment, unless an active worker or a
// pending replacement owns the task's state.
func (m *Manager) blockTask(ctx context.Context, taskID, comment string) {
	if m.HasPendingReplacement(taskID) {
		m.logger.Info("skipping block, replacement pending", zap.String("task_id", taskID))
		return
	}
	if m.hasLiveWorker(taskID) {
		m.logger.Info("skipping block, live worker owns the task", zap.String("task_id", taskID))
		return
	}
	if err := m.store.UpdateStatus(ctx, taskID, taskstore.StatusBlocked); err != nil {
		m.logger.Warn("failed to block task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if comment != "" {
		if err := m.store.Comment(ctx, taskID, spawner.Actor, comment); err != nil {
			m.logger.Debug("failed to comment block reason", zap.Error(err))
		}
	}
	m.publish(bus.SubjectTaskBlocked, map[string]interface{}{"task_id": taskID, "reason": comment})
}

func (m *Manager) hasLiveWorker(taskID string) bool {
	for _, a := range m.registry.GetActiveByTask(taskID) {
		if lifecycle.WorkerClass(a.Type) {
			return true
		}
	}
	return false
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(context.Background(), subject, bus.NewEvent(subject, spawner.Actor, data)); err != nil {
		m.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
