// Package steering periodically reviews live workers with short-lived
// steering agents, delivers urgent interrupts, routes operator broadcasts,
// and adjudicates file-conflict complaints between agents.
package steering

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/spawner"
)

const (
	// UrgentPrefix marks interrupt messages so the agent treats them as
	// overriding instructions.
	UrgentPrefix = "[URGENT MESSAGE]\n\n"

	steeringWait  = 2 * time.Minute
	broadcastWait = 1 * time.Minute
	resolverWait  = 2 * time.Minute
)

// Manager drives steering reviews and interrupts against live workers.
type Manager struct {
	logger   *logger.Logger
	registry *registry.Registry
	spawner  *spawner.Spawner
	events   bus.EventBus
	interval time.Duration

	// queueKickoff hands a pending interrupt kickoff to the pipeline when a
	// task has no live agent to deliver it to. Set by the owner at wiring
	// time.
	queueKickoff func(taskID, message string)

	mu           sync.Mutex
	lastSteering map[string]time.Time // worker agent id -> last review
	inFlight     map[string]struct{}  // worker agent id with a live review
	takeover     map[string]struct{}  // task ids a finisher has taken over

	broadcasts singleflight.Group

	cmu        sync.Mutex
	complaints map[string]*Complaint
}

// New creates a steering manager. interval is the minimum gap between
// reviews of the same worker.
func New(reg *registry.Registry, spawn *spawner.Spawner, events bus.EventBus,
	interval time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		logger:       log.WithFields(zap.String("component", "steering")),
		registry:     reg,
		spawner:      spawn,
		events:       events,
		interval:     interval,
		lastSteering: make(map[string]time.Time),
		inFlight:     make(map[string]struct{}),
		takeover:     make(map[string]struct{}),
		complaints:   make(map[string]*Complaint),
	}
}

// SetKickoffQueue wires the pipeline's pending-kickoff queue.
func (m *Manager) SetKickoffQueue(fn func(taskID, message string)) {
	m.queueKickoff = fn
}

// MaybeSteerWorkers starts a review for every active worker whose steering
// interval has elapsed. No-op while the supervisor is paused.
func (m *Manager) MaybeSteerWorkers(ctx context.Context, paused bool) {
	if paused {
		return
	}
	now := time.Now()
	for _, worker := range m.registry.GetActive() {
		if !lifecycle.WorkerClass(worker.Type) || worker.TaskID == "" {
			continue
		}
		if m.taskHasFinisher(worker.TaskID) {
			continue
		}
		m.mu.Lock()
		if _, busy := m.inFlight[worker.ID]; busy {
			m.mu.Unlock()
			continue
		}
		last, seen := m.lastSteering[worker.ID]
		if !seen {
			// First sighting starts the clock; never steer a fresh worker.
			m.lastSteering[worker.ID] = now
			m.mu.Unlock()
			continue
		}
		if now.Sub(last) < m.interval {
			m.mu.Unlock()
			continue
		}
		m.inFlight[worker.ID] = struct{}{}
		m.lastSteering[worker.ID] = now
		m.mu.Unlock()

		w := worker
		go func() {
			defer m.clearInFlight(w.ID)
			m.runSteeringForWorker(ctx, w)
		}()
	}
}

func (m *Manager) clearInFlight(workerID string) {
	m.mu.Lock()
	delete(m.inFlight, workerID)
	m.mu.Unlock()
}

// runSteeringForWorker reviews one worker: summarize its recent transcript,
// ask a steering agent for a decision, apply it.
func (m *Manager) runSteeringForWorker(ctx context.Context, worker *registry.Agent) {
	log := m.logger.WithFields(
		zap.String("worker_id", worker.ID),
		zap.String("task_id", worker.TaskID))

	summary := m.workerTranscript(ctx, worker)
	if summary == "" {
		log.Debug("no transcript to steer against")
		return
	}

	agent, err := m.spawner.SpawnSteering(ctx, worker.TaskID, summary)
	if err != nil {
		log.Warn("failed to spawn steering agent", zap.Error(err))
		return
	}
	// One assistant turn is all a steering agent gets.
	waitErr := agent.RPC.WaitForAgentEnd(ctx, steeringWait)
	text, textErr := agent.RPC.GetLastAssistantText(ctx)
	agent.RPC.ForceKill()
	m.registry.SetStatus(agent.ID, registry.StatusDone)

	if waitErr != nil && textErr != nil {
		log.Warn("steering agent produced no output", zap.Error(waitErr))
		return
	}
	decision, err := parseDecision(text)
	if err != nil {
		log.Warn("unparseable steering decision", zap.String("text", truncate(text, 200)), zap.Error(err))
		return
	}

	if m.hasTakeover(worker.TaskID) || m.taskHasFinisher(worker.TaskID) {
		log.Info("steering decision dropped, finisher took over")
		return
	}
	current, ok := m.registry.Get(worker.ID)
	if !ok || registry.Terminal(current.Status) {
		return
	}

	m.publishDecision(worker, decision)
	switch decision.Action {
	case "steer":
		if decision.Message == "" {
			return
		}
		if err := worker.RPC.Steer(ctx, decision.Message); err != nil {
			log.Warn("failed to steer worker", zap.Error(err))
		}
	case "interrupt":
		if err := worker.RPC.Abort(ctx); err != nil {
			log.Warn("failed to interrupt worker", zap.Error(err))
		}
	case "none", "":
		// Healthy worker.
	default:
		log.Warn("unknown steering action", zap.String("action", decision.Action))
	}
}

// workerTranscript summarizes the worker's recent history for steering.
func (m *Manager) workerTranscript(ctx context.Context, worker *registry.Agent) string {
	raw, err := worker.RPC.GetMessages(ctx)
	if err == nil {
		if s := formatTranscript(raw, 5); s != "" {
			return s
		}
	}
	text, err := worker.RPC.GetLastAssistantText(ctx)
	if err != nil || text == "" {
		return ""
	}
	return squashWhitespace(text)
}

// SteerAgent delivers a message to every active non-finisher agent on a
// task. Returns false when the task has no such agents.
func (m *Manager) SteerAgent(ctx context.Context, taskID, message string) bool {
	targets := m.steerTargets(taskID)
	if len(targets) == 0 {
		return false
	}
	for _, agent := range targets {
		if err := agent.RPC.Steer(ctx, message); err != nil {
			m.logger.Warn("failed to steer agent",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	return true
}

// InterruptAgent delivers an urgent message. With no live agents the message
// is queued as a pending kickoff for the task's next resume. Otherwise each
// target is aborted and re-prompted, with the pre-interrupt turn's agent_end
// swallowed.
func (m *Manager) InterruptAgent(ctx context.Context, taskID, message string) error {
	urgent := UrgentPrefix + message
	targets := m.steerTargets(taskID)
	if len(targets) == 0 {
		m.queuePendingKickoff(taskID, urgent)
		m.logger.Info("interrupt queued as pending kickoff", zap.String("task_id", taskID))
		return nil
	}
	for _, agent := range targets {
		agent.RPC.SuppressNextAgentEnd()
		if err := agent.RPC.AbortAndPrompt(ctx, urgent); err != nil {
			m.logger.Warn("interrupt delivery failed, stopping agent",
				zap.String("agent_id", agent.ID), zap.Error(err))
			m.registry.SetStatus(agent.ID, registry.StatusStopped)
			_ = agent.RPC.Stop(2 * time.Second)
			m.queuePendingKickoff(taskID, urgent)
		}
	}
	return nil
}

func (m *Manager) queuePendingKickoff(taskID, message string) {
	if m.queueKickoff != nil {
		m.queueKickoff(taskID, message)
	}
}

// BroadcastToWorkers routes one operator message across all workers through
// a broadcast-steering agent. Globally single-flight.
func (m *Manager) BroadcastToWorkers(ctx context.Context, message string) error {
	_, err, _ := m.broadcasts.Do("broadcast", func() (interface{}, error) {
		return nil, m.runBroadcast(ctx, message)
	})
	return err
}

func (m *Manager) runBroadcast(ctx context.Context, message string) error {
	workers := m.activeWorkers()
	if len(workers) == 0 {
		return fmt.Errorf("no active workers to broadcast to")
	}

	var snapshot strings.Builder
	for _, w := range workers {
		fmt.Fprintf(&snapshot, "- task %s (%s, agent %s)\n", w.TaskID, w.Type, w.ID)
	}

	agent, err := m.spawner.SpawnBroadcastSteering(ctx, message, snapshot.String())
	if err != nil {
		return fmt.Errorf("failed to spawn broadcast steering: %w", err)
	}
	waitErr := agent.RPC.WaitForAgentEnd(ctx, broadcastWait)
	text, textErr := agent.RPC.GetLastAssistantText(ctx)
	agent.RPC.ForceKill()
	m.registry.SetStatus(agent.ID, registry.StatusDone)
	if waitErr != nil && textErr != nil {
		return fmt.Errorf("broadcast steering produced no output: %w", waitErr)
	}

	decisions, err := parseBroadcastDecisions(text)
	if err != nil {
		return fmt.Errorf("unparseable broadcast decisions: %w", err)
	}

	byTask := make(map[string]*registry.Agent, len(workers))
	for _, w := range workers {
		byTask[w.TaskID] = w
	}
	for _, d := range decisions {
		worker, ok := byTask[d.TaskID]
		if !ok || m.taskHasFinisher(d.TaskID) {
			continue
		}
		m.publishDecision(worker, Decision{Action: d.Action, Message: d.Message, Reason: d.Reason})
		switch d.Action {
		case "steer":
			if d.Message == "" {
				continue
			}
			if err := worker.RPC.Steer(ctx, d.Message); err != nil {
				m.logger.Warn("broadcast steer failed",
					zap.String("task_id", d.TaskID), zap.Error(err))
			}
		case "interrupt":
			if err := worker.RPC.Abort(ctx); err != nil {
				m.logger.Warn("broadcast interrupt failed",
					zap.String("task_id", d.TaskID), zap.Error(err))
			}
		}
	}
	return nil
}

// SpawnFinisherAfterStoppingSteering marks the task as taken over, stops any
// steering activity aimed at it, then launches the finisher.
func (m *Manager) SpawnFinisherAfterStoppingSteering(ctx context.Context, taskID, workerOutput string) (*registry.Agent, error) {
	m.mu.Lock()
	m.takeover[taskID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.takeover, taskID)
		m.mu.Unlock()
	}()

	for _, agent := range m.registry.GetActiveByTask(taskID) {
		if agent.Type != lifecycle.TypeSteering {
			continue
		}
		m.registry.SetStatus(agent.ID, registry.StatusStopped)
		_ = agent.RPC.Stop(2 * time.Second)
	}
	return m.spawner.SpawnFinisher(ctx, taskID, workerOutput)
}

func (m *Manager) hasTakeover(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.takeover[taskID]
	return ok
}

func (m *Manager) taskHasFinisher(taskID string) bool {
	for _, a := range m.registry.GetActiveByTask(taskID) {
		if a.Type == lifecycle.TypeFinisher {
			return true
		}
	}
	return false
}

// steerTargets returns active, steerable agents on a task: everything but
// finishers, mergers, and steering agents themselves.
func (m *Manager) steerTargets(taskID string) []*registry.Agent {
	var out []*registry.Agent
	for _, a := range m.registry.GetActiveByTask(taskID) {
		switch a.Type {
		case lifecycle.TypeFinisher, lifecycle.TypeMerger, lifecycle.TypeSteering:
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Manager) activeWorkers() []*registry.Agent {
	var out []*registry.Agent
	for _, a := range m.registry.GetActive() {
		if lifecycle.WorkerClass(a.Type) && a.TaskID != "" {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) publishDecision(worker *registry.Agent, d Decision) {
	if m.events == nil {
		return
	}
	ev := bus.NewEvent(bus.SubjectSteeringDecision, spawner.Actor, map[string]interface{}{
		"worker_id": worker.ID,
		"task_id":   worker.TaskID,
		"action":    d.Action,
		"reason":    d.Reason,
	})
	if err := m.events.Publish(context.Background(), bus.SubjectSteeringDecision, ev); err != nil {
		m.logger.Debug("failed to publish steering decision", zap.Error(err))
	}
}
