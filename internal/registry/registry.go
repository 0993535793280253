// Package registry tracks every live agent subprocess: one record per agent,
// a bounded event ring per record, and a heartbeat that mirrors observable
// state into the task store.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/rpc"
	"github.com/oms/singularity/internal/taskstore"
	"go.uber.org/zap"
)

// Status of a live agent. Terminal statuses remove an agent from the active set.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
	StatusStopped  Status = "stopped"
	StatusDead     Status = "dead"
)

// Terminal reports whether s is a terminal status.
func Terminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusAborted, StatusStopped, StatusDead:
		return true
	}
	return false
}

// maxEventsPerAgent bounds each agent's event ring.
const maxEventsPerAgent = 10000

// AgentEvent is one structured log record in an agent's ring buffer.
type AgentEvent struct {
	Type string                 `json:"type"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Agent is the registry's record of one live subprocess. Mutable fields are
// guarded by the registry; read them through snapshots or registry methods.
type Agent struct {
	ID           string
	Type         lifecycle.AgentType
	TaskID       string
	TasksAgentID string
	Status       Status
	Usage        taskstore.Usage
	SpawnedAt    time.Time
	LastActivity time.Time
	RPC          *rpc.Client
	ReplicaDir   string
	SessionID    string
	Model        string
	Thinking     string

	events []AgentEvent
}

// Summary is the read-only view handed to observers and steering prompts.
type Summary struct {
	ID           string              `json:"id"`
	Type         lifecycle.AgentType `json:"type"`
	TaskID       string              `json:"task_id,omitempty"`
	Status       Status              `json:"status"`
	Usage        taskstore.Usage     `json:"usage"`
	SpawnedAt    time.Time           `json:"spawned_at"`
	LastActivity time.Time           `json:"last_activity"`
	SessionID    string              `json:"session_id,omitempty"`
	Model        string              `json:"model,omitempty"`
}

// Registry is the in-memory map of live agents.
type Registry struct {
	logger *logger.Logger
	store  taskstore.Client

	mu     sync.RWMutex
	agents map[string]*Agent

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
}

// New creates an empty registry. store may be nil in tests; the heartbeat is
// then a no-op.
func New(store taskstore.Client, log *logger.Logger) *Registry {
	return &Registry{
		logger: log.WithFields(zap.String("component", "registry")),
		store:  store,
		agents: make(map[string]*Agent),
	}
}

// Register adds an agent record. Registering an existing id replaces it.
func (r *Registry) Register(agent *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent.SpawnedAt.IsZero() {
		agent.SpawnedAt = time.Now().UTC()
	}
	if agent.LastActivity.IsZero() {
		agent.LastActivity = agent.SpawnedAt
	}
	r.agents[agent.ID] = agent
}

// Remove deletes an agent record. Only terminal agents should be removed.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Get returns the agent with the given id.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

// GetAll returns every registered agent.
func (r *Registry) GetAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// GetActive returns agents whose status is non-terminal.
func (r *Registry) GetActive() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if !Terminal(a.Status) {
			out = append(out, a)
		}
	}
	return out
}

// GetByTask returns all agents on a task.
func (r *Registry) GetByTask(taskID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out
}

// GetActiveByTask returns non-terminal agents on a task.
func (r *Registry) GetActiveByTask(taskID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.TaskID == taskID && !Terminal(a.Status) {
			out = append(out, a)
		}
	}
	return out
}

// ActiveCountByType returns the number of active agents of one type.
func (r *Registry) ActiveCountByType(t lifecycle.AgentType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Type == t && !Terminal(a.Status) {
			n++
		}
	}
	return n
}

// ActiveWorkerCount returns the number of active worker-class agents.
func (r *Registry) ActiveWorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if lifecycle.WorkerClass(a.Type) && !Terminal(a.Status) {
			n++
		}
	}
	return n
}

// SetStatus updates an agent's status. Returns the previous status.
func (r *Registry) SetStatus(agentID string, status Status) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	prev := agent.Status
	agent.Status = status
	agent.LastActivity = time.Now().UTC()
	return prev, true
}

// SetSessionID records the LLM session id once it is learnt.
func (r *Registry) SetSessionID(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok && sessionID != "" {
		agent.SessionID = sessionID
	}
}

// AddUsage accumulates token/cost counters and refreshes last activity.
func (r *Registry) AddUsage(agentID string, usage taskstore.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	agent.Usage.InputTokens += usage.InputTokens
	agent.Usage.OutputTokens += usage.OutputTokens
	agent.Usage.CostUSD += usage.CostUSD
	agent.LastActivity = time.Now().UTC()
}

// Touch refreshes an agent's last activity timestamp.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.LastActivity = time.Now().UTC()
	}
}

// PushEvent appends a structured event to the agent's bounded ring.
func (r *Registry) PushEvent(agentID string, ev AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	agent.events = append(agent.events, ev)
	if over := len(agent.events) - maxEventsPerAgent; over > 0 {
		agent.events = agent.events[over:]
	}
}

// Events returns a copy of an agent's event ring.
func (r *Registry) Events(agentID string) []AgentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]AgentEvent, len(agent.events))
	copy(out, agent.events)
	return out
}

// ListActiveSummaries returns a snapshot of every active agent.
func (r *Registry) ListActiveSummaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Summary
	for _, a := range r.agents {
		if Terminal(a.Status) {
			continue
		}
		out = append(out, summarize(a))
	}
	return out
}

func summarize(a *Agent) Summary {
	return Summary{
		ID:           a.ID,
		Type:         a.Type,
		TaskID:       a.TaskID,
		Status:       a.Status,
		Usage:        a.Usage,
		SpawnedAt:    a.SpawnedAt,
		LastActivity: a.LastActivity,
		SessionID:    a.SessionID,
		Model:        a.Model,
	}
}

// StartHeartbeat periodically mirrors each agent's usage and last activity
// into the task store. Stop with StopHeartbeat.
func (r *Registry) StartHeartbeat(interval time.Duration) {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if r.hbCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.hbCancel = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.flush(ctx)
			}
		}
	}()
}

// StopHeartbeat halts the heartbeat and flushes all buffers once.
func (r *Registry) StopHeartbeat() {
	r.hbMu.Lock()
	cancel := r.hbCancel
	r.hbCancel = nil
	r.hbMu.Unlock()
	if cancel != nil {
		cancel()
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	r.flush(ctx)
}

func (r *Registry) flush(ctx context.Context) {
	if r.store == nil {
		return
	}
	type beat struct {
		id       string
		usage    taskstore.Usage
		activity time.Time
	}
	r.mu.RLock()
	beats := make([]beat, 0, len(r.agents))
	for _, a := range r.agents {
		if a.TasksAgentID == "" {
			continue
		}
		beats = append(beats, beat{id: a.TasksAgentID, usage: a.Usage, activity: a.LastActivity})
	}
	r.mu.RUnlock()

	for _, b := range beats {
		if err := r.store.UpdateAgentUsage(ctx, b.id, b.usage, b.activity); err != nil {
			r.logger.Debug("heartbeat push failed", zap.String("agent_id", b.id), zap.Error(err))
		}
	}
}
