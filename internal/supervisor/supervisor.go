// Package supervisor runs the agent loop: the periodic scheduling tick,
// admission control, the merger queue, the external control surface, and
// shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/crashlog"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/mergequeue"
	"github.com/oms/singularity/internal/pipeline"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/replica"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/steering"
	"github.com/oms/singularity/internal/taskstore"
)

const (
	heartbeatInterval = 30 * time.Second
	agentStopGrace    = 2 * time.Second
)

// Deps collects the services the supervisor coordinates.
type Deps struct {
	Store     taskstore.Client
	Scheduler taskstore.Scheduler
	Registry  *registry.Registry
	Spawner   *spawner.Spawner
	Pipeline  *pipeline.Manager
	Steering  *steering.Manager
	Replicas  *replica.Manager
	Queue     *mergequeue.Queue
	Events    bus.EventBus
}

// Supervisor owns the scheduling loop and the merger queue.
type Supervisor struct {
	logger          *logger.Logger
	cfg             config.SupervisorConfig
	replicasEnabled bool

	store    taskstore.Client
	sched    taskstore.Scheduler
	registry *registry.Registry
	spawner  *spawner.Spawner
	pipeline *pipeline.Manager
	steering *steering.Manager
	replicas *replica.Manager
	queue    *mergequeue.Queue
	events   bus.EventBus

	mu           sync.Mutex
	running      bool
	paused       bool
	tickInFlight bool
	pendingWake  bool
	cancel       context.CancelFunc

	wakeCh chan struct{}

	// merger queue single-flight state
	mergerMu      sync.Mutex
	mergerRunning bool   // processMergerQueue loop in flight
	mergerTaskID  string // task of the one live merger, "" = none
	mergerAgentID string
	restoreOnce   sync.Once

	spawnMu       sync.Mutex
	spawnInFlight map[string]struct{} // "<type>:<taskId>" replacement guard
}

// New creates a supervisor and wires the cross-component callbacks.
func New(cfg config.SupervisorConfig, replicasEnabled bool, deps Deps, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		logger:          log.WithFields(zap.String("component", "supervisor")),
		cfg:             cfg,
		replicasEnabled: replicasEnabled,
		store:           deps.Store,
		sched:           deps.Scheduler,
		registry:        deps.Registry,
		spawner:         deps.Spawner,
		pipeline:        deps.Pipeline,
		steering:        deps.Steering,
		replicas:        deps.Replicas,
		queue:           deps.Queue,
		events:          deps.Events,
		wakeCh:          make(chan struct{}, 1),
		spawnInFlight:   make(map[string]struct{}),
	}
	s.pipeline.SetServices(pipeline.Services{
		SpawnFinisher: s.steering.SpawnFinisherAfterStoppingSteering,
		FinisherClose: s.HandleFinisherCloseTask,
	})
	s.steering.SetKickoffQueue(func(taskID, message string) {
		s.pipeline.QueuePendingKickoff(taskID, message)
		s.Wake()
	})
	return s
}

// Start launches the scheduling loop. Returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.restoreOnce.Do(func() {
		s.restoreMergerQueueFromReplicas(loopCtx)
	})
	s.registry.StartHeartbeat(heartbeatInterval)

	go s.loop(loopCtx)
	s.logger.Info("supervisor started",
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Duration("poll_interval", s.cfg.PollInterval()))
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.tick(ctx)
	}
}

// Wake schedules one extra tick. Coalesced: many wakes, one tick.
func (s *Supervisor) Wake() {
	s.mu.Lock()
	if s.tickInFlight {
		s.pendingWake = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// tick is one pass of the agent loop: merger queue, resume scheduling in two
// phases, steering.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	if s.paused || s.tickInFlight {
		s.mu.Unlock()
		return
	}
	s.tickInFlight = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			if path, err := crashlog.Write(s.cfg.CrashDir(), "tick", r); err == nil {
				s.logger.Error("tick panicked", zap.String("crash_report", path))
			} else {
				s.logger.Error("tick panicked", zap.Any("panic", r))
			}
		}
		s.mu.Lock()
		s.tickInFlight = false
		rewake := s.pendingWake
		s.pendingWake = false
		s.mu.Unlock()
		if rewake {
			s.Wake()
		}
	}()

	s.ProcessMergerQueue(ctx)

	slots := s.pipeline.AvailableWorkerSlots(s.cfg.MaxWorkers)
	if slots > 1 {
		// Phase A: reserve one slot for new work.
		slots -= s.resumeTasks(ctx, slots-1)
	}
	if remaining := s.pipeline.AvailableWorkerSlots(s.cfg.MaxWorkers); remaining > 0 {
		// Phase B: spend what is left on further resumes.
		s.resumeTasks(ctx, remaining)
	}

	s.steering.MaybeSteerWorkers(ctx, s.IsPaused())
}

// resumeTasks kicks resume pipelines for up to n in_progress tasks that lost
// their agent. Returns how many were kicked.
func (s *Supervisor) resumeTasks(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	candidates, err := s.sched.GetInProgressTasksWithoutAgent(ctx, n*2)
	if err != nil {
		s.logger.Warn("failed to query resumable tasks", zap.Error(err))
		return 0
	}
	kicked := 0
	for _, task := range candidates {
		if kicked >= n {
			break
		}
		if s.skipResume(task.ID) {
			continue
		}
		s.pipeline.KickoffResumePipeline(ctx, task)
		kicked++
	}
	return kicked
}

func (s *Supervisor) skipResume(taskID string) bool {
	if s.pipeline.IsInFlight(taskID) || s.pipeline.InTransition(taskID) {
		return true
	}
	if s.queue.HasTask(taskID) {
		// Awaiting merge, not resumption.
		return true
	}
	return len(s.registry.GetActiveByTask(taskID)) > 0
}

// StartTasks kicks new-task pipelines for up to n scheduler candidates,
// bounded by available worker slots. n <= 0 means "as many as fit".
func (s *Supervisor) StartTasks(ctx context.Context, n int) (int, error) {
	slots := s.pipeline.AvailableWorkerSlots(s.cfg.MaxWorkers)
	if n <= 0 || n > slots {
		n = slots
	}
	if n == 0 {
		return 0, nil
	}
	candidates, err := s.sched.GetNextTasks(ctx, n)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, task := range candidates {
		if s.pipeline.IsInFlight(task.ID) || s.pipeline.InTransition(task.ID) {
			continue
		}
		s.pipeline.KickoffNewTaskPipeline(ctx, task)
		started++
	}
	return started, nil
}

// Pause suspends scheduling. Running agents are unaffected.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("supervisor paused")
}

// Resume reenables scheduling and wakes the loop.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("supervisor resumed")
	s.Wake()
}

// IsPaused reports whether scheduling is suspended.
func (s *Supervisor) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Shutdown stops the loop and every live agent, then flushes the heartbeat.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopped := s.stopAgentsMatching(ctx, func(a *registry.Agent) bool { return true })
	s.registry.StopHeartbeat()
	s.logger.Info("supervisor stopped", zap.Int("agents_stopped", len(stopped)))
}

// Status is an observer snapshot of the loop.
type Status struct {
	Paused         bool `json:"paused"`
	ActiveAgents   int  `json:"active_agents"`
	ActiveWorkers  int  `json:"active_workers"`
	AvailableSlots int  `json:"available_slots"`
	QueuedMerges   int  `json:"queued_merges"`
	MaxWorkers     int  `json:"max_workers"`
}

// GetStatus snapshots the loop for the control API.
func (s *Supervisor) GetStatus() Status {
	return Status{
		Paused:         s.IsPaused(),
		ActiveAgents:   len(s.registry.GetActive()),
		ActiveWorkers:  s.registry.ActiveWorkerCount(),
		AvailableSlots: s.pipeline.AvailableWorkerSlots(s.cfg.MaxWorkers),
		QueuedMerges:   s.queue.Size(),
		MaxWorkers:     s.cfg.MaxWorkers,
	}
}

func (s *Supervisor) publish(subject string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), subject, bus.NewEvent(subject, spawner.Actor, data)); err != nil {
		s.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
