// Package spawner launches agent subprocesses: it builds the command line and
// environment for each agent type, wires the RPC client, registers the agent,
// and enforces per-task spawn-guard deduplication.
package spawner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/replica"
	"github.com/oms/singularity/internal/rpc"
	"github.com/oms/singularity/internal/taskstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Actor is the identity the supervisor uses against the task store.
const Actor = "singularity"

// Options tunes one spawn. Zero value spawns with type defaults and the
// standardized task prompt.
type Options struct {
	Prompt          string            // raw prompt override
	KickoffMessage  string            // kickoff for resumed agents
	Extra           string            // extra context appended to the task prompt
	ResumeSessionID string            // resume an existing LLM session
	Model           string            // override type default
	Thinking        string            // override type default
	Env             map[string]string // extra environment
	Cwd             string            // override working directory (mergers)
	Claim           bool              // claim the task before spawning
	AssertResumable bool              // require status open/in_progress
}

// Spawner builds and launches agent subprocesses.
type Spawner struct {
	logger     *logger.Logger
	agentCfg   config.AgentConfig
	supCfg     config.SupervisorConfig
	store      taskstore.Client
	registry   *registry.Registry
	replicas   *replica.Manager
	events     bus.EventBus
	socketPath string

	guards singleflight.Group // keyed by guardIdentity + ":" + taskID
}

// New creates a spawner.
func New(agentCfg config.AgentConfig, supCfg config.SupervisorConfig, store taskstore.Client,
	reg *registry.Registry, replicas *replica.Manager, events bus.EventBus,
	socketPath string, log *logger.Logger) *Spawner {
	return &Spawner{
		logger:     log.WithFields(zap.String("component", "spawner")),
		agentCfg:   agentCfg,
		supCfg:     supCfg,
		store:      store,
		registry:   reg,
		replicas:   replicas,
		events:     events,
		socketPath: socketPath,
	}
}

// SpawnAgent launches one agent of the given type. When the type carries a
// spawn-guard and an active agent with the same guard identity already runs
// on the task, that agent is returned instead of spawning a duplicate.
func (s *Spawner) SpawnAgent(ctx context.Context, agentType lifecycle.AgentType, taskID string, opts Options) (*registry.Agent, error) {
	cfg, ok := configFor(agentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}

	if cfg.GuardIdentity != "" && taskID != "" {
		if existing := s.findGuarded(cfg.GuardIdentity, taskID); existing != nil {
			s.logger.Debug("spawn guard hit",
				zap.String("task_id", taskID),
				zap.String("existing", existing.ID))
			return existing, nil
		}
		key := cfg.GuardIdentity + ":" + taskID
		v, err, _ := s.guards.Do(key, func() (interface{}, error) {
			if existing := s.findGuarded(cfg.GuardIdentity, taskID); existing != nil {
				return existing, nil
			}
			return s.spawn(ctx, agentType, cfg, taskID, opts)
		})
		if err != nil {
			return nil, err
		}
		return v.(*registry.Agent), nil
	}

	return s.spawn(ctx, agentType, cfg, taskID, opts)
}

func (s *Spawner) findGuarded(guard, taskID string) *registry.Agent {
	for _, a := range s.registry.GetActiveByTask(taskID) {
		other, ok := configFor(a.Type)
		if ok && other.GuardIdentity == guard {
			return a
		}
	}
	return nil
}

func (s *Spawner) spawn(ctx context.Context, agentType lifecycle.AgentType, cfg TypeConfig, taskID string, opts Options) (*registry.Agent, error) {
	if opts.Claim && taskID != "" {
		if err := s.store.Claim(ctx, taskID, Actor); err != nil {
			return nil, fmt.Errorf("failed to claim task %s: %w", taskID, err)
		}
	}
	if opts.AssertResumable && taskID != "" {
		task, err := s.store.ShowTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch task %s: %w", taskID, err)
		}
		if task.Status != taskstore.StatusOpen && task.Status != taskstore.StatusInProgress {
			return nil, fmt.Errorf("task %s is %s, not resumable", taskID, task.Status)
		}
	}

	agentID := buildAgentID(agentType, taskID)
	model := firstNonEmpty(opts.Model, cfg.DefaultModel, s.agentCfg.DefaultModel)
	thinking := firstNonEmpty(opts.Thinking, cfg.DefaultThinking, "medium")

	rec := &taskstore.AgentRecord{
		ID:     agentID,
		TaskID: taskID,
		Type:   string(agentType),
		State:  taskstore.AgentStateSpawning,
		Model:  model,
	}
	if err := s.store.CreateAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create task-store agent: %w", err)
	}

	cwd, replicaDir, err := s.resolveCwd(ctx, cfg.Replica, taskID, opts.Cwd)
	if err != nil {
		s.failSpawn(ctx, agentID, taskID, nil, err)
		return nil, err
	}

	client := rpc.NewClient(rpc.Options{
		Command:     s.agentCfg.Command,
		Args:        s.buildArgs(cfg, model, thinking, opts),
		Dir:         cwd,
		Env:         s.buildEnv(agentType, agentID, taskID, opts.Env),
		SendTimeout: s.agentCfg.SendTimeout(),
		Logger:      s.logger.WithAgentID(agentID),
	})
	if err := client.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start agent %s: %w", agentID, err)
		s.failSpawn(ctx, agentID, taskID, nil, err)
		return nil, err
	}

	agent := &registry.Agent{
		ID:           agentID,
		Type:         agentType,
		TaskID:       taskID,
		TasksAgentID: agentID,
		Status:       registry.StatusSpawning,
		RPC:          client,
		ReplicaDir:   replicaDir,
		Model:        model,
		Thinking:     thinking,
	}
	s.registry.Register(agent)
	s.attachListeners(agent)

	prompt, err := s.buildPrompt(ctx, agentType, taskID, opts)
	if err != nil {
		s.failSpawn(ctx, agentID, taskID, client, err)
		return nil, err
	}
	if err := client.Prompt(ctx, prompt); err != nil {
		err = fmt.Errorf("failed to send initial prompt to %s: %w", agentID, err)
		s.failSpawn(ctx, agentID, taskID, client, err)
		return nil, err
	}

	if taskID != "" {
		if err := s.store.SetSlot(ctx, taskID, "callbackHandler", agentID); err != nil {
			s.logger.Debug("failed to set task slot", zap.Error(err))
		}
	}
	if err := s.store.SetAgentState(ctx, agentID, taskstore.AgentStateWorking); err != nil {
		s.logger.Debug("failed to mark agent working", zap.Error(err))
	}
	s.registry.SetStatus(agentID, registry.StatusRunning)

	s.publish(bus.SubjectAgentSpawned, map[string]interface{}{
		"agent_id": agentID,
		"type":     string(agentType),
		"task_id":  taskID,
	})
	s.logger.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("type", string(agentType)),
		zap.String("task_id", taskID),
		zap.String("cwd", cwd))
	return agent, nil
}

// failSpawn is the best-effort cleanup for a spawn that died partway through.
func (s *Spawner) failSpawn(ctx context.Context, agentID, taskID string, client *rpc.Client, cause error) {
	if taskID != "" {
		if err := s.store.Comment(ctx, taskID, Actor, fmt.Sprintf("Agent spawn failed: %v", cause)); err != nil {
			s.logger.Debug("failed to comment spawn failure", zap.Error(err))
		}
	}
	if err := s.store.SetAgentState(ctx, agentID, taskstore.AgentStateFailed); err != nil {
		s.logger.Debug("failed to mark agent failed", zap.Error(err))
	}
	if client != nil {
		_ = client.Stop(2 * time.Second)
	}
	if _, ok := s.registry.Get(agentID); ok {
		s.registry.SetStatus(agentID, registry.StatusFailed)
	}
	s.publish(bus.SubjectAgentFailed, map[string]interface{}{
		"agent_id": agentID,
		"task_id":  taskID,
		"error":    cause.Error(),
	})
}

func (s *Spawner) resolveCwd(ctx context.Context, strategy ReplicaStrategy, taskID, override string) (cwd, replicaDir string, err error) {
	if override != "" {
		return override, override, nil
	}
	switch strategy {
	case ReplicaCreate:
		if taskID == "" {
			return "", "", fmt.Errorf("replica strategy %q requires a task", strategy)
		}
		dir, err := s.replicas.CreateReplica(ctx, taskID)
		if err != nil {
			return "", "", fmt.Errorf("failed to create replica for %s: %w", taskID, err)
		}
		return s.replicas.AgentDir(dir), dir, nil
	case ReplicaResolve:
		if taskID != "" && s.replicas.Exists(taskID) {
			dir := s.replicas.Dir(taskID)
			return s.replicas.AgentDir(dir), dir, nil
		}
		return s.supCfg.ProjectRoot, "", nil
	default:
		return s.supCfg.ProjectRoot, "", nil
	}
}

func (s *Spawner) buildArgs(cfg TypeConfig, model, thinking string, opts Options) []string {
	args := []string{"--thinking", thinking}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--no-pty")
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	for _, key := range cfg.Extensions {
		file, ok := extensionFiles[key]
		if !ok {
			continue
		}
		args = append(args, "--extension", filepath.Join(s.agentCfg.ExtensionDir, file))
	}
	tools := cfg.Tools
	if cfg.StripBash {
		tools = stripTool(tools, "bash")
	}
	if len(tools) > 0 {
		args = append(args, "--tools", strings.Join(tools, ","))
	}
	if cfg.PromptFile != "" {
		args = append(args, "--append-system-prompt", filepath.Join(s.agentCfg.PromptDir, cfg.PromptFile))
	}
	return args
}

func (s *Spawner) buildEnv(agentType lifecycle.AgentType, agentID, taskID string, extra map[string]string) []string {
	env := map[string]string{
		"TASKS_ACTOR":          agentID,
		"OMS_AGENT_TYPE":       string(agentType),
		"OMS_AGENT_ID":         agentID,
		"OMS_SINGULARITY_SOCK": s.socketPath,
		"OMS_TASK_STORE_DIR":   s.store.WorkingDir(),
	}
	if taskID != "" {
		env["OMS_TASK_ID"] = taskID
	}
	for k, v := range s.agentCfg.ExtraEnv {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}

	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// attachListeners mirrors RPC events into the registry: event ring, usage
// counters from message_end, lazily learnt session ids.
func (s *Spawner) attachListeners(agent *registry.Agent) {
	agentID := agent.ID
	agent.RPC.OnEvent(func(ev rpc.Event) {
		s.registry.PushEvent(agentID, registry.AgentEvent{Type: ev.Type, Data: ev.Data})
		s.registry.Touch(agentID)

		if sid := agent.RPC.SessionID(); sid != "" {
			s.registry.SetSessionID(agentID, sid)
			if err := s.store.SetAgentSession(context.Background(), agentID, sid); err != nil {
				s.logger.Debug("failed to persist session id", zap.Error(err))
			}
		}

		if ev.Type == rpc.EventMessageEnd {
			if usage := usageFrom(ev.Data); usage != nil {
				s.registry.AddUsage(agentID, *usage)
			}
		}
	})
}

func usageFrom(data map[string]interface{}) *taskstore.Usage {
	raw, ok := data["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	usage := &taskstore.Usage{}
	if v, ok := raw["input_tokens"].(float64); ok {
		usage.InputTokens = int64(v)
	}
	if v, ok := raw["output_tokens"].(float64); ok {
		usage.OutputTokens = int64(v)
	}
	if v, ok := raw["cost_usd"].(float64); ok {
		usage.CostUSD = v
	}
	return usage
}

func (s *Spawner) publish(subject string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), subject, bus.NewEvent(subject, Actor, data)); err != nil {
		s.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func buildAgentID(agentType lifecycle.AgentType, taskID string) string {
	uniq := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if taskID == "" {
		return fmt.Sprintf("%s::%s", agentType, uniq)
	}
	return fmt.Sprintf("%s:%s:%s", agentType, taskID, uniq)
}

func stripTool(tools []string, name string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if t != name {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
