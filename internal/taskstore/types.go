// Package taskstore defines the task store consumed by the supervisor and
// ships its SQLite implementation. The core only ever talks to the Client and
// Scheduler interfaces; everything else in this package is the local backend.
package taskstore

import (
	"context"
	"errors"
	"time"
)

// Task status values.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusClosed     TaskStatus = "closed"
	StatusDeferred   TaskStatus = "deferred"
)

// Task scope values. Tiny tasks take the speedy fast path.
type TaskScope string

const (
	ScopeTiny   TaskScope = "tiny"
	ScopeSmall  TaskScope = "small"
	ScopeMedium TaskScope = "medium"
	ScopeLarge  TaskScope = "large"
)

// Task is a work item in the store.
type Task struct {
	ID           string     `db:"id" json:"id"`
	Title        string     `db:"title" json:"title"`
	Description  string     `db:"description" json:"description"`
	Acceptance   string     `db:"acceptance" json:"acceptance"`
	Labels       []string   `db:"-" json:"labels"`
	DependsOnIDs []string   `db:"-" json:"depends_on_ids"`
	Status       TaskStatus `db:"status" json:"status"`
	Scope        TaskScope  `db:"scope" json:"scope"`
	ClaimedBy    string     `db:"claimed_by" json:"claimed_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Comment is a note attached to a task.
type Comment struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Author    string    `db:"author" json:"author"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AgentState values tracked per store agent record.
type AgentState string

const (
	AgentStateSpawning AgentState = "spawning"
	AgentStateWorking  AgentState = "working"
	AgentStateStopped  AgentState = "stopped"
	AgentStateFailed   AgentState = "failed"
	AgentStateClosed   AgentState = "closed"
)

// AgentRecord is the store's view of one agent subprocess.
type AgentRecord struct {
	ID           string     `db:"id" json:"id"`
	TaskID       string     `db:"task_id" json:"task_id,omitempty"`
	Type         string     `db:"type" json:"type"`
	State        AgentState `db:"state" json:"state"`
	Model        string     `db:"model" json:"model,omitempty"`
	SessionID    string     `db:"session_id" json:"session_id,omitempty"`
	InputTokens  int64      `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64      `db:"output_tokens" json:"output_tokens"`
	CostUSD      float64    `db:"cost_usd" json:"cost_usd"`
	LastActivity time.Time  `db:"last_activity" json:"last_activity"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Usage holds token/cost counters reported by a running agent.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Common errors.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrNotClaimable  = errors.New("task is not claimable")
)

// Client is the narrow CRUD surface the supervisor drives.
type Client interface {
	Ready(ctx context.Context) error
	CreateTask(ctx context.Context, task *Task) error
	ShowTask(ctx context.Context, taskID string) (*Task, error)
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error
	Comment(ctx context.Context, taskID, author, body string) error
	ListComments(ctx context.Context, taskID string) ([]Comment, error)
	CloseTask(ctx context.Context, taskID, reason string) error
	Claim(ctx context.Context, taskID, actor string) error

	CreateAgent(ctx context.Context, rec *AgentRecord) error
	SetAgentState(ctx context.Context, agentID string, state AgentState) error
	SetAgentSession(ctx context.Context, agentID, sessionID string) error
	UpdateAgentUsage(ctx context.Context, agentID string, usage Usage, lastActivity time.Time) error

	SetSlot(ctx context.Context, taskID, slot, agentID string) error
	ClearSlot(ctx context.Context, taskID, slot string) error

	WorkingDir() string
}

// Scheduler is the query surface the agent loop schedules from.
type Scheduler interface {
	// GetNextTasks returns up to n open tasks whose dependencies are all closed,
	// oldest first.
	GetNextTasks(ctx context.Context, n int) ([]*Task, error)
	// GetInProgressTasksWithoutAgent returns up to n in_progress tasks with no
	// occupied agent slot, oldest first. The caller additionally filters against
	// its live registry.
	GetInProgressTasksWithoutAgent(ctx context.Context, n int) ([]*Task, error)
	// FindTasksUnblockedBy returns blocked or open tasks whose only unresolved
	// dependency was taskID.
	FindTasksUnblockedBy(ctx context.Context, taskID string) ([]*Task, error)
	// TryClaim atomically flips an open task to in_progress for actor.
	// Returns false without error when someone else won the claim.
	TryClaim(ctx context.Context, taskID, actor string) (bool, error)
}

// Store combines the two surfaces; the SQLite backend implements both.
type Store interface {
	Client
	Scheduler
}
