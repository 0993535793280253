package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based task storage operations.
type SQLiteStore struct {
	db         *sqlx.DB
	workingDir string
}

// Ensure SQLiteStore implements the full store surface.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	acceptance TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '[]',
	depends_on TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	scope TEXT NOT NULL DEFAULT 'small',
	claimed_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_agents (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	last_activity TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_slots (
	task_id TEXT NOT NULL,
	slot TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	PRIMARY KEY (task_id, slot)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id);
CREATE INDEX IF NOT EXISTS idx_agents_task ON task_agents(task_id);
`

// NewSQLiteStore opens (creating if needed) a SQLite-backed task store.
// workingDir is the directory agents treat as the store's home.
func NewSQLiteStore(dbPath, workingDir string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, workingDir: workingDir}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ready verifies the database is reachable.
func (s *SQLiteStore) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WorkingDir returns the store's home directory.
func (s *SQLiteStore) WorkingDir() string {
	return s.workingDir
}

// CreateTask inserts a new task. Status defaults to open, scope to small.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}
	if task.Scope == "" {
		task.Scope = ScopeSmall
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	labels, err := json.Marshal(task.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	deps, err := json.Marshal(task.DependsOnIDs)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, acceptance, labels, depends_on, status, scope, claimed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.Acceptance,
		string(labels), string(deps), task.Status, task.Scope, task.ClaimedBy,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

type taskRow struct {
	Task
	LabelsJSON string `db:"labels"`
	DependsOn  string `db:"depends_on"`
}

func (r *taskRow) decode() (*Task, error) {
	t := r.Task
	if err := json.Unmarshal([]byte(r.LabelsJSON), &t.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(r.DependsOn), &t.DependsOnIDs); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// ShowTask fetches a task by id.
func (s *SQLiteStore) ShowTask(ctx context.Context, taskID string) (*Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, taskID)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}
	return row.decode()
}

// UpdateStatus sets a task's status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update status for task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Comment appends a comment to a task.
func (s *SQLiteStore) Comment(ctx context.Context, taskID, author, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_comments (task_id, author, body, created_at) VALUES (?, ?, ?, ?)`,
		taskID, author, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to comment on task %s: %w", taskID, err)
	}
	return nil
}

// ListComments returns all comments on a task, oldest first.
func (s *SQLiteStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	var comments []Comment
	err := s.db.SelectContext(ctx, &comments,
		`SELECT * FROM task_comments WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for task %s: %w", taskID, err)
	}
	return comments, nil
}

// CloseTask closes a task and records the reason as a comment.
func (s *SQLiteStore) CloseTask(ctx context.Context, taskID, reason string) error {
	if err := s.UpdateStatus(ctx, taskID, StatusClosed); err != nil {
		return err
	}
	if reason != "" {
		return s.Comment(ctx, taskID, "singularity", reason)
	}
	return nil
}

// Claim asserts ownership of a task. The task must be open or in_progress.
func (s *SQLiteStore) Claim(ctx context.Context, taskID, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusInProgress, actor, time.Now().UTC(),
		taskID, StatusOpen, StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// CreateAgent inserts a store-side record for a spawned agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, rec *AgentRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	if rec.LastActivity.IsZero() {
		rec.LastActivity = now
	}
	if rec.State == "" {
		rec.State = AgentStateSpawning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_agents (id, task_id, type, state, model, session_id, input_tokens, output_tokens, cost_usd, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.Type, rec.State, rec.Model, rec.SessionID,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LastActivity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", rec.ID, err)
	}
	return nil
}

// SetAgentState updates a store agent record's state.
func (s *SQLiteStore) SetAgentState(ctx context.Context, agentID string, state AgentState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_agents SET state = ? WHERE id = ?`, state, agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SetAgentSession records the LLM session id once it is learnt.
func (s *SQLiteStore) SetAgentSession(ctx context.Context, agentID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_agents SET session_id = ? WHERE id = ?`, sessionID, agentID)
	if err != nil {
		return fmt.Errorf("failed to update session for agent %s: %w", agentID, err)
	}
	return nil
}

// UpdateAgentUsage pushes usage counters from the heartbeat.
func (s *SQLiteStore) UpdateAgentUsage(ctx context.Context, agentID string, usage Usage, lastActivity time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_agents SET input_tokens = ?, output_tokens = ?, cost_usd = ?, last_activity = ?
		WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.CostUSD, lastActivity.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update usage for agent %s: %w", agentID, err)
	}
	return nil
}

// SetSlot assigns an agent to a named slot on a task.
func (s *SQLiteStore) SetSlot(ctx context.Context, taskID, slot, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_slots (task_id, slot, agent_id) VALUES (?, ?, ?)
		ON CONFLICT (task_id, slot) DO UPDATE SET agent_id = excluded.agent_id`,
		taskID, slot, agentID)
	if err != nil {
		return fmt.Errorf("failed to set slot %s on task %s: %w", slot, taskID, err)
	}
	return nil
}

// ClearSlot removes a named slot assignment.
func (s *SQLiteStore) ClearSlot(ctx context.Context, taskID, slot string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_slots WHERE task_id = ? AND slot = ?`, taskID, slot)
	if err != nil {
		return fmt.Errorf("failed to clear slot %s on task %s: %w", slot, taskID, err)
	}
	return nil
}

// GetNextTasks returns up to n open tasks whose dependencies are all closed.
func (s *SQLiteStore) GetNextTasks(ctx context.Context, n int) ([]*Task, error) {
	tasks, err := s.selectTasks(ctx,
		`SELECT * FROM tasks WHERE status = ? ORDER BY created_at, id`, StatusOpen)
	if err != nil {
		return nil, err
	}
	ready := make([]*Task, 0, n)
	for _, t := range tasks {
		ok, err := s.dependenciesClosed(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ready = append(ready, t)
		if len(ready) >= n {
			break
		}
	}
	return ready, nil
}

// GetInProgressTasksWithoutAgent returns up to n in_progress tasks with no
// occupied agent slot.
func (s *SQLiteStore) GetInProgressTasksWithoutAgent(ctx context.Context, n int) ([]*Task, error) {
	tasks, err := s.selectTasks(ctx, `
		SELECT t.* FROM tasks t
		WHERE t.status = ?
		  AND NOT EXISTS (SELECT 1 FROM task_slots s WHERE s.task_id = t.id)
		ORDER BY t.created_at, t.id LIMIT ?`, StatusInProgress, n)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindTasksUnblockedBy returns blocked or open tasks whose last unresolved
// dependency was taskID.
func (s *SQLiteStore) FindTasksUnblockedBy(ctx context.Context, taskID string) ([]*Task, error) {
	candidates, err := s.selectTasks(ctx,
		`SELECT * FROM tasks WHERE status IN (?, ?) ORDER BY created_at, id`,
		StatusBlocked, StatusOpen)
	if err != nil {
		return nil, err
	}
	var unblocked []*Task
	for _, t := range candidates {
		depends := false
		for _, dep := range t.DependsOnIDs {
			if dep == taskID {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		ok, err := s.dependenciesClosed(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			unblocked = append(unblocked, t)
		}
	}
	return unblocked, nil
}

// TryClaim atomically flips an open task to in_progress.
func (s *SQLiteStore) TryClaim(ctx context.Context, taskID, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusInProgress, actor, time.Now().UTC(), taskID, StatusOpen)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) selectTasks(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SQLiteStore) dependenciesClosed(ctx context.Context, t *Task) (bool, error) {
	for _, dep := range t.DependsOnIDs {
		var status TaskStatus
		err := s.db.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = ?`, dep)
		if err == sql.ErrNoRows {
			// A deleted dependency no longer blocks anything.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to check dependency %s: %w", dep, err)
		}
		if status != StatusClosed {
			return false, nil
		}
	}
	return true, nil
}
