package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/mergequeue"
	"github.com/oms/singularity/internal/pipeline"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/replica"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/steering"
	"github.com/oms/singularity/internal/taskstore"
)

type harness struct {
	sup      *Supervisor
	store    *taskstore.SQLiteStore
	registry *registry.Registry
	replicas *replica.Manager
	queue    *mergequeue.Queue
}

// newHarness builds a supervisor over a real on-disk store with no agent
// subprocesses and no scheduling loop running.
func newHarness(t *testing.T, maxWorkers int, replicasEnabled bool) *harness {
	t.Helper()
	log := logger.Default()

	store, err := taskstore.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(nil, log)
	replicas := replica.NewManager(filepath.Join(t.TempDir(), "replica"), t.TempDir(), "", log)
	spawn := spawner.New(config.AgentConfig{Command: "agent"}, config.SupervisorConfig{}, store, reg, replicas, nil, "", log)
	pipe := pipeline.New(store, store, reg, spawn, nil, t.TempDir(), log)
	steer := steering.New(reg, spawn, nil, 0, log)
	queue := mergequeue.New()

	cfg := config.SupervisorConfig{MaxWorkers: maxWorkers, SessionDir: t.TempDir()}
	sup := New(cfg, replicasEnabled, Deps{
		Store:     store,
		Scheduler: store,
		Registry:  reg,
		Spawner:   spawn,
		Pipeline:  pipe,
		Steering:  steer,
		Replicas:  replicas,
		Queue:     queue,
	}, log)
	return &harness{sup: sup, store: store, registry: reg, replicas: replicas, queue: queue}
}

func (h *harness) createTask(t *testing.T, task *taskstore.Task) {
	t.Helper()
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task %s: %v", task.ID, err)
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, 3, false)

	h.registry.Register(&registry.Agent{ID: "w1", Type: lifecycle.TypeWorker, TaskID: "T1", Status: registry.StatusRunning})
	h.registry.Register(&registry.Agent{ID: "i1", Type: lifecycle.TypeIssuer, TaskID: "T2", Status: registry.StatusRunning})
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T3", ReplicaDir: "/r/T3"})
	h.sup.Pause()

	status := h.sup.GetStatus()
	if !status.Paused {
		t.Error("status should report paused")
	}
	if status.ActiveAgents != 2 || status.ActiveWorkers != 1 {
		t.Errorf("agents = %d workers = %d, want 2/1", status.ActiveAgents, status.ActiveWorkers)
	}
	if status.AvailableSlots != 2 {
		t.Errorf("slots = %d, want 2", status.AvailableSlots)
	}
	if status.QueuedMerges != 1 || status.MaxWorkers != 3 {
		t.Errorf("merges = %d max = %d", status.QueuedMerges, status.MaxWorkers)
	}
}

func TestSkipResume(t *testing.T) {
	h := newHarness(t, 4, false)

	if h.sup.skipResume("fresh") {
		t.Error("unknown task should be resumable")
	}

	h.queue.Enqueue(mergequeue.Entry{TaskID: "queued", ReplicaDir: "/r/q"})
	if !h.sup.skipResume("queued") {
		t.Error("a task awaiting merge must not be resumed")
	}

	h.registry.Register(&registry.Agent{ID: "f1", Type: lifecycle.TypeFinisher, TaskID: "busy", Status: registry.StatusRunning})
	if !h.sup.skipResume("busy") {
		t.Error("a task with a live agent must not be resumed")
	}

	h.sup.pipeline.BeginTransition("handoff")
	if !h.sup.skipResume("handoff") {
		t.Error("a task mid-hand-off must not be resumed")
	}
}

func TestCloseTaskAndUnblockDependents(t *testing.T) {
	// maxWorkers 0: dependents flip to open but no pipeline is kicked.
	h := newHarness(t, 0, false)
	ctx := context.Background()

	h.createTask(t, &taskstore.Task{ID: "D1", Title: "dep", Status: taskstore.StatusInProgress})
	h.createTask(t, &taskstore.Task{ID: "B1", Title: "waiter", Status: taskstore.StatusBlocked, DependsOnIDs: []string{"D1"}})
	h.createTask(t, &taskstore.Task{ID: "B2", Title: "other", Status: taskstore.StatusBlocked, DependsOnIDs: []string{"elsewhere"}})

	h.sup.closeTaskAndUnblockDependents(ctx, "D1", "merged")

	task, err := h.store.ShowTask(ctx, "D1")
	if err != nil || task.Status != taskstore.StatusClosed {
		t.Fatalf("D1 = %v %v, want closed", task, err)
	}
	task, _ = h.store.ShowTask(ctx, "B1")
	if task.Status != taskstore.StatusOpen {
		t.Errorf("B1 = %s, want open", task.Status)
	}
	task, _ = h.store.ShowTask(ctx, "B2")
	if task.Status != taskstore.StatusBlocked {
		t.Errorf("B2 = %s, want still blocked", task.Status)
	}

	// Closing a task that vanished is quiet.
	h.sup.closeTaskAndUnblockDependents(ctx, "ghost", "whatever")
}

func TestCloseTaskWhilePausedSkipsUnblock(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()

	h.createTask(t, &taskstore.Task{ID: "D1", Title: "dep", Status: taskstore.StatusInProgress})
	h.createTask(t, &taskstore.Task{ID: "B1", Title: "waiter", Status: taskstore.StatusBlocked, DependsOnIDs: []string{"D1"}})

	h.sup.Pause()
	h.sup.closeTaskAndUnblockDependents(ctx, "D1", "merged")

	task, _ := h.store.ShowTask(ctx, "B1")
	if task.Status != taskstore.StatusBlocked {
		t.Errorf("B1 = %s, want blocked while paused", task.Status)
	}
}

func TestHandleFinisherCloseTaskDirect(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.createTask(t, &taskstore.Task{ID: "T1", Title: "t", Status: taskstore.StatusInProgress})

	if err := h.sup.HandleFinisherCloseTask(ctx, "T1", "all done", "finisher:T1:aaaa"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	task, _ := h.store.ShowTask(ctx, "T1")
	if task.Status != taskstore.StatusClosed {
		t.Errorf("status = %s, want closed (no replica, direct close)", task.Status)
	}
	if h.queue.Size() != 0 {
		t.Error("nothing should be queued for merge")
	}

	comments, err := h.store.ListComments(ctx, "T1")
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	found := false
	for _, c := range comments {
		if c.Body == "Finisher close recorded for T1" {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %+v, want the finisher-close record", comments)
	}
}

func TestHandleFinisherCloseTaskQueuesMerge(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()
	h.createTask(t, &taskstore.Task{ID: "T1", Title: "t", Status: taskstore.StatusInProgress})

	if err := os.MkdirAll(h.replicas.Dir("T1"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.HandleFinisherCloseTask(ctx, "T1", "all done", "finisher:T1:aaaa"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !h.queue.HasTask("T1") {
		t.Fatal("task with a live replica should be queued for merge")
	}
	task, _ := h.store.ShowTask(ctx, "T1")
	if task.Status != taskstore.StatusInProgress {
		t.Errorf("status = %s, want in_progress until the merge lands", task.Status)
	}
}

func TestHandleExternalTaskCloseIgnoresUnqueued(t *testing.T) {
	h := newHarness(t, 0, true)
	h.sup.HandleExternalTaskClose(context.Background(), "never-queued")
	if h.queue.Size() != 0 {
		t.Error("queue should stay empty")
	}
}

func TestRestoreMergerQueueFromReplicas(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()

	h.createTask(t, &taskstore.Task{ID: "alive", Title: "t", Status: taskstore.StatusInProgress})
	h.createTask(t, &taskstore.Task{ID: "finished", Title: "t", Status: taskstore.StatusClosed})
	for _, id := range []string{"alive", "finished", "orphan"} {
		if err := os.MkdirAll(h.replicas.Dir(id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	h.sup.restoreMergerQueueFromReplicas(ctx)

	if !h.queue.HasTask("alive") {
		t.Error("in_progress task's replica should be re-queued")
	}
	if h.queue.Size() != 1 {
		t.Errorf("queue size = %d, want 1", h.queue.Size())
	}
	if h.replicas.Exists("finished") {
		t.Error("closed task's replica should be destroyed")
	}
	if h.replicas.Exists("orphan") {
		t.Error("unknown task's replica should be destroyed")
	}
}

func TestProcessMergerQueueKeepsEntryOnStoreError(t *testing.T) {
	h := newHarness(t, 0, true)
	h.createTask(t, &taskstore.Task{ID: "T1", Title: "t", Status: taskstore.StatusInProgress})
	if err := os.MkdirAll(h.replicas.Dir("T1"), 0o755); err != nil {
		t.Fatal(err)
	}
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T1", ReplicaDir: h.replicas.Dir("T1")})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	h.sup.ProcessMergerQueue(cancelled)

	if !h.queue.HasTask("T1") {
		t.Fatal("transient lookup failure must keep the merge queued")
	}
	if !h.replicas.Exists("T1") {
		t.Fatal("transient lookup failure must not destroy the replica")
	}
}

func TestProcessMergerQueueDropsVanishedTask(t *testing.T) {
	h := newHarness(t, 0, true)
	if err := os.MkdirAll(h.replicas.Dir("gone"), 0o755); err != nil {
		t.Fatal(err)
	}
	h.queue.Enqueue(mergequeue.Entry{TaskID: "gone", ReplicaDir: h.replicas.Dir("gone")})

	h.sup.ProcessMergerQueue(context.Background())

	if h.queue.HasTask("gone") {
		t.Fatal("a task missing from the store should be dropped")
	}
	if h.replicas.Exists("gone") {
		t.Fatal("the dropped task's replica should be destroyed")
	}
}

func TestHandleMergerCompleteOutlivesHandlerContext(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()

	h.createTask(t, &taskstore.Task{ID: "T4", Title: "t", Status: taskstore.StatusInProgress})
	h.createTask(t, &taskstore.Task{ID: "T5", Title: "t", Status: taskstore.StatusInProgress})
	for _, id := range []string{"T4", "T5"} {
		if err := os.MkdirAll(h.replicas.Dir(id), 0o755); err != nil {
			t.Fatal(err)
		}
		h.queue.Enqueue(mergequeue.Entry{TaskID: id, ReplicaDir: h.replicas.Dir(id)})
	}

	// The control socket cancels its per-message context as soon as the
	// handler returns; the detached queue pass must not inherit that.
	handlerCtx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	h.sup.HandleMergerComplete(handlerCtx, "T4", "merged")
	cancel()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !h.queue.HasTask("T5") {
			t.Fatal("next queued merge was dropped")
		}
		if !h.replicas.Exists("T5") {
			t.Fatal("next queued task's replica was destroyed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	task, err := h.store.ShowTask(ctx, "T5")
	if err != nil || task.Status != taskstore.StatusInProgress {
		t.Fatalf("T5 = %v %v, want still in_progress", task, err)
	}
	task, err = h.store.ShowTask(ctx, "T4")
	if err != nil || task.Status != taskstore.StatusClosed {
		t.Fatalf("T4 = %v %v, want closed", task, err)
	}
	if h.replicas.Exists("T4") {
		t.Error("merged task's replica should be destroyed")
	}
}

func TestMergerExitAfterStopSweepKeepsStatus(t *testing.T) {
	h := newHarness(t, 0, true)
	agent := &registry.Agent{ID: "merger:T1:aaaa", Type: lifecycle.TypeMerger, TaskID: "T1", Status: registry.StatusRunning}
	h.registry.Register(agent)
	h.sup.mergerTaskID = "T1"
	h.sup.mergerAgentID = agent.ID

	// A stop sweep marks the status before the process exits.
	h.registry.SetStatus(agent.ID, registry.StatusStopped)
	h.sup.handleMergerExit(context.Background(), agent)

	current, ok := h.registry.Get(agent.ID)
	if !ok || current.Status != registry.StatusStopped {
		t.Fatalf("status = %v, want stopped (no second finalization)", current)
	}
	if h.sup.mergerTaskID != "" || h.sup.mergerAgentID != "" {
		t.Fatal("merger lock should be released")
	}
}

func TestMergerSilentExitMarksDead(t *testing.T) {
	h := newHarness(t, 0, true)
	agent := &registry.Agent{ID: "merger:T1:bbbb", Type: lifecycle.TypeMerger, TaskID: "T1", Status: registry.StatusRunning}
	h.registry.Register(agent)
	h.sup.mergerTaskID = "T1"
	h.sup.mergerAgentID = agent.ID

	h.sup.handleMergerExit(context.Background(), agent)

	current, ok := h.registry.Get(agent.ID)
	if !ok || current.Status != registry.StatusDead {
		t.Fatalf("status = %v, want dead", current)
	}
	if h.sup.mergerTaskID != "" || h.sup.mergerAgentID != "" {
		t.Fatal("merger lock should be released for the retry")
	}
}

func TestReleaseMergerLock(t *testing.T) {
	h := newHarness(t, 0, false)
	h.sup.mergerTaskID = "T1"
	h.sup.mergerAgentID = "merger:T1:aaaa"

	h.sup.releaseMergerLock("other")
	if h.sup.mergerTaskID != "T1" {
		t.Fatal("lock for another task must stay held")
	}
	h.sup.releaseMergerLock("T1")
	if h.sup.mergerTaskID != "" || h.sup.mergerAgentID != "" {
		t.Fatal("lock should be released")
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, 0, false)
	if h.sup.IsPaused() {
		t.Fatal("fresh supervisor should not be paused")
	}
	h.sup.Pause()
	if !h.sup.IsPaused() {
		t.Fatal("pause should stick")
	}
	h.sup.Resume()
	if h.sup.IsPaused() {
		t.Fatal("resume should clear the pause")
	}
}
