// Package mergequeue holds the FIFO of tasks awaiting merge back into the
// project root. At most one entry per task; the head is the only candidate
// for execution.
package mergequeue

import "sync"

// Entry is one task waiting for its replica to be merged.
type Entry struct {
	TaskID     string `json:"task_id"`
	ReplicaDir string `json:"replica_dir"`
}

// Queue is a strict FIFO with O(1) membership checks.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]struct{}
}

// New creates an empty merge queue.
func New() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Enqueue appends an entry. A task already queued is a no-op; returns whether
// the entry was added.
func (q *Queue) Enqueue(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[e.TaskID]; exists {
		return false
	}
	q.entries = append(q.entries, e)
	q.index[e.TaskID] = struct{}{}
	return true
}

// Dequeue removes and returns the head entry.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.index, head.TaskID)
	return head, true
}

// Peek returns the head entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Remove deletes the entry for taskID wherever it sits in the queue.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[taskID]; !exists {
		return false
	}
	for i, e := range q.entries {
		if e.TaskID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	delete(q.index, taskID)
	return true
}

// HasTask reports whether taskID is queued.
func (q *Queue) HasTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.index[taskID]
	return exists
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// List returns a copy of the queue in order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
