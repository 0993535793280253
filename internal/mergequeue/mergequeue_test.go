package mergequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(taskID string) Entry {
	return Entry{TaskID: taskID, ReplicaDir: "/replica/" + taskID}
}

func TestFIFOOrder(t *testing.T) {
	q := New()
	for _, id := range []string{"T1", "T2", "T3"} {
		require.True(t, q.Enqueue(entry(id)), "enqueue %s", id)
	}
	for _, want := range []string{"T1", "T2", "T3"} {
		head, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, want, head.TaskID)

		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.TaskID)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok, "dequeue on empty queue")
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(entry("T1")))
	assert.False(t, q.Enqueue(entry("T1")), "duplicate enqueue")
	assert.Equal(t, 1, q.Size())
}

func TestRemoveMiddle(t *testing.T) {
	q := New()
	q.Enqueue(entry("T1"))
	q.Enqueue(entry("T2"))
	q.Enqueue(entry("T3"))

	require.True(t, q.Remove("T2"))
	assert.False(t, q.Remove("T2"), "second remove")
	assert.False(t, q.HasTask("T2"))

	got := q.List()
	require.Len(t, got, 2)
	assert.Equal(t, "T1", got[0].TaskID)
	assert.Equal(t, "T3", got[1].TaskID)
}

func TestReenqueueAfterRemove(t *testing.T) {
	q := New()
	q.Enqueue(entry("T1"))
	q.Remove("T1")
	require.True(t, q.Enqueue(entry("T1")), "re-enqueue after remove")
	assert.Equal(t, 1, q.Size())
}
