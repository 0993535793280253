package replica

import (
	"container/list"
	"context"
	"sync"
)

// fifoMutex is a mutex whose waiters acquire in arrival order. sync.Mutex
// makes no ordering promise, and merge serialization requires one.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters *list.List // of chan struct{}
}

func newFIFOMutex() *fifoMutex {
	return &fifoMutex{waiters: list.New()}
}

// Lock blocks until the mutex is acquired or ctx is done.
func (m *fifoMutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := m.waiters.PushBack(ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ch:
			// Won the lock while cancelling; hand it to the next waiter.
			m.mu.Unlock()
			m.Unlock()
			return ctx.Err()
		default:
		}
		m.waiters.Remove(elem)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the mutex, waking the oldest waiter.
func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if front := m.waiters.Front(); front != nil {
		m.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	m.locked = false
}
