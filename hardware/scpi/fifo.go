package scpi

import (
	"container/list"
	"context"
	"sync"
)

// fifoMutex grants the lock strictly in order of Lock calls.
// Waiting can be abandoned with context.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters list.List // of chan struct{}
}

// Lock with done ctx fails even when the mutex is free.
func (m *fifoMutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	el := m.waiters.PushBack(ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ch:
			// ownership was handed over concurrently, pass it on
			m.mu.Unlock()
			m.Unlock()
		default:
			m.waiters.Remove(el)
			m.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, if any.
func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("code error scpi fifoMutex.Unlock of unlocked mutex")
	}
	if front := m.waiters.Front(); front != nil {
		m.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	m.locked = false
}

func (m *fifoMutex) waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
