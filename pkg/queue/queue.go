// Package queue provides the tiered priority queue shared by the request
// manager and the coordinator.
package queue

import (
	"fmt"
	"strings"
	"sync"
)

// Priority is a coarse scheduling class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists every tier in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority normalizes a priority string. Empty input maps to medium.
// "normal" is accepted as an alias for medium and "background" for low.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return PriorityHigh, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "low", "background":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Rank returns 0 for high, 1 for medium and 2 for low. Unknown values rank as low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Queue orders items by priority tier, FIFO within a tier.
// It is safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	tiers [3][]T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends item to the back of its tier.
func (q *Queue[T]) Push(p Priority, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := p.Rank()
	q.tiers[r] = append(q.tiers[r], item)
}

// PushFront places item at the head of its tier so it is the next item of
// that priority to be dequeued. Higher tiers still go first.
func (q *Queue[T]) PushFront(p Priority, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := p.Rank()
	q.tiers[r] = append([]T{item}, q.tiers[r]...)
}

// Pop removes and returns the oldest item of the highest non-empty tier.
func (q *Queue[T]) Pop() (T, Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for r := range q.tiers {
		if len(q.tiers[r]) == 0 {
			continue
		}
		item := q.tiers[r][0]
		var zero T
		q.tiers[r][0] = zero
		q.tiers[r] = q.tiers[r][1:]
		return item, Priorities[r], true
	}
	var zero T
	return zero, "", false
}

// Remove deletes the first item matching fn. It reports whether one was found.
func (q *Queue[T]) Remove(fn func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for r := range q.tiers {
		for i, item := range q.tiers[r] {
			if fn(item) {
				q.tiers[r] = append(q.tiers[r][:i:i], q.tiers[r][i+1:]...)
				return true
			}
		}
	}
	return false
}

// Drain empties the queue and returns its items in dequeue order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	for r := range q.tiers {
		out = append(out, q.tiers[r]...)
		q.tiers[r] = nil
	}
	return out
}

// Len returns the total number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for r := range q.tiers {
		n += len(q.tiers[r])
	}
	return n
}

// Counts returns the number of queued items per tier.
func (q *Queue[T]) Counts() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Priority]int, len(q.tiers))
	for r, p := range Priorities {
		out[p] = len(q.tiers[r])
	}
	return out
}
