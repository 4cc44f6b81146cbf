package scheduler

import (
	"github.com/quantvalue/qvf/internal/domain"
)

// requestQueue is the priority heap behind the scheduler. Higher priority
// dequeues first; equal priorities dequeue in enqueue order (lower sequence
// number first). It implements heap.Interface and is not safe for concurrent
// use; the scheduler mutex guards every access.
type requestQueue struct {
	entries []*domain.QueuedRequest
}

func newRequestQueue() *requestQueue {
	return &requestQueue{}
}

// Len implements heap.Interface.
func (q *requestQueue) Len() int { return len(q.entries) }

// Less implements heap.Interface.
func (q *requestQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Swap implements heap.Interface.
func (q *requestQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].Index = i
	q.entries[j].Index = j
}

// Push implements heap.Interface.
func (q *requestQueue) Push(x any) {
	entry := x.(*domain.QueuedRequest)
	entry.Index = len(q.entries)
	q.entries = append(q.entries, entry)
}

// Pop implements heap.Interface.
func (q *requestQueue) Pop() any {
	old := q.entries
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.Index = -1
	q.entries = old[:n-1]
	return entry
}

// peek returns the head of the queue without removing it.
func (q *requestQueue) peek() *domain.QueuedRequest {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// histogram counts queued requests per priority. Every priority level is
// present in the result, including levels with a zero count.
func (q *requestQueue) histogram() map[string]int {
	counts := make(map[string]int, len(domain.AllPriorities()))
	for _, p := range domain.AllPriorities() {
		counts[p.String()] = 0
	}
	for _, entry := range q.entries {
		counts[entry.Priority.String()]++
	}
	return counts
}
