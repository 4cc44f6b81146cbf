package scheduler

import (
	"container/heap"
	"testing"

	"github.com/quantvalue/qvf/internal/domain"
)

func queueEntry(id string, priority domain.Priority, seq uint64) *domain.QueuedRequest {
	return &domain.QueuedRequest{
		Request:  &domain.ScoringRequest{ID: id},
		Priority: priority,
		Status:   domain.RequestQueued,
		Seq:      seq,
	}
}

func TestRequestQueueOrdering(t *testing.T) {
	q := newRequestQueue()
	heap.Init(q)

	heap.Push(q, queueEntry("low-1", domain.PriorityLow, 1))
	heap.Push(q, queueEntry("crit-1", domain.PriorityCritical, 2))
	heap.Push(q, queueEntry("high-1", domain.PriorityHigh, 3))
	heap.Push(q, queueEntry("norm-1", domain.PriorityNormal, 4))
	heap.Push(q, queueEntry("crit-2", domain.PriorityCritical, 5))

	want := []string{"crit-1", "crit-2", "high-1", "norm-1", "low-1"}
	for i, id := range want {
		entry := heap.Pop(q).(*domain.QueuedRequest)
		if entry.Request.ID != id {
			t.Errorf("pop %d = %s, want %s", i, entry.Request.ID, id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue length after draining = %d, want 0", q.Len())
	}
}

func TestRequestQueueFIFOWithinPriority(t *testing.T) {
	q := newRequestQueue()
	heap.Init(q)

	for i, id := range []string{"a", "b", "c"} {
		heap.Push(q, queueEntry(id, domain.PriorityNormal, uint64(i+1)))
	}

	for _, id := range []string{"a", "b", "c"} {
		entry := heap.Pop(q).(*domain.QueuedRequest)
		if entry.Request.ID != id {
			t.Errorf("pop = %s, want %s", entry.Request.ID, id)
		}
	}
}

func TestRequestQueueRemoveByIndex(t *testing.T) {
	q := newRequestQueue()
	heap.Init(q)

	entries := []*domain.QueuedRequest{
		queueEntry("a", domain.PriorityNormal, 1),
		queueEntry("b", domain.PriorityNormal, 2),
		queueEntry("c", domain.PriorityNormal, 3),
	}
	for _, e := range entries {
		heap.Push(q, e)
	}

	removed := heap.Remove(q, entries[1].Index).(*domain.QueuedRequest)
	if removed.Request.ID != "b" {
		t.Fatalf("removed = %s, want b", removed.Request.ID)
	}

	want := []string{"a", "c"}
	for _, id := range want {
		entry := heap.Pop(q).(*domain.QueuedRequest)
		if entry.Request.ID != id {
			t.Errorf("pop = %s, want %s", entry.Request.ID, id)
		}
	}
}

func TestRequestQueuePeek(t *testing.T) {
	q := newRequestQueue()
	heap.Init(q)

	if q.peek() != nil {
		t.Fatal("peek on empty queue should be nil")
	}

	heap.Push(q, queueEntry("norm", domain.PriorityNormal, 1))
	heap.Push(q, queueEntry("crit", domain.PriorityCritical, 2))

	if head := q.peek(); head.Request.ID != "crit" {
		t.Errorf("peek = %s, want crit", head.Request.ID)
	}
	if q.Len() != 2 {
		t.Errorf("peek must not remove entries, length = %d", q.Len())
	}
}

func TestRequestQueueHistogram(t *testing.T) {
	q := newRequestQueue()
	heap.Init(q)

	heap.Push(q, queueEntry("a", domain.PriorityCritical, 1))
	heap.Push(q, queueEntry("b", domain.PriorityCritical, 2))
	heap.Push(q, queueEntry("c", domain.PriorityLow, 3))

	got := q.histogram()
	want := map[string]int{"critical": 2, "high": 0, "normal": 0, "low": 1}
	for priority, count := range want {
		if got[priority] != count {
			t.Errorf("histogram[%s] = %d, want %d", priority, got[priority], count)
		}
	}
}
