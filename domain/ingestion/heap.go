package ingestion

import (
	"container/heap"
	"time"
)

// queuedJob is one heap entry. seq preserves FIFO order among equal
// priorities.
type queuedJob struct {
	job *Job
	seq uint64
}

// jobHeap orders queued jobs by priority ascending, then insertion
// order. It implements container/heap.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*queuedJob))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// popReady removes and returns the best queued job eligible at now.
// Jobs still waiting on next_retry_at are kept.
func popReady(h *jobHeap, now time.Time) *Job {
	var deferred []*queuedJob
	var found *Job

	for h.Len() > 0 {
		entry := heap.Pop(h).(*queuedJob)
		if entry.job.Ready(now) {
			found = entry.job
			break
		}
		deferred = append(deferred, entry)
	}

	for _, entry := range deferred {
		heap.Push(h, entry)
	}
	return found
}
