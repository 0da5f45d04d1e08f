package ingestion

import (
	"container/heap"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedJob(priority int, seq uint64) *queuedJob {
	return &queuedJob{
		job: &Job{ID: uuid.New(), Status: StatusQueued, Priority: priority},
		seq: seq,
	}
}

func TestJobHeapPriorityOrdering(t *testing.T) {
	h := &jobHeap{}
	heap.Init(h)
	heap.Push(h, newQueuedJob(5, 1))
	heap.Push(h, newQueuedJob(1, 2))
	heap.Push(h, newQueuedJob(3, 3))

	var priorities []int
	for h.Len() > 0 {
		entry := heap.Pop(h).(*queuedJob)
		priorities = append(priorities, entry.job.Priority)
	}
	assert.Equal(t, []int{1, 3, 5}, priorities)
}

func TestJobHeapFIFOWithinPriority(t *testing.T) {
	h := &jobHeap{}
	heap.Init(h)

	first := newQueuedJob(2, 10)
	second := newQueuedJob(2, 11)
	third := newQueuedJob(2, 12)
	heap.Push(h, second)
	heap.Push(h, third)
	heap.Push(h, first)

	assert.Equal(t, first.job.ID, heap.Pop(h).(*queuedJob).job.ID)
	assert.Equal(t, second.job.ID, heap.Pop(h).(*queuedJob).job.ID)
	assert.Equal(t, third.job.ID, heap.Pop(h).(*queuedJob).job.ID)
}

func TestPopReadySkipsScheduledJobs(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)

	h := &jobHeap{}
	heap.Init(h)

	scheduled := newQueuedJob(1, 1)
	scheduled.job.NextRetryAt = &future
	ready := newQueuedJob(2, 2)

	heap.Push(h, scheduled)
	heap.Push(h, ready)

	// The scheduled job wins on priority but is not eligible yet.
	got := popReady(h, now)
	require.NotNil(t, got)
	assert.Equal(t, ready.job.ID, got.ID)

	// The deferred entry is retained for later.
	assert.Equal(t, 1, h.Len())
	assert.Nil(t, popReady(h, now))
	assert.Equal(t, 1, h.Len())

	got = popReady(h, future.Add(time.Second))
	require.NotNil(t, got)
	assert.Equal(t, scheduled.job.ID, got.ID)
}

func TestPopReadyEmptyHeap(t *testing.T) {
	h := &jobHeap{}
	heap.Init(h)
	assert.Nil(t, popReady(h, time.Now()))
}
