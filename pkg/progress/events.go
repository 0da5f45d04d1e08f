// Package progress provides the typed, lossy event stream surfaced to
// ingestion observers.
package progress

import (
	"time"
)

// EventKind identifies what an event reports.
type EventKind string

const (
	// EventProcessingStarted is emitted when a pipeline begins a document.
	EventProcessingStarted EventKind = "processing_started"

	// EventChunkingComplete is emitted once chunking finished, before any
	// per-chunk event.
	EventChunkingComplete EventKind = "chunking_complete"

	// EventAnalysisCompleted is emitted after a chunk's AI analysis.
	EventAnalysisCompleted EventKind = "analysis_completed"

	// EventEmbeddingCreated is emitted after a chunk embedding succeeded.
	EventEmbeddingCreated EventKind = "embedding_created"

	// EventVectorStored is emitted after a vector store write succeeded.
	EventVectorStored EventKind = "vector_stored"

	// EventVectorError is emitted when a vector store write failed.
	EventVectorError EventKind = "vector_error"

	// EventProgressUpdate carries processed/total counters.
	EventProgressUpdate EventKind = "progress_update"

	// EventHeartbeat is the periodic liveness signal for an active job.
	EventHeartbeat EventKind = "heartbeat"

	// EventProcessingCompleted is emitted after every per-chunk task of a
	// document has resolved.
	EventProcessingCompleted EventKind = "processing_completed"

	// EventErrorOccurred reports a non-fatal error inside a pipeline.
	EventErrorOccurred EventKind = "error_occurred"

	// Job lifecycle events emitted by the queue.
	EventJobQueued    EventKind = "job_queued"
	EventJobStarted   EventKind = "job_started"
	EventJobCompleted EventKind = "job_completed"
	EventJobFailed    EventKind = "job_failed"
	EventJobCancelled EventKind = "job_cancelled"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Kind      EventKind      `json:"event"`
	JobID     string         `json:"job_id"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, jobID, sessionID string, data map[string]any) Event {
	return Event{
		Kind:      kind,
		JobID:     jobID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// IsProgress reports whether an event counts as pipeline progress.
// Heartbeats only attest liveness; everything else moves the progress
// clock of the owning session.
func (e Event) IsProgress() bool {
	return e.Kind != EventHeartbeat
}
