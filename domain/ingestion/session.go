package ingestion

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ragworks/ingest/pkg/logger"
)

// Session is the live, in-memory state of an executing ingestion
// session. Split documents share one session across sibling sub-jobs.
type Session struct {
	SessionID          string
	ActiveJobs         int
	Processed          int
	Total              int
	ProgressUpdates    int
	ChunksProcessed    int
	LastActivity       time.Time
	LastProgressUpdate time.Time
	Cancelled          bool
	Failed             bool
	FailReason         string
}

type sessionState struct {
	Session
	jobs map[string]struct{}
}

// SessionTracker maintains the session map. A session exists while any
// of its jobs executes; eviction happens when the last job reaches a
// terminal state.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	log      *slog.Logger
}

// NewSessionTracker creates an empty tracker
func NewSessionTracker(log *slog.Logger) *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]*sessionState),
		log:      log.With(logger.Scope("sessions")),
	}
}

// Start registers a job leaving the queue. The first job of a session
// creates it; siblings join the existing state, so cancellation and
// failure flags survive sub-job churn.
func (t *SessionTracker) Start(sessionID, jobID string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionState{
			Session: Session{
				SessionID:          sessionID,
				LastActivity:       now,
				LastProgressUpdate: now,
			},
			jobs: make(map[string]struct{}),
		}
		t.sessions[sessionID] = s
	}
	s.jobs[jobID] = struct{}{}
	s.ActiveJobs = len(s.jobs)
	s.LastActivity = now
}

// Validate reports whether a session is known and live
func (t *SessionTracker) Validate(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[sessionID]
	return ok
}

// UpdateActivity refreshes a session's activity clock
func (t *SessionTracker) UpdateActivity(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// RecordProgress updates the chunk counters and the progress clock
func (t *SessionTracker) RecordProgress(sessionID string, processed, total int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.Processed = processed
		s.Total = total
		s.ChunksProcessed = processed
		s.ProgressUpdates++
		s.LastActivity = now
		s.LastProgressUpdate = now
	}
}

// MarkCancelled flips the session's cancellation flag. The pipeline
// polls it at suspension points; in-flight calls run to completion.
func (t *SessionTracker) MarkCancelled(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.Cancelled = true
		t.log.Info("session marked cancelled", slog.String("session_id", sessionID))
	}
}

// IsCancelled reports the cancellation flag. Unknown sessions read as
// cancelled so orphaned pipelines stop on their next poll.
func (t *SessionTracker) IsCancelled(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return true
	}
	return s.Cancelled
}

// MarkFailed records a failure reason on the session
func (t *SessionTracker) MarkFailed(sessionID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.Failed = true
		s.FailReason = reason
	}
}

// Stop detaches a terminated job from its session. The session is
// evicted only when no jobs remain attached.
func (t *SessionTracker) Stop(sessionID, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	s.ActiveJobs = len(s.jobs)
	if len(s.jobs) == 0 {
		delete(t.sessions, sessionID)
	}
}

// Snapshot returns a copy of a session's current state
func (t *SessionTracker) Snapshot(sessionID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Count returns the number of live sessions
func (t *SessionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
