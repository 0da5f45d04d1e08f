package ingestion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/internal/database"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
)

// JobsService owns the durable side of the job queue. Every mutation is
// written to rag.ingestion_jobs before the dispatcher sees it in memory.
type JobsService struct {
	db  bun.IDB
	cfg *config.Config
	log *slog.Logger
}

// NewJobsService creates the durable job store
func NewJobsService(db bun.IDB, cfg *config.Config, log *slog.Logger) *JobsService {
	return &JobsService{
		db:  db,
		cfg: cfg,
		log: log.With(logger.Scope("jobs")),
	}
}

// EnqueueURL creates a durable url_processing job
func (s *JobsService) EnqueueURL(ctx context.Context, rawURL string, opts Options) (*Job, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, apperror.ErrInvalidInput.WithMessage("malformed URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme))
	}

	opts = opts.Normalize()
	job := &Job{
		SessionID: s.sessionID(opts),
		JobType:   JobTypeURL,
		URL:       &rawURL,
		Options:   opts,
		Status:    StatusQueued,
		Priority:  opts.Priority,
	}
	return s.insert(ctx, job)
}

// EnqueueFile creates a durable file_processing job carrying the file
// bytes in a base64 envelope
func (s *JobsService) EnqueueFile(ctx context.Context, name, mime string, data []byte, opts Options) (*Job, error) {
	if len(data) == 0 {
		return nil, apperror.ErrEmptyContent
	}
	if int64(len(data)) > s.cfg.Ingest.MaxFileSizeBytes {
		return nil, apperror.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("file size %d exceeds limit %d", len(data), s.cfg.Ingest.MaxFileSizeBytes))
	}

	opts = opts.Normalize()
	job := &Job{
		SessionID: s.sessionID(opts),
		JobType:   JobTypeFile,
		FileData:  NewFilePayload(name, mime, data),
		Options:   opts,
		Status:    StatusQueued,
		Priority:  opts.Priority,
	}
	return s.insert(ctx, job)
}

// EnqueueSections creates one durable chapter_document_processing
// sub-job per section. The batch is written in a single transaction so
// a failed insert leaves no partial split behind and the parent job can
// be retried cleanly. Positive delays schedule via next_retry_at.
func (s *JobsService) EnqueueSections(ctx context.Context, subs []SubJob, opts Options) ([]*Job, error) {
	opts = opts.Normalize()
	sessionID := s.sessionID(opts)

	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("begin sub-job tx: %w", err))
	}
	defer tx.Rollback()

	jobs := make([]*Job, 0, len(subs))
	for _, sub := range subs {
		section := sub.Section
		job := &Job{
			SessionID: sessionID,
			JobType:   JobTypeChapter,
			Section:   &section,
			Options:   opts,
			Status:    StatusQueued,
			Priority:  sub.Priority,
		}
		if sub.Delay > 0 {
			at := time.Now().Add(sub.Delay)
			job.NextRetryAt = &at
		}
		if _, err := tx.NewInsert().Model(job).Returning("*").Exec(ctx); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("insert sub-job: %w", err))
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("commit sub-jobs: %w", err))
	}

	s.log.Info("sub-jobs enqueued",
		slog.Int("count", len(jobs)),
		slog.String("session_id", sessionID),
	)
	return jobs, nil
}

func (s *JobsService) sessionID(opts Options) string {
	if opts.SessionID != "" {
		return opts.SessionID
	}
	return "session-" + uuid.NewString()
}

func (s *JobsService) insert(ctx context.Context, job *Job) (*Job, error) {
	_, err := s.db.NewInsert().
		Model(job).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("insert job: %w", err))
	}

	s.log.Info("job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.JobType)),
		slog.Int("priority", job.Priority),
		slog.String("session_id", job.SessionID),
	)
	return job, nil
}

// Get retrieves a job by ID
func (s *JobsService) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job := &Job{}
	err := s.db.NewSelect().
		Model(job).
		Where("j.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrInvalidInput.WithMessage("job not found")
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// LoadQueued returns all queued jobs ordered the way the dispatcher
// consumes them
func (s *JobsService) LoadQueued(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := s.db.NewSelect().
		Model(&jobs).
		Where("j.status = ?", StatusQueued).
		Order("j.priority ASC", "j.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("load queued jobs: %w", err))
	}
	return jobs, nil
}

// MarkProcessing transitions a job to processing and arms its clocks
func (s *JobsService) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusProcessing).
		Set("started_at = ?", now).
		Set("last_heartbeat = ?", now).
		Set("last_progress_update = ?", now).
		Set("next_retry_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", StatusQueued).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("mark processing: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrPersistenceConflict.WithMessage("job is not queued")
	}
	return nil
}

// MarkCompleted records a successful terminal outcome. Only a
// processing job can complete; a concurrent cancellation wins.
func (s *JobsService) MarkCompleted(ctx context.Context, id uuid.UUID, result *Result) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCompleted).
		Set("completed_at = ?", now).
		Set("result = ?", result).
		Set("duration_ms = EXTRACT(EPOCH FROM (? - started_at)) * 1000", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("mark completed: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrPersistenceConflict.WithMessage("job is not processing")
	}
	return nil
}

// Requeue sends a failed job back to queued with an incremented retry
// count. The n-th retry waits n times the base retry delay.
func (s *JobsService) Requeue(ctx context.Context, job *Job, errInfo *ErrorInfo) (*Job, error) {
	now := time.Now()
	retries := job.Retries + 1
	nextRetry := now.Add(time.Duration(retries) * s.cfg.Queue.RetryDelay())

	updated := *job
	updated.Status = StatusQueued
	updated.Retries = retries
	updated.NextRetryAt = &nextRetry
	updated.Error = errInfo

	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusQueued).
		Set("retries = ?", retries).
		Set("next_retry_at = ?", nextRetry).
		Set("error = ?", errInfo).
		Set("updated_at = ?", now).
		Where("id = ?", job.ID).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("requeue job: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cancelled or swept while failing; the terminal state stands.
		return nil, apperror.ErrPersistenceConflict.WithMessage("job is not processing")
	}

	s.log.Info("job requeued",
		slog.String("job_id", job.ID.String()),
		slog.Int("retries", retries),
		slog.Time("next_retry_at", nextRetry),
	)
	return &updated, nil
}

// MarkFailedTerminal records an exhausted or non-retryable failure.
// Jobs already in a terminal state keep it.
func (s *JobsService) MarkFailedTerminal(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusFailed).
		Set("failed_at = ?", now).
		Set("error = ?", errInfo).
		Set("duration_ms = EXTRACT(EPOCH FROM (? - started_at)) * 1000", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("mark failed: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrPersistenceConflict.WithMessage("job is not processing")
	}
	return nil
}

// MarkCancelled records an explicit cancellation. Cancelled jobs are
// never retried.
func (s *JobsService) MarkCancelled(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCancelled).
		Set("completed_at = ?", now).
		Set("error = ?", errInfo).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status NOT IN (?)", bun.In([]JobStatus{StatusCompleted, StatusFailed})).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("mark cancelled: %w", err))
	}
	return nil
}

// CancelSession cancels every non-terminal job of a session and returns
// the affected job IDs
func (s *JobsService) CancelSession(ctx context.Context, sessionID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCancelled).
		Set("completed_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("session_id = ?", sessionID).
		Where("status IN (?)", bun.In([]JobStatus{StatusQueued, StatusProcessing})).
		Returning("id").
		Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("cancel session: %w", err))
	}

	s.log.Info("session cancelled",
		slog.String("session_id", sessionID),
		slog.Int("jobs", len(ids)),
	)
	return ids, nil
}

// RecoverInterrupted rewinds jobs left in processing by a previous run
// back to queued. Retry counts are preserved.
func (s *JobsService) RecoverInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusQueued).
		Set("started_at = NULL").
		Set("last_heartbeat = NULL").
		Set("last_progress_update = NULL").
		Set("updated_at = ?", time.Now()).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(fmt.Errorf("recover interrupted jobs: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("recovered interrupted jobs", slog.Int64("count", n))
	}
	return n, nil
}

// Heartbeat refreshes a job's liveness clock
func (s *JobsService) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("last_heartbeat = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("heartbeat: %w", err))
	}
	return nil
}

// Progress refreshes both the heartbeat and the progress clock
func (s *JobsService) Progress(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("last_heartbeat = ?", now).
		Set("last_progress_update = ?", now).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("progress update: %w", err))
	}
	return nil
}

// Stats summarizes queue state by status
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Stats returns durable queue counts
func (s *JobsService) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status JobStatus `bun:"status"`
		Count  int       `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*Job)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("queue stats: %w", err))
	}

	stats := &Stats{}
	for _, row := range rows {
		switch row.Status {
		case StatusQueued:
			stats.Queued = row.Count
		case StatusProcessing:
			stats.Processing = row.Count
		case StatusCompleted:
			stats.Completed = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		case StatusCancelled:
			stats.Cancelled = row.Count
		}
	}
	return stats, nil
}
