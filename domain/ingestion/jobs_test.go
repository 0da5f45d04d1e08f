package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/ragworks/ingest/pkg/apperror"
)

// Bun renders arguments into the SQL it sends, so the mock can assert
// on the status guards as literal text.
func newMockJobsService(t *testing.T) (*JobsService, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })

	db := bun.NewDB(sqldb, pgdialect.New())
	return NewJobsService(db, testConfig(false), discardLogger()), mock
}

func TestMarkProcessingOnlyMovesQueuedJobs(t *testing.T) {
	svc, mock := newMockJobsService(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs".*status = 'processing'.*status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.MarkProcessing(context.Background(), id))

	// A job cancelled while waiting must not start.
	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := svc.MarkProcessing(context.Background(), id)
	assert.Equal(t, apperror.KindPersistenceConflict, apperror.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedOnlySettlesProcessingJobs(t *testing.T) {
	svc, mock := newMockJobsService(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs".*status = 'completed'.*status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.MarkCompleted(context.Background(), id, &Result{TotalChunks: 3}))

	// A cancellation that won the race keeps its terminal state.
	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := svc.MarkCompleted(context.Background(), id, &Result{})
	assert.Equal(t, apperror.KindPersistenceConflict, apperror.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTerminalOnlySettlesProcessingJobs(t *testing.T) {
	svc, mock := newMockJobsService(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs".*status = 'failed'.*status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.MarkFailedTerminal(context.Background(), id, &ErrorInfo{Kind: "timeout"}))

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := svc.MarkFailedTerminal(context.Background(), id, &ErrorInfo{Kind: "timeout"})
	assert.Equal(t, apperror.KindPersistenceConflict, apperror.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueBacksOffLinearly(t *testing.T) {
	svc, mock := newMockJobsService(t)
	job := &Job{ID: uuid.New(), Status: StatusProcessing, Retries: 1}

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs".*status = 'queued'.*status = 'processing'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	before := time.Now()
	requeued, err := svc.Requeue(context.Background(), job, &ErrorInfo{Kind: "transient_external"})
	require.NoError(t, err)

	// The second retry waits twice the base delay.
	assert.Equal(t, 2, requeued.Retries)
	assert.Equal(t, StatusQueued, requeued.Status)
	require.NotNil(t, requeued.NextRetryAt)
	assert.WithinDuration(t, before.Add(2*svc.cfg.Queue.RetryDelay()), *requeued.NextRetryAt, time.Second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueRefusesSettledJobs(t *testing.T) {
	svc, mock := newMockJobsService(t)
	job := &Job{ID: uuid.New(), Status: StatusProcessing, Retries: 0}

	mock.ExpectExec(`UPDATE "rag"\."ingestion_jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	requeued, err := svc.Requeue(context.Background(), job, &ErrorInfo{Kind: "transient_external"})
	assert.Nil(t, requeued)
	assert.Equal(t, apperror.KindPersistenceConflict, apperror.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSectionsRollsBackOnInsertFailure(t *testing.T) {
	svc, mock := newMockJobsService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "rag"\."ingestion_jobs"`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	subs := []SubJob{
		{Section: SectionPayload{Title: "One", Index: 0, Content: "a"}, Priority: 1},
		{Section: SectionPayload{Title: "Two", Index: 1, Content: "b"}, Priority: 1},
	}
	jobs, err := svc.EnqueueSections(context.Background(), subs, Options{SessionID: "s1"})
	assert.Nil(t, jobs)
	require.Error(t, err)
	assert.Equal(t, apperror.KindInternal, apperror.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
