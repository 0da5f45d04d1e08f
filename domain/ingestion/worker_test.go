package ingestion

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragworks/ingest/domain/documents"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
	"github.com/ragworks/ingest/pkg/progress"
	"github.com/ragworks/ingest/pkg/syshealth"
)

// fakeJobStore records durable queue writes in memory
type fakeJobStore struct {
	mu sync.Mutex

	markProcessingErr error
	nextRetryAt       time.Time

	processing []uuid.UUID
	completed  map[uuid.UUID]*Result
	failed     map[uuid.UUID]*ErrorInfo
	cancelled  map[uuid.UUID]*ErrorInfo
	requeued   []*Job
	sections   []SubJob

	cancelSessionIDs []uuid.UUID
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		completed: make(map[uuid.UUID]*Result),
		failed:    make(map[uuid.UUID]*ErrorInfo),
		cancelled: make(map[uuid.UUID]*ErrorInfo),
	}
}

func (f *fakeJobStore) EnqueueURL(ctx context.Context, rawURL string, opts Options) (*Job, error) {
	return &Job{ID: uuid.New(), JobType: JobTypeURL, URL: &rawURL, Options: opts.Normalize(), Status: StatusQueued}, nil
}

func (f *fakeJobStore) EnqueueFile(ctx context.Context, name, mime string, data []byte, opts Options) (*Job, error) {
	return &Job{ID: uuid.New(), JobType: JobTypeFile, Options: opts.Normalize(), Status: StatusQueued}, nil
}

func (f *fakeJobStore) EnqueueSections(ctx context.Context, subs []SubJob, opts Options) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, subs...)
	jobs := make([]*Job, 0, len(subs))
	for _, sub := range subs {
		section := sub.Section
		jobs = append(jobs, &Job{
			ID:        uuid.New(),
			SessionID: opts.SessionID,
			JobType:   JobTypeChapter,
			Section:   &section,
			Options:   opts,
			Status:    StatusQueued,
			Priority:  sub.Priority,
		})
	}
	return jobs, nil
}

func (f *fakeJobStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return nil, apperror.ErrInvalidInput.WithMessage("job not found")
}

func (f *fakeJobStore) LoadQueued(ctx context.Context) ([]Job, error) { return nil, nil }

func (f *fakeJobStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markProcessingErr != nil {
		return f.markProcessingErr
	}
	f.processing = append(f.processing, id)
	return nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, id uuid.UUID, result *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = result
	return nil
}

func (f *fakeJobStore) Requeue(ctx context.Context, job *Job, errInfo *ErrorInfo) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := *job
	updated.Status = StatusQueued
	updated.Retries = job.Retries + 1
	updated.Error = errInfo
	if !f.nextRetryAt.IsZero() {
		at := f.nextRetryAt
		updated.NextRetryAt = &at
	}
	f.requeued = append(f.requeued, &updated)
	return &updated, nil
}

func (f *fakeJobStore) MarkFailedTerminal(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errInfo
	return nil
}

func (f *fakeJobStore) MarkCancelled(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = errInfo
	return nil
}

func (f *fakeJobStore) CancelSession(ctx context.Context, sessionID string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelSessionIDs, nil
}

func (f *fakeJobStore) RecoverInterrupted(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeJobStore) Heartbeat(ctx context.Context, id uuid.UUID) error    { return nil }
func (f *fakeJobStore) Progress(ctx context.Context, id uuid.UUID) error     { return nil }
func (f *fakeJobStore) Stats(ctx context.Context) (*Stats, error)            { return &Stats{}, nil }

func newTestDispatcher(store jobStore) (*Dispatcher, *fakePersistence, *SessionTracker) {
	log := discardLogger()
	cfg := testConfig(false)

	fa := &fakeAI{summary: "sum"}
	fp := newFakePersistence()
	engine := NewContextEngine(fa, cfg.Context, log)
	engine.backoffBase = 0
	bus := progress.NewBus(log)
	sessions := NewSessionTracker(log)
	pipeline := NewPipeline(fa, engine, fp, bus, sessions, cfg, log)

	d := &Dispatcher{
		svc:      store,
		pipeline: pipeline,
		splitter: NewSplitter(log),
		fetcher:  NewFetcher(cfg.Ingest, log),
		parsers:  NewParserRegistry(),
		sessions: sessions,
		bus:      bus,
		scaler:   syshealth.NewConcurrencyScaler(nil, "test", false, 1, 3),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		cfg:      cfg,
		log:      log.With(logger.Scope("dispatcher")),
		active:   make(map[uuid.UUID]*activeJob),
		stopCh:   make(chan struct{}),
	}
	heap.Init(&d.pending)
	return d, fp, sessions
}

func chapterJob(sessionID string) *Job {
	return &Job{
		ID:        uuid.New(),
		SessionID: sessionID,
		JobType:   JobTypeChapter,
		Section: &SectionPayload{
			Title:         "Chapter One",
			Index:         0,
			Content:       body2500(),
			SourceKind:    "epub",
			SourceName:    "novel.epub",
			TotalSections: 2,
		},
		Options:  Options{ChunkSize: 1000, Overlap: ptrTo(100), SessionID: sessionID},
		Status:   StatusQueued,
		Priority: 1,
	}
}

func (d *Dispatcher) runJobSync(entry *activeJob) {
	d.active[entry.job.ID] = entry
	d.wg.Add(1)
	d.runJob(entry)
}

func activeEntry(job *Job) *activeJob {
	now := time.Now()
	return &activeJob{
		job:          job,
		sessionID:    job.SessionID,
		startedAt:    now,
		lastBeat:     now,
		lastProgress: now,
	}
}

func TestRunJobCompletesChapterJob(t *testing.T) {
	store := newFakeJobStore()
	d, fp, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	d.runJobSync(activeEntry(job))

	result, ok := store.completed[job.ID]
	require.True(t, ok)
	assert.Equal(t, 3, result.TotalChunks)
	assert.Equal(t, 3, result.ProcessedChunks)
	assert.Empty(t, store.failed)

	assert.Equal(t, documents.StatusCompleted, fp.finalStatus)
	assert.False(t, sessions.Validate("s1"))

	d.mu.Lock()
	assert.Empty(t, d.active)
	d.mu.Unlock()
}

func TestRunJobLeavesSiblingSessionLive(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	// A sibling sub-job of the same split document is still running.
	sessions.Start("s1", "sibling-job")

	job := chapterJob("s1")
	d.runJobSync(activeEntry(job))

	// This job completed instead of reading the shared session as gone.
	_, completed := store.completed[job.ID]
	assert.True(t, completed)
	assert.Empty(t, store.cancelled)

	// The sibling's session survives until its own job detaches.
	assert.True(t, sessions.Validate("s1"))
	assert.False(t, sessions.IsCancelled("s1"))
}

func TestRunJobDropsJobLostToCancellation(t *testing.T) {
	store := newFakeJobStore()
	store.markProcessingErr = apperror.ErrPersistenceConflict.WithMessage("job is not queued")
	d, _, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	d.runJobSync(activeEntry(job))

	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.False(t, sessions.Validate("s1"))

	d.mu.Lock()
	assert.Empty(t, d.active)
	d.mu.Unlock()
}

func TestSettleRequeuesRetryableFailure(t *testing.T) {
	store := newFakeJobStore()
	store.nextRetryAt = time.Now().Add(30 * time.Second)
	d, _, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	sessions.Start("s1", job.ID.String())
	entry := activeEntry(job)

	d.settle(context.Background(), entry, nil, apperror.ErrProviderTransient)

	require.Len(t, store.requeued, 1)
	assert.Equal(t, 1, store.requeued[0].Retries)
	assert.Empty(t, store.failed)

	// The requeued job waits out its backoff before dispatch.
	d.mu.Lock()
	require.Equal(t, 1, d.pending.Len())
	assert.Nil(t, popReady(&d.pending, time.Now()))
	ready := popReady(&d.pending, time.Now().Add(time.Minute))
	d.mu.Unlock()
	require.NotNil(t, ready)
	assert.Equal(t, job.ID, ready.ID)
}

func TestSettleExhaustedRetriesFailTerminally(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	job.Retries = d.cfg.Queue.MaxRetries
	sessions.Start("s1", job.ID.String())
	entry := activeEntry(job)

	d.settle(context.Background(), entry, nil, apperror.ErrProviderTransient)

	assert.Empty(t, store.requeued)
	info, ok := store.failed[job.ID]
	require.True(t, ok)
	assert.Equal(t, string(apperror.KindTransientExternal), info.Kind)

	snap, ok := sessions.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, snap.Failed)
}

func TestSettleNonRetryableFailureSkipsRequeue(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	sessions.Start("s1", job.ID.String())

	d.settle(context.Background(), activeEntry(job), nil, apperror.ErrInvalidInput)

	assert.Empty(t, store.requeued)
	_, failed := store.failed[job.ID]
	assert.True(t, failed)
}

func TestSettleCancelledJobRecordsCancellation(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	job := chapterJob("s1")
	sessions.Start("s1", job.ID.String())

	d.settle(context.Background(), activeEntry(job), &Result{}, apperror.ErrCancelled)

	_, cancelled := store.cancelled[job.ID]
	assert.True(t, cancelled)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.requeued)
}

func TestSweepFailsStalledJobAndSparesHealthyOne(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	now := time.Now()

	stalled := chapterJob("s-stalled")
	stalledEntry := &activeJob{
		job:          stalled,
		sessionID:    stalled.SessionID,
		startedAt:    now.Add(-30 * time.Minute),
		lastBeat:     now,
		lastProgress: now.Add(-d.cfg.Queue.ProgressTimeout() - time.Minute),
	}

	healthy := chapterJob("s-healthy")
	healthyEntry := activeEntry(healthy)

	d.mu.Lock()
	d.active[stalled.ID] = stalledEntry
	d.active[healthy.ID] = healthyEntry
	d.mu.Unlock()
	sessions.Start(stalled.SessionID, stalled.ID.String())
	sessions.Start(healthy.SessionID, healthy.ID.String())

	d.sweep(context.Background())

	info, ok := store.failed[stalled.ID]
	require.True(t, ok)
	assert.Equal(t, string(apperror.KindTimeout), info.Kind)
	assert.False(t, sessions.Validate(stalled.SessionID))

	_, healthyFailed := store.failed[healthy.ID]
	assert.False(t, healthyFailed)
	assert.True(t, sessions.Validate(healthy.SessionID))

	d.mu.Lock()
	_, stillActive := d.active[stalled.ID]
	_, healthyActive := d.active[healthy.ID]
	d.mu.Unlock()
	assert.False(t, stillActive)
	assert.True(t, healthyActive)
}

func TestDispatchSubJobsEnqueuesChildren(t *testing.T) {
	store := newFakeJobStore()
	d, fp, _ := newTestDispatcher(store)

	job := &Job{
		ID:        uuid.New(),
		SessionID: "s1",
		JobType:   JobTypeFile,
		FileData:  NewFilePayload("novel.epub", "application/epub+zip", []byte("raw")),
		Options:   Options{ChunkSize: 1000, Overlap: ptrTo(100)},
		Status:    StatusProcessing,
	}
	parsed := &ParseResult{Content: body2500(), Kind: "epub"}
	subJobs := []SubJob{
		{Section: SectionPayload{Title: "One", Index: 0, Content: "a", SourceKind: "epub", SourceName: "novel.epub", TotalSections: 3}, Priority: 1},
		{Section: SectionPayload{Title: "Two", Index: 1, Content: "b", SourceKind: "epub", SourceName: "novel.epub", TotalSections: 3}, Priority: 1},
		{Section: SectionPayload{Title: "Three", Index: 2, Content: "c", SourceKind: "epub", SourceName: "novel.epub", TotalSections: 3}, Priority: 1, Delay: 2 * time.Second},
	}

	result, err := d.dispatchSubJobs(context.Background(), job, "s1", parsed, subJobs)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SubJobs)
	assert.NotEmpty(t, result.DocumentID)

	// The parent document row exists and is finalized without chunks.
	require.Len(t, fp.upserts, 1)
	assert.Equal(t, documents.KindParentDocument, fp.upserts[0].RecordKind)
	assert.Equal(t, "file://novel.epub", fp.upserts[0].SourceURL)
	assert.Equal(t, documents.StatusCompleted, fp.finalStatus)
	assert.Zero(t, fp.finalTotal)

	// Every section carries its parent linkage.
	require.Len(t, store.sections, 3)
	for _, sub := range store.sections {
		assert.Equal(t, "file://novel.epub", sub.Section.ParentURL)
		assert.Equal(t, result.DocumentID, sub.Section.ParentDocumentID)
	}

	d.mu.Lock()
	assert.Equal(t, 3, d.pending.Len())
	d.mu.Unlock()
}

func TestCancelSessionRemovesPendingJobs(t *testing.T) {
	store := newFakeJobStore()
	d, _, sessions := newTestDispatcher(store)

	first := chapterJob("s1")
	second := chapterJob("s1")
	d.mu.Lock()
	d.pushLocked(first)
	d.pushLocked(second)
	d.mu.Unlock()
	store.cancelSessionIDs = []uuid.UUID{first.ID, second.ID}
	sessions.Start("s1", first.ID.String())

	n, err := d.CancelSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, sessions.IsCancelled("s1"))

	d.mu.Lock()
	assert.Zero(t, d.pending.Len())
	d.mu.Unlock()
}
