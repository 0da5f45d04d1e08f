package ingestion

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ragworks/ingest/domain/documents"
	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
	"github.com/ragworks/ingest/pkg/progress"
	"github.com/ragworks/ingest/pkg/syshealth"
)

// activeJob tracks the in-memory liveness state of one processing job
type activeJob struct {
	job       *Job
	sessionID string

	mu           sync.Mutex
	startedAt    time.Time
	lastBeat     time.Time
	lastProgress time.Time
}

func (a *activeJob) beat(now time.Time) {
	a.mu.Lock()
	a.lastBeat = now
	a.mu.Unlock()
}

func (a *activeJob) progressed(now time.Time) {
	a.mu.Lock()
	a.lastBeat = now
	a.lastProgress = now
	a.mu.Unlock()
}

func (a *activeJob) clocks() (started, beat, progressed time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt, a.lastBeat, a.lastProgress
}

// jobStore is the durable queue surface the dispatcher drives. Satisfied
// by JobsService.
type jobStore interface {
	EnqueueURL(ctx context.Context, rawURL string, opts Options) (*Job, error)
	EnqueueFile(ctx context.Context, name, mime string, data []byte, opts Options) (*Job, error)
	EnqueueSections(ctx context.Context, subs []SubJob, opts Options) ([]*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	LoadQueued(ctx context.Context) ([]Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, result *Result) error
	Requeue(ctx context.Context, job *Job, errInfo *ErrorInfo) (*Job, error)
	MarkFailedTerminal(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error
	MarkCancelled(ctx context.Context, id uuid.UUID, errInfo *ErrorInfo) error
	CancelSession(ctx context.Context, sessionID string) ([]uuid.UUID, error)
	RecoverInterrupted(ctx context.Context) (int64, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	Progress(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (*Stats, error)
}

var _ jobStore = (*JobsService)(nil)

// Dispatcher owns the live side of the job queue: the in-memory
// priority heap, the active-jobs map, per-job heartbeats, the cleanup
// sweep, and cancellation. All durable writes go through the job store
// before the corresponding in-memory mutation.
type Dispatcher struct {
	svc      jobStore
	pipeline *Pipeline
	splitter *Splitter
	fetcher  *Fetcher
	parsers  *ParserRegistry
	sessions *SessionTracker
	bus      *progress.Bus
	scaler   *syshealth.ConcurrencyScaler
	metrics  *Metrics
	cfg      *config.Config
	log      *slog.Logger

	mu      sync.Mutex
	pending jobHeap
	active  map[uuid.UUID]*activeJob
	seq     uint64

	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsubBus func()
}

// NewDispatcher creates the queue dispatcher
func NewDispatcher(
	svc *JobsService,
	pipeline *Pipeline,
	splitter *Splitter,
	fetcher *Fetcher,
	parsers *ParserRegistry,
	sessions *SessionTracker,
	bus *progress.Bus,
	scaler *syshealth.ConcurrencyScaler,
	metrics *Metrics,
	cfg *config.Config,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		svc:      svc,
		pipeline: pipeline,
		splitter: splitter,
		fetcher:  fetcher,
		parsers:  parsers,
		sessions: sessions,
		bus:      bus,
		scaler:   scaler,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With(logger.Scope("dispatcher")),
		active:   make(map[uuid.UUID]*activeJob),
		stopCh:   make(chan struct{}),
	}
}

// Start recovers interrupted jobs, reloads the queue, and launches the
// dispatch loop, the bus subscription, and the cleanup sweep
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.svc.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	queued, err := d.svc.LoadQueued(ctx)
	if err != nil {
		return fmt.Errorf("load queued jobs: %w", err)
	}

	d.mu.Lock()
	heap.Init(&d.pending)
	for i := range queued {
		d.pushLocked(&queued[i])
	}
	d.mu.Unlock()

	d.log.Info("dispatcher starting",
		slog.Int("queued_jobs", len(queued)),
		slog.Int("max_concurrent", d.cfg.Queue.MaxConcurrentJobs),
	)

	events, unsub := d.bus.SubscribeBuffered(256)
	d.unsubBus = unsub
	d.wg.Add(1)
	go d.consumeEvents(events)

	d.wg.Add(1)
	go d.dispatchLoop()

	d.cron = cron.New()
	_, err = d.cron.AddFunc(
		fmt.Sprintf("@every %s", d.cfg.Queue.CleanupInterval()),
		func() { d.sweep(context.Background()) },
	)
	if err != nil {
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}
	d.cron.Start()

	return nil
}

// Stop shuts the dispatcher down, waiting for in-flight jobs up to the
// context deadline
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.unsubBus != nil {
		d.unsubBus()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out")
	}
	return nil
}

// Enqueue routes a durably-written job into the in-memory queue
func (d *Dispatcher) Enqueue(job *Job) {
	d.mu.Lock()
	d.pushLocked(job)
	depth := d.pending.Len()
	d.mu.Unlock()

	d.metrics.QueueDepth.Set(float64(depth))
	d.bus.Publish(progress.NewEvent(progress.EventJobQueued, job.ID.String(), job.SessionID, map[string]any{
		"job_type": string(job.JobType),
		"priority": job.Priority,
	}))
}

// SubmitURL durably enqueues a url_processing job and schedules it
func (d *Dispatcher) SubmitURL(ctx context.Context, rawURL string, opts Options) (*Job, error) {
	job, err := d.svc.EnqueueURL(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	d.Enqueue(job)
	return job, nil
}

// SubmitFile durably enqueues a file_processing job and schedules it
func (d *Dispatcher) SubmitFile(ctx context.Context, name, mime string, data []byte, opts Options) (*Job, error) {
	job, err := d.svc.EnqueueFile(ctx, name, mime, data, opts)
	if err != nil {
		return nil, err
	}
	d.Enqueue(job)
	return job, nil
}

// CancelJob cancels a queued or active job
func (d *Dispatcher) CancelJob(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	if entry, ok := d.active[id]; ok {
		sessionID := entry.sessionID
		d.mu.Unlock()
		d.sessions.MarkCancelled(sessionID)
		return nil
	}

	removed := d.removeLocked(id)
	d.mu.Unlock()

	if !removed {
		job, err := d.svc.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return apperror.ErrInvalidInput.WithMessage("job already terminal")
		}
	}

	if err := d.svc.MarkCancelled(ctx, id, &ErrorInfo{
		Kind:    string(apperror.KindCancelled),
		Message: "cancelled by request",
	}); err != nil {
		return err
	}

	d.metrics.JobsCancelled.Inc()
	d.bus.Publish(progress.NewEvent(progress.EventJobCancelled, id.String(), "", nil))
	return nil
}

// CancelSession cancels every job of a session, both pending and active
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) (int, error) {
	ids, err := d.svc.CancelSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	for _, id := range ids {
		d.removeLocked(id)
	}
	d.mu.Unlock()

	d.sessions.MarkCancelled(sessionID)

	for _, id := range ids {
		d.metrics.JobsCancelled.Inc()
		d.bus.Publish(progress.NewEvent(progress.EventJobCancelled, id.String(), sessionID, nil))
	}
	return len(ids), nil
}

// Stats combines durable counts with live queue state
func (d *Dispatcher) Stats(ctx context.Context) (*Stats, error) {
	return d.svc.Stats(ctx)
}

func (d *Dispatcher) pushLocked(job *Job) {
	d.seq++
	heap.Push(&d.pending, &queuedJob{job: job, seq: d.seq})
}

func (d *Dispatcher) removeLocked(id uuid.UUID) bool {
	for i, entry := range d.pending {
		if entry.job.ID == id {
			heap.Remove(&d.pending, i)
			return true
		}
	}
	return false
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Queue.DispatchInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.dispatch()
		}
	}
}

// dispatch pops ready jobs while capacity remains
func (d *Dispatcher) dispatch() {
	maxConcurrent := d.scaler.GetConcurrency(d.cfg.Queue.MaxConcurrentJobs)
	now := time.Now()

	for {
		d.mu.Lock()
		if len(d.active) >= maxConcurrent {
			d.mu.Unlock()
			return
		}
		job := popReady(&d.pending, now)
		if job == nil {
			d.metrics.QueueDepth.Set(float64(d.pending.Len()))
			d.mu.Unlock()
			return
		}

		entry := &activeJob{
			job:          job,
			sessionID:    job.SessionID,
			startedAt:    now,
			lastBeat:     now,
			lastProgress: now,
		}
		d.active[job.ID] = entry
		d.metrics.QueueDepth.Set(float64(d.pending.Len()))
		d.metrics.ActiveJobs.Set(float64(len(d.active)))
		d.mu.Unlock()

		d.wg.Add(1)
		go d.runJob(entry)
	}
}

// runJob drives one job from processing to a terminal or requeued state
func (d *Dispatcher) runJob(entry *activeJob) {
	defer d.wg.Done()

	job := entry.job
	ctx := context.Background()

	if err := d.svc.MarkProcessing(ctx, job.ID); err != nil {
		// Lost the race with a cancellation; drop it.
		d.log.Warn("job no longer dispatchable",
			slog.String("job_id", job.ID.String()),
			logger.Error(err),
		)
		d.release(job.ID)
		return
	}

	d.sessions.Start(entry.sessionID, job.ID.String())
	d.metrics.JobsStarted.Inc()
	d.bus.Publish(progress.NewEvent(progress.EventJobStarted, job.ID.String(), entry.sessionID, map[string]any{
		"job_type": string(job.JobType),
		"retries":  job.Retries,
	}))

	stopBeat := d.startHeartbeat(entry)
	result, err := d.execute(ctx, job, entry.sessionID)
	stopBeat()

	d.settle(ctx, entry, result, err)
	d.sessions.Stop(entry.sessionID, job.ID.String())
	d.release(job.ID)
}

// startHeartbeat arms the per-job heartbeat ticker. The returned func
// stops it; its lifetime is bounded by the job.
func (d *Dispatcher) startHeartbeat(entry *activeJob) func() {
	done := make(chan struct{})
	var once sync.Once

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Queue.HeartbeatInterval())
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				entry.beat(now)
				if err := d.svc.Heartbeat(context.Background(), entry.job.ID); err != nil {
					d.log.Debug("heartbeat write failed", logger.Error(err))
				}
				d.bus.Publish(progress.NewEvent(progress.EventHeartbeat, entry.job.ID.String(), entry.sessionID, nil))
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// execute resolves the job's input into content and runs the pipeline,
// or splits a large structured file into sub-jobs
func (d *Dispatcher) execute(ctx context.Context, job *Job, sessionID string) (*Result, error) {
	switch job.JobType {
	case JobTypeURL:
		return d.executeURL(ctx, job, sessionID)
	case JobTypeFile:
		return d.executeFile(ctx, job, sessionID)
	case JobTypeChapter:
		return d.executeChapter(ctx, job, sessionID)
	default:
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("unknown job type %q", job.JobType))
	}
}

func (d *Dispatcher) executeURL(ctx context.Context, job *Job, sessionID string) (*Result, error) {
	if job.URL == nil {
		return nil, apperror.ErrInvalidInput.WithMessage("url job without URL")
	}

	fetched, err := d.fetcher.Fetch(ctx, *job.URL)
	if err != nil {
		return nil, err
	}

	return d.runPipeline(ctx, job, sessionID, ProcessRequest{
		Content:      fetched.Content,
		SourceURL:    *job.URL,
		ContentType:  fetched.Kind,
		UploadSource: "url",
	})
}

func (d *Dispatcher) executeFile(ctx context.Context, job *Job, sessionID string) (*Result, error) {
	if job.FileData == nil {
		return nil, apperror.ErrInvalidInput.WithMessage("file job without payload")
	}

	data, err := job.FileData.Bytes()
	if err != nil {
		return nil, err
	}

	parser, err := d.parsers.Lookup(job.FileData.MimeType)
	if err != nil {
		return nil, err
	}
	parsed, err := parser.Parse(ctx, data, job.FileData.MimeType, job.FileData.OriginalName)
	if err != nil {
		return nil, err
	}

	if subJobs := d.splitter.Evaluate(parsed, job.FileData.Size, job.FileData.OriginalName); len(subJobs) > 0 {
		return d.dispatchSubJobs(ctx, job, sessionID, parsed, subJobs)
	}

	return d.runPipeline(ctx, job, sessionID, ProcessRequest{
		Content:      parsed.Content,
		SourceURL:    "file://" + job.FileData.OriginalName,
		ContentType:  parsed.Kind,
		UploadSource: "upload",
	})
}

func (d *Dispatcher) executeChapter(ctx context.Context, job *Job, sessionID string) (*Result, error) {
	if job.Section == nil {
		return nil, apperror.ErrInvalidInput.WithMessage("chapter job without section")
	}

	req := ProcessRequest{
		Content:      job.Section.Content,
		SourceURL:    job.Section.SyntheticURL(),
		ContentType:  job.Section.SourceKind,
		UploadSource: "streaming_split",
	}
	if job.Section.ParentDocumentID != "" {
		if parentID, err := uuid.Parse(job.Section.ParentDocumentID); err == nil {
			req.ParentDocumentID = &parentID
		}
	}
	return d.runPipeline(ctx, job, sessionID, req)
}

// dispatchSubJobs records the parent document and enqueues one chapter
// job per section. The first three go out immediately; the rest carry
// their stagger as a scheduling delay.
func (d *Dispatcher) dispatchSubJobs(ctx context.Context, job *Job, sessionID string, parsed *ParseResult, subJobs []SubJob) (*Result, error) {
	parent, err := d.pipeline.persister.UpsertDocument(ctx, documents.UpsertParams{
		SourceURL:     "file://" + job.FileData.OriginalName,
		Title:         job.FileData.OriginalName,
		ContentType:   parsed.Kind,
		ContentLength: len(parsed.Content),
		RecordKind:    documents.KindParentDocument,
		UploadSource:  "upload",
	})
	if err != nil {
		return nil, err
	}

	opts := job.Options
	opts.SessionID = sessionID

	for i := range subJobs {
		subJobs[i].Section.ParentURL = "file://" + job.FileData.OriginalName
		subJobs[i].Section.ParentDocumentID = parent.ID.String()
	}

	children, err := d.svc.EnqueueSections(ctx, subJobs, opts)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		d.Enqueue(child)
	}

	if err := d.pipeline.persister.FinalizeDocument(ctx, parent.ID, documents.StatusCompleted, 0); err != nil {
		d.log.Error("parent document finalize failed", logger.Error(err))
	}

	return &Result{
		DocumentID: parent.ID.String(),
		SubJobs:    len(subJobs),
	}, nil
}

func (d *Dispatcher) runPipeline(ctx context.Context, job *Job, sessionID string, req ProcessRequest) (*Result, error) {
	req.Options = job.Options
	req.JobID = job.ID.String()
	req.SessionID = sessionID

	out, err := d.pipeline.Process(ctx, req)
	if err != nil {
		return nil, err
	}

	d.metrics.ChunksStored.Add(float64(out.ProcessedChunks))
	d.metrics.VectorsWritten.Add(float64(out.VectorsStored))

	result := &Result{
		TotalChunks:     out.TotalChunks,
		ProcessedChunks: out.ProcessedChunks,
		VectorsStored:   out.VectorsStored,
		ProcessingMs:    out.ProcessingMs,
	}
	if out.DocumentID != uuid.Nil {
		result.DocumentID = out.DocumentID.String()
	}
	if out.Cancelled {
		return result, apperror.ErrCancelled
	}
	return result, nil
}

// settle writes the job's outcome: completed, cancelled, requeued, or
// terminally failed
func (d *Dispatcher) settle(ctx context.Context, entry *activeJob, result *Result, err error) {
	job := entry.job

	if err == nil {
		if mErr := d.svc.MarkCompleted(ctx, job.ID, result); mErr != nil {
			if apperror.KindOf(mErr) == apperror.KindPersistenceConflict {
				// Settled elsewhere, usually by the sweep or a cancel.
				d.log.Warn("job already settled", slog.String("job_id", job.ID.String()))
				return
			}
			d.log.Error("mark completed failed", logger.Error(mErr))
		}
		d.metrics.JobsCompleted.Inc()
		d.bus.Publish(progress.NewEvent(progress.EventJobCompleted, job.ID.String(), entry.sessionID, map[string]any{
			"result": result,
		}))
		return
	}

	errInfo := NewErrorInfo(err)

	if apperror.KindOf(err) == apperror.KindCancelled || d.sessions.IsCancelled(entry.sessionID) {
		if mErr := d.svc.MarkCancelled(ctx, job.ID, errInfo); mErr != nil {
			d.log.Error("mark cancelled failed", logger.Error(mErr))
		}
		d.metrics.JobsCancelled.Inc()
		d.bus.Publish(progress.NewEvent(progress.EventJobCancelled, job.ID.String(), entry.sessionID, nil))
		return
	}

	if apperror.Retryable(err) && job.Retries < d.cfg.Queue.MaxRetries {
		requeued, rErr := d.svc.Requeue(ctx, job, errInfo)
		if rErr != nil {
			if apperror.KindOf(rErr) == apperror.KindPersistenceConflict {
				d.log.Warn("job already settled", slog.String("job_id", job.ID.String()))
				return
			}
			d.log.Error("requeue failed", logger.Error(rErr))
		} else {
			d.mu.Lock()
			d.pushLocked(requeued)
			d.mu.Unlock()
			d.metrics.JobsRetried.Inc()
			d.bus.Publish(progress.NewEvent(progress.EventErrorOccurred, job.ID.String(), entry.sessionID, map[string]any{
				"retries": requeued.Retries,
				"error":   err.Error(),
			}))
			return
		}
	}

	d.sessions.MarkFailed(entry.sessionID, err.Error())
	if mErr := d.svc.MarkFailedTerminal(ctx, job.ID, errInfo); mErr != nil {
		if apperror.KindOf(mErr) == apperror.KindPersistenceConflict {
			d.log.Warn("job already settled", slog.String("job_id", job.ID.String()))
			return
		}
		d.log.Error("mark failed failed", logger.Error(mErr))
	}
	d.metrics.JobsFailed.Inc()
	d.bus.Publish(progress.NewEvent(progress.EventJobFailed, job.ID.String(), entry.sessionID, map[string]any{
		"error":   err.Error(),
		"retries": job.Retries,
	}))
	d.log.Error("job failed terminally",
		slog.String("job_id", job.ID.String()),
		slog.Int("retries", job.Retries),
		logger.Error(err),
	)
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	delete(d.active, id)
	d.metrics.ActiveJobs.Set(float64(len(d.active)))
	d.mu.Unlock()
}

// consumeEvents refreshes liveness clocks from pipeline events. Every
// non-heartbeat event counts as progress for its job.
func (d *Dispatcher) consumeEvents(events <-chan progress.Event) {
	defer d.wg.Done()

	for ev := range events {
		if ev.JobID == "" {
			continue
		}
		id, err := uuid.Parse(ev.JobID)
		if err != nil {
			continue
		}

		d.mu.Lock()
		entry, ok := d.active[id]
		d.mu.Unlock()
		if !ok {
			continue
		}

		now := time.Now()
		if ev.IsProgress() {
			entry.progressed(now)
			if err := d.svc.Progress(context.Background(), id); err != nil {
				d.log.Debug("progress write failed", logger.Error(err))
			}
			d.sessions.UpdateActivity(entry.sessionID)
		} else {
			entry.beat(now)
		}
	}
}

// sweep fails jobs that blew any of the three liveness clocks: the
// absolute deadline, the heartbeat timeout, or the progress timeout
func (d *Dispatcher) sweep(ctx context.Context) {
	now := time.Now()

	d.mu.Lock()
	var expired []*activeJob
	var reasons []string
	for _, entry := range d.active {
		started, beat, progressed := entry.clocks()
		switch {
		case now.Sub(started) > d.cfg.Queue.JobTimeout():
			expired = append(expired, entry)
			reasons = append(reasons, "job deadline exceeded")
		case now.Sub(beat) > d.cfg.Queue.HeartbeatTimeout():
			expired = append(expired, entry)
			reasons = append(reasons, "heartbeat timeout")
		case now.Sub(progressed) > d.cfg.Queue.ProgressTimeout():
			expired = append(expired, entry)
			reasons = append(reasons, "progress timeout")
		}
	}
	d.mu.Unlock()

	for i, entry := range expired {
		reason := reasons[i]
		d.log.Warn("liveness sweep failing job",
			slog.String("job_id", entry.job.ID.String()),
			slog.String("reason", reason),
		)

		// Stop the pipeline at its next poll and reject late events.
		d.sessions.MarkCancelled(entry.sessionID)
		d.sessions.MarkFailed(entry.sessionID, reason)

		errInfo := &ErrorInfo{
			Kind:    string(apperror.KindTimeout),
			Message: reason,
		}
		if err := d.svc.MarkFailedTerminal(ctx, entry.job.ID, errInfo); err != nil {
			if apperror.KindOf(err) == apperror.KindPersistenceConflict {
				// The job settled between the snapshot and the write.
				continue
			}
			d.log.Error("sweep mark failed", logger.Error(err))
		}

		d.metrics.JobsTimedOut.Inc()
		d.metrics.JobsFailed.Inc()
		d.bus.Publish(progress.NewEvent(progress.EventJobFailed, entry.job.ID.String(), entry.sessionID, map[string]any{
			"error": reason,
		}))
		d.release(entry.job.ID)
		d.sessions.Stop(entry.sessionID, entry.job.ID.String())
	}
}
