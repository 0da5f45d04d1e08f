package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragworks/ingest/domain/chunks"
	"github.com/ragworks/ingest/domain/documents"
	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/ai"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
	"github.com/ragworks/ingest/pkg/progress"
	"github.com/ragworks/ingest/pkg/textsplitter"
	"github.com/ragworks/ingest/pkg/tracing"
)

const summarySourceChars = 2000

// ProcessRequest carries one document into the pipeline
type ProcessRequest struct {
	Content          string
	SourceURL        string
	ContentType      string
	Options          Options
	JobID            string
	SessionID        string
	RecordKind       documents.RecordKind
	ParentDocumentID *uuid.UUID
	UploadSource     string
}

// ProcessResult summarizes one pipeline run
type ProcessResult struct {
	DocumentID      uuid.UUID
	TotalChunks     int
	ProcessedChunks int
	VectorsStored   int
	ProcessingMs    int64
	Cancelled       bool
}

// chunkOutcome is the per-chunk result shape. A chunk counts as
// processed only once its relational row is stored; vector writes are
// tallied separately.
type chunkOutcome struct {
	stored       bool
	vectorStored bool
}

// Persistence is the store surface the pipeline writes through. The
// Persister implements it; tests substitute fakes.
type Persistence interface {
	UpsertDocument(ctx context.Context, params documents.UpsertParams) (*documents.Document, error)
	FinalizeDocument(ctx context.Context, id uuid.UUID, status documents.ProcessingStatus, totalChunks int) error
	StoreChunk(ctx context.Context, chunk *chunks.Chunk) error
	StoreVector(ctx context.Context, chunkID uuid.UUID, vector []float32, payload map[string]string) error
	DeleteVectors(ctx context.Context, documentID uuid.UUID) error
}

// Pipeline drives one document end to end: chunk, document record,
// bounded fan-out of analyze/contextualize/embed/persist, finalize.
type Pipeline struct {
	ai        ai.Client
	contexts  *ContextEngine
	persister Persistence
	bus       *progress.Bus
	sessions  *SessionTracker
	cfg       *config.Config
	log       *slog.Logger
}

// NewPipeline creates the document pipeline
func NewPipeline(client ai.Client, contexts *ContextEngine, persister Persistence, bus *progress.Bus, sessions *SessionTracker, cfg *config.Config, log *slog.Logger) *Pipeline {
	return &Pipeline{
		ai:        client,
		contexts:  contexts,
		persister: persister,
		bus:       bus,
		sessions:  sessions,
		cfg:       cfg,
		log:       log.With(logger.Scope("pipeline")),
	}
}

// Process runs one document through the pipeline. Cancellation is
// polled at batch boundaries; in-flight chunk tasks run to completion.
func (p *Pipeline) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	ctx, span := tracing.Start(ctx, "pipeline.process")
	defer span.End()

	start := time.Now()
	opts := req.Options.Normalize()
	req.Options = opts
	if req.RecordKind == "" {
		req.RecordKind = documents.KindDocument
	}

	p.publish(progress.EventProcessingStarted, req, map[string]any{
		"source_url": req.SourceURL,
	})

	drafts := textsplitter.Split(req.Content, textsplitter.Config{
		TargetSize: opts.ChunkSize,
		Overlap:    opts.OverlapChars(),
	})
	total := len(drafts)

	p.publish(progress.EventChunkingComplete, req, map[string]any{
		"chunk_count": total,
	})

	doc := p.createDocument(ctx, req)

	result := &ProcessResult{TotalChunks: total}
	if doc != nil {
		result.DocumentID = doc.ID
	}

	// Chunk IDs are minted fresh on every run, so points left by an
	// earlier ingest of the same source are removed up front.
	if doc != nil && total > 0 {
		if err := p.persister.DeleteVectors(ctx, doc.ID); err != nil {
			p.log.Warn("stale vector purge failed",
				slog.String("document_id", doc.ID.String()),
				logger.Error(err),
			)
		}
	}

	if total == 0 {
		p.finalize(ctx, req, doc, result, documents.StatusCompleted, start)
		return result, nil
	}

	concurrency := batchConcurrency(total, p.maxConcurrent(opts))
	p.log.Info("processing document",
		slog.String("source_url", req.SourceURL),
		slog.Int("chunks", total),
		slog.Int("batch_concurrency", concurrency),
	)

	var mu sync.Mutex
	cancelled := false

	for batchStart := 0; batchStart < total; batchStart += concurrency {
		if p.isCancelled(req.SessionID) {
			cancelled = true
			break
		}

		batchEnd := batchStart + concurrency
		if batchEnd > total {
			batchEnd = total
		}

		var wg sync.WaitGroup
		for i := batchStart; i < batchEnd; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				outcome := p.processChunk(ctx, req, doc, drafts[index], index, total)

				mu.Lock()
				if outcome.stored {
					result.ProcessedChunks++
				}
				if outcome.vectorStored {
					result.VectorsStored++
				}
				processed := result.ProcessedChunks
				mu.Unlock()

				p.sessions.RecordProgress(req.SessionID, processed, total)
				p.publish(progress.EventProgressUpdate, req, map[string]any{
					"processed_chunks": processed,
					"total_chunks":     total,
				})
			}(i)
		}
		wg.Wait()

		if batchEnd < total && !p.isCancelled(req.SessionID) {
			select {
			case <-ctx.Done():
				cancelled = true
			case <-time.After(p.cfg.Ingest.BatchPause()):
			}
			if cancelled {
				break
			}
		}
	}

	status := documents.StatusCompleted
	if cancelled || p.isCancelled(req.SessionID) {
		status = documents.StatusCancelled
		result.Cancelled = true
	}

	p.finalize(ctx, req, doc, result, status, start)
	return result, nil
}

// createDocument extracts title and summary and upserts the document
// row. Failure is non-fatal; the pipeline continues without a parent
// document ID.
func (p *Pipeline) createDocument(ctx context.Context, req ProcessRequest) *documents.Document {
	params := documents.UpsertParams{
		SourceURL:        req.SourceURL,
		Title:            extractTitle(req.Content, req.SourceURL),
		Summary:          p.generateSummary(ctx, req.Content),
		ContentType:      req.ContentType,
		ContentLength:    len(req.Content),
		RecordKind:       req.RecordKind,
		ParentDocumentID: req.ParentDocumentID,
		UploadSource:     req.UploadSource,
	}

	doc, err := p.persister.UpsertDocument(ctx, params)
	if err != nil {
		p.log.Error("document record creation failed",
			slog.String("source_url", req.SourceURL),
			logger.Error(err),
		)
		p.publish(progress.EventErrorOccurred, req, map[string]any{
			"stage": "document",
			"error": err.Error(),
		})
		return nil
	}
	return doc
}

func (p *Pipeline) generateSummary(ctx context.Context, content string) string {
	if content == "" {
		return ""
	}
	sample := content
	if len(sample) > summarySourceChars {
		sample = sample[:summarySourceChars]
	}
	summary, err := p.ai.Summarize(ctx, sample)
	if err != nil || strings.TrimSpace(summary) == "" {
		return "Summary generation failed"
	}
	return strings.TrimSpace(summary)
}

// processChunk runs one chunk through analyze, contextualize, embed,
// and both stores. Every failure is contained to the chunk.
func (p *Pipeline) processChunk(ctx context.Context, req ProcessRequest, doc *documents.Document, draft textsplitter.Chunk, index, total int) chunkOutcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Ingest.ChunkTimeout())
	defer cancel()

	ctx, span := tracing.Start(ctx, "pipeline.chunk")
	defer span.End()

	outcome := chunkOutcome{}
	chunkID := uuid.New()

	analysis, err := p.ai.AnalyzeChunk(ctx, draft.Text)
	if err != nil {
		p.log.Warn("chunk analysis failed",
			slog.Int("chunk_index", index),
			logger.Error(err),
		)
		return outcome
	}
	p.publish(progress.EventAnalysisCompleted, req, map[string]any{
		"chunk_index": index,
	})

	contextSummary := ""
	if req.Options.ContextEnabled() {
		contextSummary = p.contexts.Contextualize(ctx, req.Content, draft.Text, index, total)
	}

	vector, err := p.ai.GenerateEmbedding(ctx, draft.Text, contextSummary)
	if err != nil {
		p.log.Warn("chunk embedding failed",
			slog.Int("chunk_index", index),
			logger.Error(err),
		)
		p.storeChunkRow(ctx, req, doc, draft, chunkID, analysis, contextSummary, index, total, chunks.EmbeddingFailed, "failed")
		return outcome
	}
	p.publish(progress.EventEmbeddingCreated, req, map[string]any{
		"chunk_index": index,
	})

	embeddingStatus := chunks.EmbeddingCompleted
	if err := p.storeVector(ctx, req, doc, draft, chunkID, vector, contextSummary, index); err != nil {
		embeddingStatus = chunks.EmbeddingFailed
	} else {
		outcome.vectorStored = true
	}

	if err := p.storeChunkRow(ctx, req, doc, draft, chunkID, analysis, contextSummary, index, total, embeddingStatus, "completed"); err == nil {
		outcome.stored = true
	}
	return outcome
}

func (p *Pipeline) storeVector(ctx context.Context, req ProcessRequest, doc *documents.Document, draft textsplitter.Chunk, chunkID uuid.UUID, vector []float32, contextSummary string, index int) error {
	documentID := ""
	if doc != nil {
		documentID = doc.ID.String()
	}
	payload := map[string]string{
		"document_id":   documentID,
		"chunk_index":   strconv.Itoa(index),
		"source_url":    req.SourceURL,
		"section_title": draft.SectionTitle,
		"uses_context":  strconv.FormatBool(contextSummary != ""),
	}

	err := p.persister.StoreVector(ctx, chunkID, vector, payload)
	if err != nil {
		p.log.Error("vector store write failed",
			slog.Int("chunk_index", index),
			logger.Error(err),
		)
		p.publish(progress.EventVectorError, req, map[string]any{
			"chunk_index": index,
			"chunk_id":    chunkID.String(),
			"error":       err.Error(),
		})
		return err
	}

	p.publish(progress.EventVectorStored, req, map[string]any{
		"chunk_index": index,
		"chunk_id":    chunkID.String(),
	})
	return nil
}

func (p *Pipeline) storeChunkRow(ctx context.Context, req ProcessRequest, doc *documents.Document, draft textsplitter.Chunk, chunkID uuid.UUID, analysis *ai.Analysis, contextSummary string, index, total int, embeddingStatus chunks.EmbeddingStatus, processingStatus string) error {
	if doc == nil {
		return apperror.ErrInternal.WithMessage("no document row for chunk")
	}

	row := &chunks.Chunk{
		ID:                      chunkID,
		DocumentID:              doc.ID,
		ChunkIndex:              index,
		ChunkText:               draft.Text,
		UsesContextualEmbedding: contextSummary != "",
		EmbeddingStatus:         embeddingStatus,
		ProcessingStatus:        processingStatus,
		SectionTitle:            draft.SectionTitle,
		SectionLevel:            draft.SectionLevel,
		BoundaryType:            draft.BoundaryType,
		DocumentPosition:        float64(index+1) / float64(total),
	}
	if contextSummary != "" {
		row.ContextualSummary = &contextSummary
	}
	if analysis != nil {
		row.Sentiment = analysis.Sentiment
		row.ContentType = analysis.ContentType
		row.TechnicalLevel = analysis.TechnicalLevel
		row.MainTopics = analysis.MainTopics
		row.KeyConcepts = analysis.KeyConcepts
		row.Tags = analysis.Tags
		row.KeyEntities = analysis.KeyEntities
	}

	err := p.persister.StoreChunk(ctx, row)
	if err != nil {
		p.log.Error("chunk store failed",
			slog.Int("chunk_index", index),
			logger.Error(err),
		)
		p.publish(progress.EventErrorOccurred, req, map[string]any{
			"stage":       "chunk_store",
			"chunk_index": index,
			"error":       err.Error(),
		})
	}
	return err
}

func (p *Pipeline) finalize(ctx context.Context, req ProcessRequest, doc *documents.Document, result *ProcessResult, status documents.ProcessingStatus, start time.Time) {
	result.ProcessingMs = time.Since(start).Milliseconds()

	if doc != nil {
		if err := p.persister.FinalizeDocument(ctx, doc.ID, status, result.TotalChunks); err != nil {
			p.log.Error("document finalize failed",
				slog.String("document_id", doc.ID.String()),
				logger.Error(err),
			)
		}
	}

	p.publish(progress.EventProcessingCompleted, req, map[string]any{
		"total_chunks":     result.TotalChunks,
		"processed_chunks": result.ProcessedChunks,
		"vectors_stored":   result.VectorsStored,
		"status":           string(status),
		"processing_ms":    result.ProcessingMs,
	})
}

func (p *Pipeline) publish(kind progress.EventKind, req ProcessRequest, data map[string]any) {
	p.bus.Publish(progress.NewEvent(kind, req.JobID, req.SessionID, data))
}

func (p *Pipeline) isCancelled(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return p.sessions.IsCancelled(sessionID)
}

func (p *Pipeline) maxConcurrent(opts Options) int {
	max := p.cfg.Queue.MaxConcurrentJobs
	if opts.MaxConcurrentChunks > 0 {
		max = opts.MaxConcurrentChunks
	}
	if max < 1 {
		max = 1
	}
	return max
}

// batchConcurrency picks the per-batch parallelism from the chunk
// count, then caps it at the configured ceiling
func batchConcurrency(totalChunks, maxConcurrent int) int {
	var n int
	switch {
	case totalChunks > 1000:
		n = 1
	case totalChunks > 200:
		n = 1
	case totalChunks > 50:
		n = 2
	case totalChunks < 10:
		n = 3
	default:
		n = 2
	}
	if n > maxConcurrent {
		n = maxConcurrent
	}
	return n
}

// extractTitle takes the first markdown heading, falling back to the
// URL basename
func extractTitle(content, sourceURL string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				return title
			}
		}
	}

	if parsed, err := url.Parse(sourceURL); err == nil {
		base := path.Base(parsed.Path)
		if base != "" && base != "." && base != "/" {
			return base
		}
		if parsed.Host != "" {
			return parsed.Host
		}
	}
	return fmt.Sprintf("Document %s", time.Now().Format("2006-01-02"))
}
