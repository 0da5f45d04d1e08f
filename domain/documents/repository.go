package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
)

// Repository handles document database operations
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new documents repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("documents-repo")),
	}
}

// UpsertParams carries the identity and initial metadata of a document
type UpsertParams struct {
	SourceURL        string
	Title            string
	Summary          string
	ContentType      string
	ContentLength    int
	RecordKind       RecordKind
	ParentDocumentID *uuid.UUID
	UploadSource     string
}

// Upsert creates a document or, when one already exists for the same
// (source_url, record_kind) pair, resets it for re-ingestion. Returns
// the resulting row either way.
func (r *Repository) Upsert(ctx context.Context, params UpsertParams) (*Document, error) {
	doc := &Document{
		SourceURL:        params.SourceURL,
		Title:            params.Title,
		Summary:          params.Summary,
		ContentType:      params.ContentType,
		ContentLength:    params.ContentLength,
		ProcessingStatus: StatusProcessing,
		RecordKind:       params.RecordKind,
		ParentDocumentID: params.ParentDocumentID,
		UploadSource:     params.UploadSource,
	}

	_, err := r.db.NewInsert().
		Model(doc).
		On("CONFLICT (source_url, record_kind) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("content_type = EXCLUDED.content_type").
		Set("content_length = EXCLUDED.content_length").
		Set("processing_status = EXCLUDED.processing_status").
		Set("parent_document_id = EXCLUDED.parent_document_id").
		Set("upload_source = EXCLUDED.upload_source").
		Set("total_chunks = 0").
		Set("summary = EXCLUDED.summary").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("upsert document: %w", err))
	}

	r.log.Debug("document upserted",
		slog.String("document_id", doc.ID.String()),
		slog.String("source_url", doc.SourceURL),
		slog.String("record_kind", string(doc.RecordKind)),
	)

	return doc, nil
}

// GetByID retrieves a document by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	doc := &Document{}
	err := r.db.NewSelect().
		Model(doc).
		Where("d.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrInvalidInput.WithMessage("document not found")
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("get document: %w", err))
	}
	return doc, nil
}

// Finalize records the outcome of document processing
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, status ProcessingStatus, totalChunks int) error {
	res, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("processing_status = ?", status).
		Set("total_chunks = ?", totalChunks).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("finalize document: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrInvalidInput.WithMessage("document not found")
	}
	return nil
}

// UpdateStatus transitions the processing status without touching metadata
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status ProcessingStatus) error {
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("processing_status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("update document status: %w", err))
	}
	return nil
}

// ListByParent returns the chapter documents created under a parent
func (r *Repository) ListByParent(ctx context.Context, parentID uuid.UUID) ([]Document, error) {
	var docs []Document
	err := r.db.NewSelect().
		Model(&docs).
		Where("d.parent_document_id = ?", parentID).
		Order("d.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("list child documents: %w", err))
	}
	return docs, nil
}
