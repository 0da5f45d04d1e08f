package chunks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
)

// Repository handles chunk database operations
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new chunks repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("chunks-repo")),
	}
}

// Insert stores a chunk row. Re-ingested documents overwrite the row
// at the same (document_id, chunk_index) slot.
func (r *Repository) Insert(ctx context.Context, chunk *Chunk) error {
	if chunk.MainTopics == nil {
		chunk.MainTopics = []string{}
	}
	if chunk.KeyConcepts == nil {
		chunk.KeyConcepts = []string{}
	}
	if chunk.Tags == nil {
		chunk.Tags = []string{}
	}
	if chunk.KeyEntities == nil {
		chunk.KeyEntities = map[string][]string{}
	}

	_, err := r.db.NewInsert().
		Model(chunk).
		On("CONFLICT (document_id, chunk_index) DO UPDATE").
		Set("chunk_text = EXCLUDED.chunk_text").
		Set("contextual_summary = EXCLUDED.contextual_summary").
		Set("uses_contextual_embedding = EXCLUDED.uses_contextual_embedding").
		Set("embedding_status = EXCLUDED.embedding_status").
		Set("processing_status = EXCLUDED.processing_status").
		Set("sentiment = EXCLUDED.sentiment").
		Set("content_type = EXCLUDED.content_type").
		Set("technical_level = EXCLUDED.technical_level").
		Set("main_topics = EXCLUDED.main_topics").
		Set("key_concepts = EXCLUDED.key_concepts").
		Set("tags = EXCLUDED.tags").
		Set("key_entities = EXCLUDED.key_entities").
		Set("section_title = EXCLUDED.section_title").
		Set("section_level = EXCLUDED.section_level").
		Set("boundary_type = EXCLUDED.boundary_type").
		Set("document_position = EXCLUDED.document_position").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("insert chunk: %w", err))
	}

	r.log.Debug("chunk stored",
		slog.String("chunk_id", chunk.ID.String()),
		slog.String("document_id", chunk.DocumentID.String()),
		slog.Int("chunk_index", chunk.ChunkIndex),
	)

	return nil
}

// UpdateEmbeddingStatus records the vector outcome for a chunk
func (r *Repository) UpdateEmbeddingStatus(ctx context.Context, id uuid.UUID, status EmbeddingStatus) error {
	_, err := r.db.NewUpdate().
		Model((*Chunk)(nil)).
		Set("embedding_status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("update embedding status: %w", err))
	}
	return nil
}

// ListByDocument returns a document's chunks in order
func (r *Repository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	var out []Chunk
	err := r.db.NewSelect().
		Model(&out).
		Where("c.document_id = ?", documentID).
		Order("c.chunk_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("list chunks: %w", err))
	}
	return out, nil
}

// CountByDocument returns the number of stored chunks for a document
func (r *Repository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	n, err := r.db.NewSelect().
		Model((*Chunk)(nil)).
		Where("c.document_id = ?", documentID).
		Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(fmt.Errorf("count chunks: %w", err))
	}
	return n, nil
}
