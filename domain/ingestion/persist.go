package ingestion

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ragworks/ingest/domain/chunks"
	"github.com/ragworks/ingest/domain/documents"
	"github.com/ragworks/ingest/pkg/logger"
	"github.com/ragworks/ingest/pkg/vectorstore"
)

// Persister coordinates the two stores a chunk lands in. The relational
// write and the vector write are independent; there is no cross-store
// transaction. Reconciliation happens through chunk ID identity.
type Persister struct {
	docs    *documents.Repository
	chunks  *chunks.Repository
	vectors vectorstore.Store
	log     *slog.Logger
}

// NewPersister creates the persistence coordinator
func NewPersister(docs *documents.Repository, chunkRepo *chunks.Repository, vectors vectorstore.Store, log *slog.Logger) *Persister {
	return &Persister{
		docs:    docs,
		chunks:  chunkRepo,
		vectors: vectors,
		log:     log.With(logger.Scope("persister")),
	}
}

// UpsertDocument creates or resets the document row
func (p *Persister) UpsertDocument(ctx context.Context, params documents.UpsertParams) (*documents.Document, error) {
	return p.docs.Upsert(ctx, params)
}

// FinalizeDocument records the terminal outcome of a pipeline run
func (p *Persister) FinalizeDocument(ctx context.Context, id uuid.UUID, status documents.ProcessingStatus, totalChunks int) error {
	return p.docs.Finalize(ctx, id, status, totalChunks)
}

// StoreChunk writes the chunk row to the relational store
func (p *Persister) StoreChunk(ctx context.Context, chunk *chunks.Chunk) error {
	return p.chunks.Insert(ctx, chunk)
}

// StoreVector writes the embedding to the vector store
func (p *Persister) StoreVector(ctx context.Context, chunkID uuid.UUID, vector []float32, payload map[string]string) error {
	return p.vectors.Upsert(ctx, vectorstore.Point{
		ChunkID: chunkID.String(),
		Vector:  vector,
		Payload: payload,
	})
}

// DeleteVectors removes every point of a document, used when a document
// is re-ingested from scratch
func (p *Persister) DeleteVectors(ctx context.Context, documentID uuid.UUID) error {
	return p.vectors.DeleteByDocument(ctx, documentID.String())
}
