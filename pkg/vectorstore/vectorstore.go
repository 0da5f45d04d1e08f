// Package vectorstore defines the vector store surface the ingestion
// pipeline writes embeddings to.
package vectorstore

import (
	"context"
)

// Point is one embedded chunk headed for the vector store. The payload
// carries flat string metadata alongside the vector.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload map[string]string
}

// Store is implemented by vector store adapters.
type Store interface {
	// EnsureCollection creates the backing collection when missing.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert writes a point, replacing any point with the same chunk ID.
	Upsert(ctx context.Context, point Point) error

	// DeleteByDocument removes all points belonging to a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Count returns the number of stored points.
	Count(ctx context.Context) (uint64, error)
}
