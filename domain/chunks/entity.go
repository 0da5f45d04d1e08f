package chunks

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EmbeddingStatus tracks the vector outcome for a chunk independently
// of its textual persistence
type EmbeddingStatus string

const (
	EmbeddingPending       EmbeddingStatus = "pending"
	EmbeddingCompleted     EmbeddingStatus = "completed"
	EmbeddingFailed        EmbeddingStatus = "failed"
	EmbeddingNotApplicable EmbeddingStatus = "not_applicable"
)

// Chunk represents a stored document chunk with its analysis metadata
type Chunk struct {
	bun.BaseModel `bun:"table:rag.chunks,alias:c"`

	ID                      uuid.UUID           `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	DocumentID              uuid.UUID           `bun:"document_id,type:uuid" json:"document_id"`
	ChunkIndex              int                 `bun:"chunk_index,notnull" json:"chunk_index"`
	ChunkText               string              `bun:"chunk_text,notnull" json:"chunk_text"`
	ContextualSummary       *string             `bun:"contextual_summary" json:"contextual_summary,omitempty"`
	UsesContextualEmbedding bool                `bun:"uses_contextual_embedding,notnull" json:"uses_contextual_embedding"`
	EmbeddingStatus         EmbeddingStatus     `bun:"embedding_status,notnull" json:"embedding_status"`
	ProcessingStatus        string              `bun:"processing_status,notnull" json:"processing_status"`
	Sentiment               string              `bun:"sentiment,notnull" json:"sentiment"`
	ContentType             string              `bun:"content_type,notnull" json:"content_type"`
	TechnicalLevel          string              `bun:"technical_level,notnull" json:"technical_level"`
	MainTopics              []string            `bun:"main_topics,array" json:"main_topics"`
	KeyConcepts             []string            `bun:"key_concepts,array" json:"key_concepts"`
	Tags                    []string            `bun:"tags,array" json:"tags"`
	KeyEntities             map[string][]string `bun:"key_entities,type:jsonb" json:"key_entities"`
	SectionTitle            string              `bun:"section_title,notnull" json:"section_title"`
	SectionLevel            int                 `bun:"section_level,notnull" json:"section_level"`
	BoundaryType            string              `bun:"boundary_type,notnull" json:"boundary_type"`
	DocumentPosition        float64             `bun:"document_position,notnull" json:"document_position"`
	CreatedAt               time.Time           `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt               time.Time           `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}
