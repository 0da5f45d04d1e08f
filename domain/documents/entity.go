package documents

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProcessingStatus represents the lifecycle state of a document
type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusCancelled  ProcessingStatus = "cancelled"
)

// RecordKind distinguishes standalone documents from split parents and
// the chapter documents carved out of them
type RecordKind string

const (
	KindChunk          RecordKind = "chunk"
	KindDocument       RecordKind = "document"
	KindParentDocument RecordKind = "parent_document"
)

// Document represents an ingested document record
type Document struct {
	bun.BaseModel `bun:"table:rag.documents,alias:d"`

	ID               uuid.UUID        `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SourceURL        string           `bun:"source_url,notnull" json:"source_url"`
	Title            string           `bun:"title,notnull" json:"title"`
	Summary          string           `bun:"summary,notnull" json:"summary"`
	ContentType      string           `bun:"content_type,notnull" json:"content_type"`
	TotalChunks      int              `bun:"total_chunks,notnull" json:"total_chunks"`
	ContentLength    int              `bun:"content_length,notnull" json:"content_length"`
	ProcessingStatus ProcessingStatus `bun:"processing_status,notnull" json:"processing_status"`
	RecordKind       RecordKind       `bun:"record_kind,notnull" json:"record_kind"`
	ParentDocumentID *uuid.UUID       `bun:"parent_document_id,type:uuid" json:"parent_document_id,omitempty"`
	UploadSource     string           `bun:"upload_source,notnull" json:"upload_source"`
	CreatedAt        time.Time        `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt        time.Time        `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}
