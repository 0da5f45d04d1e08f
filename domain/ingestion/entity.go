package ingestion

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/ragworks/ingest/pkg/apperror"
)

// JobType identifies the kind of ingestion work a job carries
type JobType string

const (
	JobTypeURL     JobType = "url_processing"
	JobTypeFile    JobType = "file_processing"
	JobTypeChapter JobType = "chapter_document_processing"
)

// JobStatus represents the state of an ingestion job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Options are the per-job processing knobs recognized on submission.
// Overlap and EnableContextualEmbeddings are pointers so an omitted
// field is distinguishable from an explicit zero or false.
type Options struct {
	ChunkSize                  int    `json:"chunk_size"`
	Overlap                    *int   `json:"overlap,omitempty"`
	EnableContextualEmbeddings *bool  `json:"enable_contextual_embeddings,omitempty"`
	Priority                   int    `json:"priority"`
	SessionID                  string `json:"session_id,omitempty"`
	MaxConcurrentChunks        int    `json:"max_concurrent_chunks,omitempty"`
}

func ptrTo[T any](v T) *T { return &v }

// DefaultOptions returns the submission defaults
func DefaultOptions() Options {
	return Options{
		ChunkSize:                  1000,
		Overlap:                    ptrTo(100),
		EnableContextualEmbeddings: ptrTo(true),
		Priority:                   5,
	}
}

// Normalize fills omitted fields with their defaults. Explicit values
// survive, including a zero overlap and a disabled context engine.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.Overlap == nil || *o.Overlap < 0 {
		o.Overlap = def.Overlap
	}
	if o.EnableContextualEmbeddings == nil {
		o.EnableContextualEmbeddings = def.EnableContextualEmbeddings
	}
	if o.Priority <= 0 {
		o.Priority = def.Priority
	}
	return o
}

// OverlapChars returns the effective chunk overlap
func (o Options) OverlapChars() int {
	if o.Overlap == nil {
		return 0
	}
	return *o.Overlap
}

// ContextEnabled reports whether contextual summaries were requested
func (o Options) ContextEnabled() bool {
	return o.EnableContextualEmbeddings != nil && *o.EnableContextualEmbeddings
}

const (
	filePayloadKind     = "bytes"
	filePayloadEncoding = "base64"
)

// FilePayload is the tagged envelope carrying file bytes through the
// durable job record
type FilePayload struct {
	Kind         string `json:"kind"`
	Encoding     string `json:"encoding"`
	Data         string `json:"data"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
}

// NewFilePayload wraps raw bytes into the durable envelope
func NewFilePayload(name, mime string, data []byte) *FilePayload {
	return &FilePayload{
		Kind:         filePayloadKind,
		Encoding:     filePayloadEncoding,
		Data:         base64.StdEncoding.EncodeToString(data),
		OriginalName: name,
		MimeType:     mime,
		Size:         int64(len(data)),
	}
}

// Bytes restores the original byte buffer from the envelope
func (p *FilePayload) Bytes() ([]byte, error) {
	if p.Kind != filePayloadKind || p.Encoding != filePayloadEncoding {
		return nil, apperror.ErrInvalidInput.WithMessage(
			fmt.Sprintf("unsupported file payload envelope %q/%q", p.Kind, p.Encoding))
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, apperror.ErrInvalidInput.WithMessage("file payload is not valid base64").WithInternal(err)
	}
	return data, nil
}

// SectionPayload describes one logical section carved out of a split
// document. Chapter jobs carry it instead of a URL or file envelope.
type SectionPayload struct {
	Title            string `json:"title"`
	Index            int    `json:"index"`
	Content          string `json:"content"`
	SourceKind       string `json:"source_kind"`
	SourceName       string `json:"source_name"`
	ParentURL        string `json:"parent_url"`
	ParentDocumentID string `json:"parent_document_id,omitempty"`
	TotalSections    int    `json:"total_sections"`
}

// SyntheticURL returns the source URL recorded for the section's document
func (s *SectionPayload) SyntheticURL() string {
	return fmt.Sprintf("file://%s#%s-%d", s.SourceName, s.SourceKind, s.Index+1)
}

// Result is the serialized outcome of a completed job
type Result struct {
	DocumentID      string `json:"document_id,omitempty"`
	TotalChunks     int    `json:"total_chunks"`
	ProcessedChunks int    `json:"processed_chunks"`
	VectorsStored   int    `json:"vectors_stored"`
	SubJobs         int    `json:"sub_jobs,omitempty"`
	ProcessingMs    int64  `json:"processing_ms"`
}

// ErrorInfo is the serialized failure reason of a job
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewErrorInfo classifies an error into its durable form
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Kind:      string(apperror.KindOf(err)),
		Message:   err.Error(),
		Retryable: apperror.Retryable(err),
	}
}

// Job is the durable ingestion job record
type Job struct {
	bun.BaseModel `bun:"table:rag.ingestion_jobs,alias:j"`

	ID                 uuid.UUID       `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID          string          `bun:"session_id,notnull" json:"session_id"`
	JobType            JobType         `bun:"job_type,notnull" json:"job_type"`
	URL                *string         `bun:"url" json:"url,omitempty"`
	FileData           *FilePayload    `bun:"file_data,type:jsonb" json:"file_data,omitempty"`
	Section            *SectionPayload `bun:"section,type:jsonb" json:"section,omitempty"`
	Options            Options         `bun:"options,notnull,type:jsonb" json:"options"`
	Status             JobStatus       `bun:"status,notnull" json:"status"`
	Priority           int             `bun:"priority,notnull" json:"priority"`
	Retries            int             `bun:"retries,notnull" json:"retries"`
	NextRetryAt        *time.Time      `bun:"next_retry_at" json:"next_retry_at,omitempty"`
	StartedAt          *time.Time      `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time      `bun:"completed_at" json:"completed_at,omitempty"`
	FailedAt           *time.Time      `bun:"failed_at" json:"failed_at,omitempty"`
	LastHeartbeat      *time.Time      `bun:"last_heartbeat" json:"last_heartbeat,omitempty"`
	LastProgressUpdate *time.Time      `bun:"last_progress_update" json:"last_progress_update,omitempty"`
	Result             *Result         `bun:"result,type:jsonb" json:"result,omitempty"`
	Error              *ErrorInfo      `bun:"error,type:jsonb" json:"error,omitempty"`
	DurationMs         *int64          `bun:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt          time.Time       `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt          time.Time       `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Ready reports whether a queued job is eligible for dispatch at now
func (j *Job) Ready(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}
