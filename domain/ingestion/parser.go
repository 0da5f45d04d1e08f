package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ragworks/ingest/pkg/apperror"
)

// ChapterInfo describes one logical chapter reported by a structured
// parser
type ChapterInfo struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Length    int    `json:"length"`
	WordCount int    `json:"word_count"`
}

// ParseMetadata carries parser- and fetch-level details alongside the
// extracted text
type ParseMetadata struct {
	Chapters   []ChapterInfo `json:"chapters,omitempty"`
	FinalURL   string        `json:"final_url,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
}

// ParseResult is what every parser returns
type ParseResult struct {
	Content  string
	Kind     string
	Metadata ParseMetadata
}

// Parser extracts text content from raw bytes of one format
type Parser interface {
	Parse(ctx context.Context, data []byte, mime, originalName string) (*ParseResult, error)
}

// ParserRegistry maps mime types to parsers
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParserRegistry creates a registry with the built-in text parsers
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	plain := &PlainTextParser{}
	r.Register("text/plain", plain)
	r.Register("text/markdown", plain)
	r.Register("text/x-markdown", plain)
	return r
}

// Register binds a parser to a mime type
func (r *ParserRegistry) Register(mime string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[normalizeMime(mime)] = p
}

// Lookup resolves the parser for a mime type
func (r *ParserRegistry) Lookup(mime string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[normalizeMime(mime)]
	if !ok {
		return nil, apperror.ErrUnsupportedMime.WithMessage(
			fmt.Sprintf("no parser registered for %q", mime))
	}
	return p, nil
}

// Supported returns the registered mime types
func (r *ParserRegistry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for mime := range r.parsers {
		out = append(out, mime)
	}
	return out
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// PlainTextParser handles text/plain and markdown payloads
type PlainTextParser struct{}

// Parse validates and returns the text as-is
func (p *PlainTextParser) Parse(ctx context.Context, data []byte, mime, originalName string) (*ParseResult, error) {
	if len(data) == 0 {
		return nil, apperror.ErrEmptyContent
	}
	if !utf8.Valid(data) {
		return nil, apperror.ErrInvalidInput.WithMessage("payload is not valid UTF-8 text")
	}

	content := string(data)
	if strings.TrimSpace(content) == "" {
		return nil, apperror.ErrEmptyContent
	}

	kind := "text"
	if strings.Contains(normalizeMime(mime), "markdown") || strings.HasSuffix(strings.ToLower(originalName), ".md") {
		kind = "markdown"
	}

	return &ParseResult{Content: content, Kind: kind}, nil
}
