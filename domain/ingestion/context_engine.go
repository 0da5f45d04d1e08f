package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/ai"
	"github.com/ragworks/ingest/pkg/apperror"
	"github.com/ragworks/ingest/pkg/logger"
)

const (
	documentCacheSize  = 100
	sampleWindowChars  = 12000
	contextMaxAttempts = 3
	contextBackoffBase = time.Second
)

// documentProfile is the cached per-document analysis used to steer
// context prompts without re-reading the whole document every chunk
type documentProfile struct {
	DocType        string
	Layout         string
	TopKeywords    []string
	SectionOffsets []int
}

// ContextStats are the engine's lifetime counters
type ContextStats struct {
	Requests     int64
	Successes    int64
	CacheHits    int64
	AvgLatencyMs int64
}

// ContextEngine produces short situating summaries for chunks. Results
// are optional: every failure path returns an empty summary so the
// pipeline can fall back to non-contextual embedding.
type ContextEngine struct {
	client      ai.Client
	cfg         config.ContextConfig
	cache       *lru.Cache[string, *documentProfile]
	log         *slog.Logger
	backoffBase time.Duration

	requests       atomic.Int64
	successes      atomic.Int64
	cacheHits      atomic.Int64
	totalLatencyMs atomic.Int64
}

// NewContextEngine creates the engine with its bounded document cache
func NewContextEngine(client ai.Client, cfg config.ContextConfig, log *slog.Logger) *ContextEngine {
	cache, _ := lru.New[string, *documentProfile](documentCacheSize)
	return &ContextEngine{
		client:      client,
		cfg:         cfg,
		cache:       cache,
		log:         log.With(logger.Scope("context-engine")),
		backoffBase: contextBackoffBase,
	}
}

// Contextualize returns a 2-3 sentence summary situating chunkText in
// its document, or "" when context generation failed or is disabled.
func (e *ContextEngine) Contextualize(ctx context.Context, document, chunkText string, chunkIndex, totalChunks int) string {
	if !e.cfg.Enabled || chunkText == "" {
		return ""
	}

	e.requests.Add(1)
	start := time.Now()

	profile := e.profileFor(document)
	sample := e.sampleWindow(document, chunkIndex, totalChunks)
	prompt := e.buildPrompt(profile, sample, chunkText, chunkIndex, totalChunks)

	summary, err := e.completeWithRetry(ctx, prompt)
	e.totalLatencyMs.Add(time.Since(start).Milliseconds())
	if err != nil {
		e.log.Debug("context generation failed",
			slog.Int("chunk_index", chunkIndex),
			logger.Error(err),
		)
		return ""
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return ""
	}
	e.successes.Add(1)
	return summary
}

// Stats returns the engine's counters
func (e *ContextEngine) Stats() ContextStats {
	requests := e.requests.Load()
	var avg int64
	if requests > 0 {
		avg = e.totalLatencyMs.Load() / requests
	}
	return ContextStats{
		Requests:     requests,
		Successes:    e.successes.Load(),
		CacheHits:    e.cacheHits.Load(),
		AvgLatencyMs: avg,
	}
}

func (e *ContextEngine) profileFor(document string) *documentProfile {
	key := documentHash(document)
	if profile, ok := e.cache.Get(key); ok {
		e.cacheHits.Add(1)
		return profile
	}
	profile := analyzeDocument(document)
	e.cache.Add(key, profile)
	return profile
}

func documentHash(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// sampleWindow picks at most sampleWindowChars characters centered on
// the chunk's approximate position, so prompts stay bounded for large
// documents
func (e *ContextEngine) sampleWindow(document string, chunkIndex, totalChunks int) string {
	runes := []rune(document)
	if len(runes) <= sampleWindowChars {
		return document
	}

	center := len(runes) / 2
	if totalChunks > 0 {
		center = (chunkIndex*2 + 1) * len(runes) / (totalChunks * 2)
	}

	start := center - sampleWindowChars/2
	if start < 0 {
		start = 0
	}
	end := start + sampleWindowChars
	if end > len(runes) {
		end = len(runes)
		start = end - sampleWindowChars
	}
	return string(runes[start:end])
}

func (e *ContextEngine) buildPrompt(profile *documentProfile, sample, chunkText string, chunkIndex, totalChunks int) string {
	var b strings.Builder
	b.WriteString("You are situating a chunk of a document for retrieval.\n")
	fmt.Fprintf(&b, "Document type: %s. Layout: %s.\n", profile.DocType, profile.Layout)
	if len(profile.TopKeywords) > 0 {
		fmt.Fprintf(&b, "Key terms: %s.\n", strings.Join(profile.TopKeywords, ", "))
	}
	fmt.Fprintf(&b, "This is chunk %d of %d.\n\n", chunkIndex+1, totalChunks)
	b.WriteString("<document_sample>\n")
	b.WriteString(sample)
	b.WriteString("\n</document_sample>\n\n<chunk>\n")
	b.WriteString(chunkText)
	b.WriteString("\n</chunk>\n\n")
	b.WriteString("Write 2-3 short sentences that situate this chunk within the overall document. Answer with the sentences only.")
	return b.String()
}

// completeWithRetry calls the completion model with bounded retries.
// Only retryable failures are retried; everything else returns at once.
func (e *ContextEngine) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	opts := ai.CompletionOptions{
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= contextMaxAttempts; attempt++ {
		summary, err := e.client.Complete(ctx, prompt, opts)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if !apperror.Retryable(err) || attempt == contextMaxAttempts {
			break
		}

		delay := e.backoffBase * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return "", apperror.ErrCancelled.WithInternal(ctx.Err())
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

// analyzeDocument derives the cheap structural heuristics cached per
// document
func analyzeDocument(document string) *documentProfile {
	lines := strings.Split(document, "\n")

	headings := 0
	var sectionOffsets []int
	offset := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			headings++
			sectionOffsets = append(sectionOffsets, offset)
		}
		offset += len(line) + 1
	}

	docType := "prose"
	switch {
	case strings.Contains(document, "```") || strings.Contains(document, "func ") || strings.Contains(document, "class "):
		docType = "technical"
	case strings.Contains(document, "|") && strings.Contains(document, "---"):
		docType = "tabular"
	case headings > 5:
		docType = "structured"
	}

	layout := "flat"
	if headings >= 2 {
		layout = fmt.Sprintf("%d sections", headings)
	}

	return &documentProfile{
		DocType:        docType,
		Layout:         layout,
		TopKeywords:    topKeywords(document, 8),
		SectionOffsets: sectionOffsets,
	}
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "with": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "have": {}, "has": {},
	"not": {}, "but": {}, "you": {}, "its": {}, "can": {}, "will": {},
	"their": {}, "they": {}, "all": {}, "which": {}, "when": {}, "into": {},
}

func topKeywords(document string, limit int) []string {
	counts := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(document)) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if len(word) < 3 {
			continue
		}
		if _, skip := stopwords[word]; skip {
			continue
		}
		counts[word]++
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > limit {
		words = words[:limit]
	}
	return words
}
