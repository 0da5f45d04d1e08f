package ingestion

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ragworks/ingest/pkg/logger"
)

const (
	streamMinBytes     = 500 * 1024
	streamMinTextChars = 50000
	streamMinSections  = 2

	epubStreamBytes = 300 * 1024
	pdfStreamBytes  = 300 * 1024
	docxStreamBytes = 2 * 1024 * 1024

	pdfWindowChars  = 20000
	docxWindowChars = 15000

	minChapterWords = 1000

	immediateSubJobs = 3
	subJobStagger    = 2 * time.Second
)

// SubJob describes one section of a split document headed back into the
// queue as an independent chapter job
type SubJob struct {
	Section  SectionPayload
	Priority int
	Delay    time.Duration
}

// Splitter decides whether a large structured document is processed as
// independent sub-documents, and carves out the sections when it is.
// It only emits descriptors; the queue ingests them.
type Splitter struct {
	log *slog.Logger
}

// NewSplitter creates the streaming splitter
func NewSplitter(log *slog.Logger) *Splitter {
	return &Splitter{log: log.With(logger.Scope("splitter"))}
}

// Evaluate returns the sub-jobs for a parsed document, or nil when the
// document should be processed whole
func (s *Splitter) Evaluate(parsed *ParseResult, sizeBytes int64, sourceName string) []SubJob {
	if !s.shouldStream(parsed, sizeBytes) {
		return nil
	}

	sections := s.extractSections(parsed, sourceName)
	if len(sections) < streamMinSections {
		return nil
	}

	subJobs := make([]SubJob, 0, len(sections))
	for i, section := range sections {
		section.Index = i
		section.TotalSections = len(sections)

		priority := 1
		var delay time.Duration
		if i >= immediateSubJobs {
			priority = 2
			delay = time.Duration(i) * subJobStagger
		}
		subJobs = append(subJobs, SubJob{
			Section:  section,
			Priority: priority,
			Delay:    delay,
		})
	}

	s.log.Info("document split for streaming",
		slog.String("source", sourceName),
		slog.String("kind", parsed.Kind),
		slog.Int64("size_bytes", sizeBytes),
		slog.Int("sections", len(subJobs)),
	)
	return subJobs
}

func (s *Splitter) shouldStream(parsed *ParseResult, sizeBytes int64) bool {
	var kindThreshold int64
	switch parsed.Kind {
	case "epub":
		kindThreshold = epubStreamBytes
	case "pdf":
		kindThreshold = pdfStreamBytes
	case "docx":
		kindThreshold = docxStreamBytes
	default:
		return false
	}

	if sizeBytes < streamMinBytes || sizeBytes <= kindThreshold {
		return false
	}
	if len(parsed.Content) < streamMinTextChars {
		return false
	}
	return true
}

func (s *Splitter) extractSections(parsed *ParseResult, sourceName string) []SectionPayload {
	if parsed.Kind == "epub" && len(parsed.Metadata.Chapters) > 0 {
		return s.chapterSections(parsed, sourceName)
	}

	windowSize := pdfWindowChars
	titlePrefix := "Section"
	if parsed.Kind == "docx" {
		windowSize = docxWindowChars
		titlePrefix = "Part"
	}
	return s.windowSections(parsed, sourceName, windowSize, titlePrefix)
}

// chapterSections uses the parser's chapter list directly. Short
// chapters are dropped.
func (s *Splitter) chapterSections(parsed *ParseResult, sourceName string) []SectionPayload {
	sections := make([]SectionPayload, 0, len(parsed.Metadata.Chapters))
	for _, chapter := range parsed.Metadata.Chapters {
		words := chapter.WordCount
		if words == 0 {
			words = len(strings.Fields(chapter.Content))
		}
		if words < minChapterWords {
			s.log.Debug("chapter dropped",
				slog.String("title", chapter.Title),
				slog.Int("words", words),
			)
			continue
		}
		title := chapter.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", len(sections)+1)
		}
		sections = append(sections, SectionPayload{
			Title:      title,
			Content:    chapter.Content,
			SourceKind: parsed.Kind,
			SourceName: sourceName,
		})
	}
	return sections
}

// windowSections splits the combined text into fixed-width windows cut
// at the nearest whitespace
func (s *Splitter) windowSections(parsed *ParseResult, sourceName string, windowSize int, titlePrefix string) []SectionPayload {
	runes := []rune(parsed.Content)

	var sections []SectionPayload
	for start := 0; start < len(runes); {
		end := start + windowSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			for end > start && !isSpace(runes[end-1]) {
				end--
			}
			if end == start {
				end = start + windowSize
			}
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			sections = append(sections, SectionPayload{
				Title:      fmt.Sprintf("%s %d", titlePrefix, len(sections)+1),
				Content:    content,
				SourceKind: parsed.Kind,
				SourceName: sourceName,
			})
		}
		start = end
	}
	return sections
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
