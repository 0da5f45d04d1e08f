package ingestion

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epubParseResult(chapters ...ChapterInfo) *ParseResult {
	var b strings.Builder
	for _, ch := range chapters {
		b.WriteString(ch.Content)
		b.WriteString("\n")
	}
	return &ParseResult{
		Content:  b.String(),
		Kind:     "epub",
		Metadata: ParseMetadata{Chapters: chapters},
	}
}

func chapterOfWords(title string, words int) ChapterInfo {
	return ChapterInfo{
		Title:     title,
		Content:   strings.TrimSpace(strings.Repeat("word ", words)),
		WordCount: words,
	}
}

func TestEvaluateEpubChapters(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	// Five chapters, one of them too short to stand alone.
	parsed := epubParseResult(
		chapterOfWords("Chapter One", 12000),
		chapterOfWords("Chapter Two", 12000),
		chapterOfWords("Preface", 300),
		chapterOfWords("Chapter Three", 12000),
		chapterOfWords("Chapter Four", 12000),
	)

	subJobs := splitter.Evaluate(parsed, 800*1024, "novel.epub")
	require.Len(t, subJobs, 4)

	titles := make([]string, 0, len(subJobs))
	priorities := make([]int, 0, len(subJobs))
	delays := make([]time.Duration, 0, len(subJobs))
	for _, sub := range subJobs {
		titles = append(titles, sub.Section.Title)
		priorities = append(priorities, sub.Priority)
		delays = append(delays, sub.Delay)
	}

	assert.Equal(t, []string{"Chapter One", "Chapter Two", "Chapter Three", "Chapter Four"}, titles)
	assert.Equal(t, []int{1, 1, 1, 2}, priorities)
	assert.Equal(t, []time.Duration{0, 0, 0, 6 * time.Second}, delays)

	for i, sub := range subJobs {
		assert.Equal(t, i, sub.Section.Index)
		assert.Equal(t, 4, sub.Section.TotalSections)
		assert.Equal(t, "epub", sub.Section.SourceKind)
		assert.Equal(t, "novel.epub", sub.Section.SourceName)
	}
}

func TestEvaluateStreamingDecision(t *testing.T) {
	bigText := strings.Repeat("lorem ipsum dolor sit amet ", 3000)
	require.Greater(t, len(bigText), streamMinTextChars)

	tests := []struct {
		name      string
		kind      string
		sizeBytes int64
		content   string
		stream    bool
	}{
		{"epub above both thresholds", "epub", 800 * 1024, bigText, true},
		{"epub below global minimum", "epub", 400 * 1024, bigText, false},
		{"pdf above thresholds", "pdf", 600 * 1024, bigText, true},
		{"docx below kind threshold", "docx", 1 * 1024 * 1024, bigText, false},
		{"docx above kind threshold", "docx", 3 * 1024 * 1024, bigText, true},
		{"short text never streams", "epub", 800 * 1024, "tiny", false},
		{"html never streams", "html", 10 * 1024 * 1024, bigText, false},
		{"plain text never streams", "text", 10 * 1024 * 1024, bigText, false},
	}

	splitter := NewSplitter(discardLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := &ParseResult{Content: tt.content, Kind: tt.kind}
			subJobs := splitter.Evaluate(parsed, tt.sizeBytes, "doc")
			if tt.stream {
				assert.NotEmpty(t, subJobs)
			} else {
				assert.Empty(t, subJobs)
			}
		})
	}
}

func TestEvaluateSingleSectionFallsBackToWhole(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	// One surviving chapter is not enough to stream.
	parsed := epubParseResult(
		chapterOfWords("Chapter One", 12000),
		chapterOfWords("Stub", 50),
	)
	assert.Nil(t, splitter.Evaluate(parsed, 800*1024, "novel.epub"))
}

func TestWindowSectionsPdf(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	content := strings.Repeat("pdf page text with several words in it ", 2000)
	parsed := &ParseResult{Content: content, Kind: "pdf"}

	subJobs := splitter.Evaluate(parsed, 600*1024, "report.pdf")
	require.NotEmpty(t, subJobs)

	for i, sub := range subJobs {
		assert.Equal(t, "Section "+string(rune('1'+i)), sub.Section.Title)
		assert.LessOrEqual(t, len(sub.Section.Content), pdfWindowChars)
		assert.NotEmpty(t, sub.Section.Content)
		// Cuts land on whitespace, so no word is split in half.
		assert.False(t, strings.HasPrefix(sub.Section.Content, "df "))
	}
}

func TestWindowSectionsDocxUsesPartTitles(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	content := strings.Repeat("docx body text with a number of words ", 2000)
	parsed := &ParseResult{Content: content, Kind: "docx"}

	subJobs := splitter.Evaluate(parsed, 3*1024*1024, "thesis.docx")
	require.NotEmpty(t, subJobs)

	assert.Equal(t, "Part 1", subJobs[0].Section.Title)
	for _, sub := range subJobs {
		assert.True(t, strings.HasPrefix(sub.Section.Title, "Part "))
		assert.LessOrEqual(t, len(sub.Section.Content), docxWindowChars)
	}
}

func TestChapterSectionsUntitledChaptersGetNames(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	parsed := epubParseResult(
		chapterOfWords("", 12000),
		chapterOfWords("", 12000),
	)

	subJobs := splitter.Evaluate(parsed, 800*1024, "book.epub")
	require.Len(t, subJobs, 2)
	assert.Equal(t, "Chapter 1", subJobs[0].Section.Title)
	assert.Equal(t, "Chapter 2", subJobs[1].Section.Title)
}

func TestChapterWordCountFallback(t *testing.T) {
	splitter := NewSplitter(discardLogger())

	// WordCount unset: the splitter counts fields itself.
	long := ChapterInfo{Title: "Long", Content: strings.Repeat("word ", 1500)}
	short := ChapterInfo{Title: "Short", Content: strings.Repeat("word ", 200)}

	sections := splitter.chapterSections(epubParseResult(long, short, long), "book.epub")
	require.Len(t, sections, 2)
	for _, section := range sections {
		assert.Equal(t, "Long", section.Title)
	}
}
