package textsplitter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genSentences builds aperiodic prose so overlap measurement by suffix
// matching is unambiguous.
func genSentences(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Sentence number %d carries its own distinct words. ", i)
	}
	return b.String()
}

func genDigits(minLen int) string {
	var b strings.Builder
	for i := 0; b.Len() < minLen; i++ {
		fmt.Fprintf(&b, "%d", i)
	}
	return b.String()
}

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, Split("", DefaultConfig()))
}

func TestSplitShortText(t *testing.T) {
	chunks := Split("hello world", DefaultConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, BoundaryCharacter, chunks[0].BoundaryType)
}

func TestSplitIndexesAreSequential(t *testing.T) {
	chunks := Split(genSentences(200), DefaultConfig())
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
	}
}

// Concatenating each chunk minus the part it shares with its successor
// must reconstruct the input exactly.
func TestSplitCoversInput(t *testing.T) {
	tests := []struct {
		name string
		text string
		cfg  Config
	}{
		{"sentences", genSentences(120), DefaultConfig()},
		{"no boundaries", genDigits(3500), DefaultConfig()},
		{"small chunks", genSentences(80), Config{TargetSize: 300, Overlap: 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.text, tt.cfg)
			require.NotEmpty(t, chunks)

			var b strings.Builder
			for i, c := range chunks {
				if i == len(chunks)-1 {
					b.WriteString(c.Text)
					break
				}
				overlap := sharedLen(c.Text, chunks[i+1].Text)
				b.WriteString(c.Text[:len(c.Text)-overlap])
			}
			assert.Equal(t, tt.text, b.String())
		})
	}
}

func TestSplitOverlapBounded(t *testing.T) {
	cfg := Config{TargetSize: 400, Overlap: 60}
	chunks := Split(genSentences(100), cfg)
	require.Greater(t, len(chunks), 1)

	for i := 0; i < len(chunks)-1; i++ {
		shared := sharedLen(chunks[i].Text, chunks[i+1].Text)
		assert.LessOrEqual(t, shared, cfg.Overlap,
			"chunks %d and %d share %d chars", i, i+1, shared)
	}
}

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	chunks := Split(genSentences(80), DefaultConfig())
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks[:len(chunks)-1] {
		assert.Equal(t, BoundarySentence, c.BoundaryType)
	}
}

func TestSplitSectionTitles(t *testing.T) {
	text := "# Introduction\n\n" + genSentences(25) +
		"\n## Details\n\n" + genSentences(25)
	chunks := Split(text, DefaultConfig())
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, "Introduction", chunks[0].SectionTitle)
	assert.Equal(t, 1, chunks[0].SectionLevel)

	last := chunks[len(chunks)-1]
	assert.Equal(t, "Details", last.SectionTitle)
	assert.Equal(t, 2, last.SectionLevel)
}

func TestSplitDegenerateConfig(t *testing.T) {
	text := genSentences(50)

	// Overlap >= target falls back to a sane ratio instead of looping.
	chunks := Split(text, Config{TargetSize: 100, Overlap: 200})
	assert.NotEmpty(t, chunks)

	chunks = Split(text, Config{TargetSize: 0, Overlap: -5})
	assert.NotEmpty(t, chunks)
}

func TestSplit2500CharBodyYieldsThreeChunks(t *testing.T) {
	text := strings.Repeat("Sentence text of average size fills this body ok. ", 50)
	require.Equal(t, 2500, len(text))

	chunks := Split(text, DefaultConfig())
	assert.Len(t, chunks, 3)
}

// sharedLen returns the length of the longest suffix of a that is a
// prefix of b.
func sharedLen(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if a[len(a)-n:] == b[:n] {
			return n
		}
	}
	return 0
}
