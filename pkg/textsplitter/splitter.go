// Package textsplitter turns raw text into overlapping, boundary-aware
// chunk drafts. Splitting is pure: no I/O, no failures, empty input
// yields an empty result.
package textsplitter

import (
	"strings"
	"unicode"
)

// Boundary types recorded on each chunk.
const (
	BoundarySentence  = "sentence"
	BoundaryWord      = "word"
	BoundaryCharacter = "character"
)

type Config struct {
	TargetSize int
	Overlap    int
}

func DefaultConfig() Config {
	return Config{
		TargetSize: 1000,
		Overlap:    100,
	}
}

// Chunk is a draft produced by Split. Text slices the input exactly:
// concatenating the non-overlapping prefixes of consecutive chunks
// reconstructs the input, and adjacent chunks share at most Overlap
// characters.
type Chunk struct {
	Index        int
	Text         string
	SectionTitle string
	SectionLevel int
	BoundaryType string
}

type heading struct {
	offset int
	title  string
	level  int
}

func Split(text string, cfg Config) []Chunk {
	if len(text) == 0 {
		return nil
	}

	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = cfg.TargetSize / 5
	}

	runes := []rune(text)
	headings := scanHeadings(runes)

	var chunks []Chunk
	start := 0

	for start < len(runes) {
		end, boundary := chunkEnd(runes, start, cfg.TargetSize)

		title, level := sectionAt(headings, start)
		chunks = append(chunks, Chunk{
			Index:        len(chunks),
			Text:         string(runes[start:end]),
			SectionTitle: title,
			SectionLevel: level,
			BoundaryType: boundary,
		})

		if end >= len(runes) {
			break
		}
		start = overlapStart(runes, start, end, cfg.Overlap)
	}

	return chunks
}

// chunkEnd picks the end of the chunk beginning at start, preferring a
// sentence boundary, then a word boundary, within the back half of the
// target window.
func chunkEnd(runes []rune, start, target int) (int, string) {
	end := start + target
	if end >= len(runes) {
		return len(runes), BoundaryCharacter
	}

	floor := start + target/2

	for i := end - 1; i > floor; i-- {
		if isSentenceEnd(runes, i) {
			return i + 1, BoundarySentence
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1, BoundaryWord
		}
	}
	return end, BoundaryCharacter
}

func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 >= len(runes) || unicode.IsSpace(runes[i+1])
	}
	return false
}

// overlapStart rewinds from end by at most overlap characters and then
// advances to the next word start so the shared region reads naturally.
// The result always lands strictly between start and end.
func overlapStart(runes []rune, start, end, overlap int) int {
	next := end - overlap
	if next <= start {
		next = start + 1
	}
	for next < end && !unicode.IsSpace(runes[next-1]) {
		next++
	}
	for next < end && unicode.IsSpace(runes[next]) {
		next++
	}
	return next
}

// scanHeadings records markdown ATX headings with their rune offsets so
// chunks can carry the section they fall under.
func scanHeadings(runes []rune) []heading {
	var headings []heading
	lineStart := 0

	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] != '\n' {
			continue
		}
		line := string(runes[lineStart:i])
		if level, title, ok := parseHeading(line); ok {
			headings = append(headings, heading{offset: lineStart, title: title, level: level})
		}
		lineStart = i + 1
	}
	return headings
}

func parseHeading(line string) (int, string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, "", false
	}
	title := strings.TrimSpace(trimmed[level:])
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

func sectionAt(headings []heading, offset int) (string, int) {
	title := ""
	level := 0
	for _, h := range headings {
		if h.offset > offset {
			break
		}
		title = h.title
		level = h.level
	}
	return title, level
}
