package chunker

import (
	"strings"

	"doc-rag/internal/pagemarker"
)

// boundarySearchWindow caps how far back from a proposed cut the chunker looks for a
// natural break.
const boundarySearchWindow = 100

// boundaryClasses are tried in order; within a class the right-most hit wins.
var boundaryClasses = []string{
	"。！？.!?",
	"；;",
	"，,",
	" ",
	"\n",
}

// Options controls how text is chunked. Sizes are in characters (runes).
type Options struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
}

// DefaultOptions returns the standard 500/50/100 configuration.
func DefaultOptions() Options {
	return Options{ChunkSize: 500, Overlap: 50, MinChunkSize: 100}
}

// Chunk represents a slice of the marker-stripped document text.
type Chunk struct {
	Index       int
	Content     string
	CharStart   int
	CharEnd     int
	PageNumbers []int
}

// ChunkText splits page-marked text into overlapping chunks that prefer to end on
// sentence, clause or word boundaries. Each chunk carries the pages it covers.
func ChunkText(text string, opts Options) []Chunk {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.MinChunkSize < 0 {
		opts.MinChunkSize = 0
	}

	clean, ranges := pagemarker.Index(text)
	if strings.TrimSpace(clean) == "" {
		return nil
	}
	runes := []rune(clean)
	n := len(runes)

	var chunks []Chunk
	cursor := 0
	for cursor < n {
		end := cursor + opts.ChunkSize
		if end > n {
			end = n
		}
		if end < n {
			if cut := findBoundary(runes, cursor, end, opts.MinChunkSize); cut > 0 {
				end = cut
			}
		}

		content := strings.TrimSpace(string(runes[cursor:end]))
		lastWindow := cursor+opts.ChunkSize >= n
		if len([]rune(content)) < opts.MinChunkSize && !lastWindow {
			cursor = end
			continue
		}
		if content != "" {
			chunks = append(chunks, Chunk{
				Index:       len(chunks),
				Content:     content,
				CharStart:   cursor,
				CharEnd:     end,
				PageNumbers: pagemarker.PagesFor(ranges, cursor, end),
			})
		}

		if end >= n {
			break
		}
		next := end - opts.Overlap
		if next <= cursor {
			next = end
		}
		cursor = next
	}
	return chunks
}

// findBoundary returns the offset just past the right-most boundary character in
// [max(cursor+minSize, end-100), end), or 0 when no class has an acceptable hit.
func findBoundary(runes []rune, cursor, end, minSize int) int {
	from := cursor + minSize
	if w := end - boundarySearchWindow; w > from {
		from = w
	}
	if from >= end {
		return 0
	}
	for _, class := range boundaryClasses {
		for i := end - 1; i >= from; i-- {
			if !strings.ContainsRune(class, runes[i]) {
				continue
			}
			if i > cursor+minSize {
				return i + 1
			}
			break
		}
	}
	return 0
}
