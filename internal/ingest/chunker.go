package ingest

// chunker.go splits extracted text into overlapping word windows so each
// indexed chunk stays inside the embedder's useful input size while
// neighboring chunks share enough words to keep context at the seams.

import "strings"

const (
	// DefaultChunkSize is the window size in words.
	DefaultChunkSize = 500

	// DefaultChunkOverlap is how many words consecutive chunks share.
	DefaultChunkOverlap = 50
)

// ChunkWords splits text into word windows of size words, each overlapping
// the previous by overlap words. Whitespace runs collapse to single spaces.
// Non-positive size falls back to DefaultChunkSize; overlap is clamped to
// size-1 so the window always advances.
func ChunkWords(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	step := size - overlap
	chunks := make([]string, 0, (len(words)+step-1)/step)
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
