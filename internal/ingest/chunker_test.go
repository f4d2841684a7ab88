package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n, from int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", from+i)
	}
	return strings.Join(parts, " ")
}

func TestChunkWords(t *testing.T) {
	t.Parallel()

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, ChunkWords("", 10, 2))
		assert.Nil(t, ChunkWords("   \n\t ", 10, 2))
	})

	t.Run("fits in one chunk", func(t *testing.T) {
		t.Parallel()
		got := ChunkWords("alpha beta gamma", 10, 2)
		require.Len(t, got, 1)
		assert.Equal(t, "alpha beta gamma", got[0])
	})

	t.Run("whitespace collapsed", func(t *testing.T) {
		t.Parallel()
		got := ChunkWords("alpha \n\t beta   gamma", 10, 0)
		require.Len(t, got, 1)
		assert.Equal(t, "alpha beta gamma", got[0])
	})

	t.Run("window and overlap", func(t *testing.T) {
		t.Parallel()
		got := ChunkWords(words(10, 0), 4, 1)
		// Step is 3, so windows start at words 0, 3, 6.
		require.Len(t, got, 3)
		assert.Equal(t, "w0 w1 w2 w3", got[0])
		assert.Equal(t, "w3 w4 w5 w6", got[1])
		assert.Equal(t, "w6 w7 w8 w9", got[2])
	})

	t.Run("no overlap", func(t *testing.T) {
		t.Parallel()
		got := ChunkWords(words(6, 0), 3, 0)
		require.Len(t, got, 2)
		assert.Equal(t, "w0 w1 w2", got[0])
		assert.Equal(t, "w3 w4 w5", got[1])
	})

	t.Run("overlap clamped below size", func(t *testing.T) {
		t.Parallel()
		// overlap >= size would stall; it must still terminate and
		// cover all words.
		got := ChunkWords(words(5, 0), 2, 5)
		var rejoined []string
		for _, c := range got {
			rejoined = append(rejoined, strings.Fields(c)...)
		}
		assert.Contains(t, rejoined, "w0")
		assert.Contains(t, rejoined, "w4")
	})

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()
		got := ChunkWords(words(DefaultChunkSize+10, 0), 0, -1)
		require.Len(t, got, 2)
		assert.Len(t, strings.Fields(got[0]), DefaultChunkSize)
	})

	t.Run("every word covered", func(t *testing.T) {
		t.Parallel()
		const total = 137
		got := ChunkWords(words(total, 0), 25, 5)
		seen := make(map[string]bool)
		for _, c := range got {
			for _, w := range strings.Fields(c) {
				seen[w] = true
			}
		}
		assert.Len(t, seen, total)
	})
}
