package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heuristicChunker(size, overlap int) *Chunker {
	return NewChunker(ChunkerConfig{ChunkSize: size, ChunkOverlap: overlap}, WithTokenizer(HeuristicTokenizer{}))
}

func TestHeuristicTokenizer(t *testing.T) {
	tok := HeuristicTokenizer{}
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 2, tok.Count("abcde"))
	assert.Equal(t, 1, tok.Count("账户"))
}

func TestChunkerSkipsBlankText(t *testing.T) {
	assert.Empty(t, heuristicChunker(10, 2).Split("  \n\n\t"))
}

func TestChunkerSingleChunk(t *testing.T) {
	chunks := heuristicChunker(100, 10).Split("first line\r\nsecond line\nthird line")
	require.Len(t, chunks, 1)
	assert.Equal(t, "first line\nsecond line\nthird line", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 3, chunks[0].EndLine)
}

func TestChunkerRespectsSizeAndOverlap(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		// 15 个字符加换行，估算为 4 个 token。
		lines[i] = strings.Repeat(string(rune('a'+i)), 15)
	}
	chunks := heuristicChunker(10, 4).Split(strings.Join(lines, "\n"))

	require.Len(t, chunks, 9)
	for i, c := range chunks {
		assert.LessOrEqual(t, c.Tokens, 10)
		assert.Equal(t, i+1, c.StartLine)
		assert.Equal(t, i+2, c.EndLine)
	}
	assert.True(t, strings.HasPrefix(chunks[1].Text, lines[1]))
	assert.Equal(t, 10, chunks[len(chunks)-1].EndLine)
}

func TestChunkerWithoutOverlap(t *testing.T) {
	lines := []string{strings.Repeat("x", 15), strings.Repeat("y", 15), strings.Repeat("z", 15)}
	chunks := heuristicChunker(8, 0).Split(strings.Join(lines, "\n"))

	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)
	assert.Equal(t, 3, chunks[1].StartLine)
}

func TestChunkerSplitsLongLine(t *testing.T) {
	long := strings.Repeat("0123456789", 20)
	chunks := heuristicChunker(10, 2).Split("intro\n" + long + "\noutro")

	require.Greater(t, len(chunks), 3)
	assert.Equal(t, "intro", chunks[0].Text)
	assert.Equal(t, "outro", chunks[len(chunks)-1].Text)

	var rebuilt strings.Builder
	for _, c := range chunks[1 : len(chunks)-1] {
		assert.Equal(t, 2, c.StartLine)
		assert.Equal(t, 2, c.EndLine)
		rebuilt.WriteString(c.Text)
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestNewChunkerDefaults(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 64, ChunkOverlap: 64}, WithTokenizer(HeuristicTokenizer{}))
	assert.Equal(t, 64, c.size)
	assert.Equal(t, 8, c.overlap)

	c = NewChunker(ChunkerConfig{}, WithTokenizer(HeuristicTokenizer{}))
	assert.Equal(t, 512, c.size)
}
