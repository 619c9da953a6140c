package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerShortTextSinglePiece(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	pieces := c.Split("The capital of France is Paris. The capital of Germany is Berlin.")

	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Start)
	assert.Equal(t, 0, pieces[0].Overlap)
	assert.False(t, pieces[0].Oversize)
	assert.Contains(t, pieces[0].Content, "Paris")
}

func TestChunkerEmptyText(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\n  "))
}

func TestChunkerRespectsChunkSize(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 20, MaxChunkSize: 200})

	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Sentence number %d is here. ", i)
	}
	pieces := c.Split(b.String())

	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.LessOrEqual(t, len([]rune(p.Content)), 100, "piece %d exceeds chunk size", i)
	}
}

func TestChunkerReassemblyLaw(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 120, ChunkOverlap: 30, MaxChunkSize: 240})

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "Paragraph %d talks about retrieval quality and ranking.\n\n", i)
	}
	text := NormalizeText(b.String())
	pieces := c.Split(text)
	require.Greater(t, len(pieces), 1)

	var joined strings.Builder
	for _, p := range pieces {
		runes := []rune(p.Content)
		joined.WriteString(string(runes[p.Overlap:]))
	}
	assert.Equal(t, text, joined.String())
}

func TestChunkerOverlapCarriedIntoNextPiece(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 40, MaxChunkSize: 200})

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Fact %d stands alone. ", i)
	}
	pieces := c.Split(b.String())
	require.Greater(t, len(pieces), 1)

	for i := 1; i < len(pieces); i++ {
		if pieces[i].Overlap == 0 {
			continue
		}
		head := string([]rune(pieces[i].Content)[:pieces[i].Overlap])
		assert.True(t, strings.HasSuffix(pieces[i-1].Content, head),
			"piece %d overlap %q is not a suffix of the previous piece", i, head)
	}
}

func TestChunkerOverlapSnapsToSentenceBoundary(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 50, MaxChunkSize: 200})

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Short fact %d. ", i)
	}
	pieces := c.Split(b.String())
	require.Greater(t, len(pieces), 1)

	for i := 1; i < len(pieces); i++ {
		if pieces[i].Overlap == 0 {
			continue
		}
		head := string([]rune(pieces[i].Content)[:pieces[i].Overlap])
		// The carried overlap starts at a sentence start, not mid-sentence.
		assert.True(t, strings.HasPrefix(head, "Short fact"),
			"piece %d overlap %q does not start at a sentence boundary", i, head)
	}
}

func TestChunkerProtectedCodeBlockStaysWhole(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 80, ChunkOverlap: 10, MaxChunkSize: 160})

	code := "```go\nfunc main() {\n\tfmt.Println(\"hello\")\n\tfmt.Println(\"world\")\n\tfmt.Println(\"again\")\n}\n```"
	text := "Intro paragraph before the code.\n\n" + code + "\n\nClosing paragraph after the code."
	pieces := c.Split(text)

	found := false
	for _, p := range pieces {
		if strings.Contains(p.Content, "func main()") {
			assert.Contains(t, p.Content, "```go", "code fence opening split away")
			assert.True(t, strings.Count(p.Content, "```") >= 2, "code fence closing split away")
			found = true
		}
	}
	assert.True(t, found, "code block content missing from output")
}

func TestChunkerOversizeProtectedRegion(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 20, MaxChunkSize: 150})

	var code strings.Builder
	code.WriteString("```\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&code, "line %d of the listing\n", i)
	}
	code.WriteString("```")
	text := "Before.\n\n" + code.String() + "\n\nAfter."
	pieces := c.Split(text)

	var oversize *Piece
	for i := range pieces {
		if pieces[i].Oversize {
			oversize = &pieces[i]
		}
	}
	require.NotNil(t, oversize, "expected an oversize piece for the long code block")
	assert.Contains(t, oversize.Content, "line 29")
	assert.Greater(t, len([]rune(oversize.Content)), 150)
}

func TestChunkerTagsPieceTypes(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 60, ChunkOverlap: 0, MaxChunkSize: 120})

	code := "```go\nfunc add(a, b int) int {\n\treturn a + b\n}\nvar x = add(1, 2)\n```"
	table := "| name | role |\n|------|------|\n| ada | engineer |\n| grace | admiral |\n"
	image := "![diagram](https://example.com/a-very-long-architecture-diagram-path.png)"
	text := "Intro paragraph that sets the scene for everything below.\n\n" +
		code + "\n\n" + table + "\n" + image + "\n\nClosing words."
	pieces := c.Split(text)

	byContent := func(needle string) *Piece {
		for i := range pieces {
			if strings.Contains(pieces[i].Content, needle) {
				return &pieces[i]
			}
		}
		return nil
	}

	intro := byContent("Intro paragraph")
	require.NotNil(t, intro)
	assert.Equal(t, "text", intro.Type)

	codePiece := byContent("func add")
	require.NotNil(t, codePiece)
	assert.Equal(t, "code", codePiece.Type)

	tablePiece := byContent("| ada |")
	require.NotNil(t, tablePiece)
	assert.Equal(t, "table", tablePiece.Type)

	imagePiece := byContent("diagram")
	require.NotNil(t, imagePiece)
	assert.Equal(t, "image_caption", imagePiece.Type)
}

func TestChunkerSmallProtectedRegionMergedIsText(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 200, ChunkOverlap: 0, MaxChunkSize: 400})

	text := "A short lead-in sentence. ```x = 1``` And a short follow-up sentence."
	pieces := c.Split(text)

	require.Len(t, pieces, 1)
	assert.Equal(t, "text", pieces[0].Type, "a code snippet merged with prose is not a code chunk")
}

func TestChunkerMarkdownTableNotSplit(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 60, ChunkOverlap: 10, MaxChunkSize: 120})

	table := "| name | role |\n|------|------|\n| ada | engineer |\n| grace | admiral |\n"
	text := "People list follows.\n\n" + table + "\nDone."
	pieces := c.Split(text)

	for _, p := range pieces {
		if strings.Contains(p.Content, "| ada |") {
			assert.Contains(t, p.Content, "| grace |", "table rows split across pieces")
		}
	}
}

func TestChunkerCJKSentenceSplitting(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 30, ChunkOverlap: 5, MaxChunkSize: 60})

	text := strings.Repeat("这是一个很长的句子用来测试中文分块。", 8)
	pieces := c.Split(text)

	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.LessOrEqual(t, len([]rune(p.Content)), 30, "piece %d too long", i)
		body := string([]rune(p.Content)[p.Overlap:])
		assert.True(t, strings.HasSuffix(body, "。") || i == len(pieces)-1,
			"piece %d does not end at a CJK sentence boundary", i)
	}
}

func TestChunkerExactChunkSizeNotSplit(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 50, ChunkOverlap: 10, MaxChunkSize: 100})
	text := strings.Repeat("a", 50)
	pieces := c.Split(text)
	require.Len(t, pieces, 1)
	assert.Equal(t, text, pieces[0].Content)
}

func TestChunkerOffsetsAreContiguous(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 90, ChunkOverlap: 25, MaxChunkSize: 180})

	var b strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "Observation %d was recorded at the site. ", i)
	}
	text := NormalizeText(b.String())
	pieces := c.Split(text)
	require.Greater(t, len(pieces), 1)

	runes := []rune(text)
	prevEnd := 0
	for i, p := range pieces {
		assert.Equal(t, prevEnd, p.Start+p.Overlap, "piece %d body does not resume where the previous ended", i)
		assert.Equal(t, string(runes[p.Start:p.End]), p.Content, "piece %d content does not match its offsets", i)
		prevEnd = p.End
	}
	assert.Equal(t, len(runes), prevEnd)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("hello world"))
	assert.Equal(t, 4, EstimateTokens("one two three"))
}
