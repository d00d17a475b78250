// Package indexer provides document chunking and the ingestion pipeline that
// turns extracted text into stored, embedded chunks.
package indexer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hyperjump/medrag/internal/models"
)

// Unit is the measure used for chunk size, overlap and offsets.
type Unit string

const (
	// UnitTokens counts whitespace-delimited words. Each token owns its trailing
	// whitespace so that a token span maps to an exact substring.
	UnitTokens Unit = "tokens"
	// UnitChars counts Unicode code points.
	UnitChars Unit = "chars"
)

// Chunker splits text into overlapping windows of a fixed number of units.
type Chunker struct {
	unit         Unit
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker. Overlap must be in [0, chunkSize) so that every
// window starts strictly after the previous one.
func NewChunker(unit Unit, chunkSize, chunkOverlap int) (*Chunker, error) {
	if unit != UnitTokens && unit != UnitChars {
		return nil, models.Invalidf("unknown chunk unit %q", unit)
	}
	if chunkSize <= 0 {
		return nil, models.Invalidf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, models.Invalidf("chunk overlap %d must be in [0, %d)", chunkOverlap, chunkSize)
	}
	return &Chunker{unit: unit, chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// Size returns the window size in units.
func (c *Chunker) Size() int { return c.chunkSize }

// WithSize returns a chunker with the same unit and a smaller window. The
// overlap is scaled down with the size.
func (c *Chunker) WithSize(size int) (*Chunker, error) {
	overlap := c.chunkOverlap * size / c.chunkSize
	return NewChunker(c.unit, size, overlap)
}

// Chunk splits text into chunks carrying text, index and unit offsets
// [ChunkStartToken, ChunkEndToken). The same input always yields the same
// boundaries. A window that contains only whitespace is folded into the next
// chunk, or into the last one at the end of the text, so consecutive spans
// never leave a gap.
func (c *Chunker) Chunk(text string) ([]*models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.Invalidf("text is empty")
	}
	bounds := c.boundaries(text)
	n := len(bounds) - 1

	var chunks []*models.Chunk
	pending := -1
	for start := 0; ; start = start + c.chunkSize - c.chunkOverlap {
		end := start + c.chunkSize
		if end > n {
			end = n
		}
		if strings.TrimSpace(text[bounds[start]:bounds[end]]) == "" {
			if pending < 0 {
				pending = start
			}
		} else {
			from := start
			if pending >= 0 {
				from, pending = pending, -1
			}
			chunks = append(chunks, &models.Chunk{
				ID:              uuid.New().String(),
				ChunkText:       text[bounds[from]:bounds[end]],
				ChunkIndex:      len(chunks),
				ChunkStartToken: from,
				ChunkEndToken:   end,
				TotalTokens:     end - from,
			})
		}
		if end == n {
			break
		}
	}
	if last := chunks[len(chunks)-1]; pending >= 0 && last.ChunkEndToken < n {
		last.ChunkEndToken = n
		last.ChunkText = text[bounds[last.ChunkStartToken]:bounds[n]]
		last.TotalTokens = n - last.ChunkStartToken
	}
	return chunks, nil
}

// boundaries returns byte offsets b such that unit i spans text[b[i]:b[i+1]].
func (c *Chunker) boundaries(text string) []int {
	if c.unit == UnitChars {
		b := make([]int, 0, utf8.RuneCountInString(text)+1)
		for i := range text {
			b = append(b, i)
		}
		return append(b, len(text))
	}

	// Token i starts where word i starts; leading whitespace joins the first token.
	b := []int{0}
	inSpace := true
	first := true
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			if first {
				first = false
			} else {
				b = append(b, i)
			}
		}
		inSpace = space
	}
	return append(b, len(text))
}
