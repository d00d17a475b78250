package indexer

import (
	"strings"
	"testing"
)

func BenchmarkChunker_Tokens(b *testing.B) {
	c, _ := NewChunker(UnitTokens, 512, 64)
	text := strings.Repeat("hemoglobin 13.5 g/dL platelets within normal limits ", 2000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Chunk(text)
	}
}

func BenchmarkChunker_Chars(b *testing.B) {
	c, _ := NewChunker(UnitChars, 2000, 200)
	text := strings.Repeat("hemoglobin 13.5 g/dL platelets within normal limits ", 2000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Chunk(text)
	}
}
