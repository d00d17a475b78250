package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// BERT special token ids shared by the sentence-embedding models medrag runs locally.
const (
	tokenPad = 0
	tokenUnk = 100
	tokenCLS = 101
	tokenSEP = 102

	firstWordID = 1000
	vocabSize   = 30522
)

// Encoding is the model input for one text, padded to a fixed window.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	// Length counts the attended positions, [CLS] and [SEP] included.
	Length int
}

// Tokenizer turns text into model input.
type Tokenizer interface {
	// Count returns how many tokens text needs, excluding special tokens.
	Count(text string) int
	// Encode builds a window of size maxTokens. It never truncates silently:
	// ok is false when text does not fit.
	Encode(text string, maxTokens int) (enc Encoding, ok bool)
}

// HashTokenizer splits lowercased text into words, numbers and single
// punctuation marks ("13.5", "g", "/", "dl") and maps each piece to a stable
// hashed id inside the model vocabulary.
type HashTokenizer struct{}

// Count implements Tokenizer.
func (HashTokenizer) Count(text string) int {
	return len(pieces(text))
}

// Encode implements Tokenizer.
func (HashTokenizer) Encode(text string, maxTokens int) (Encoding, bool) {
	ps := pieces(text)
	enc := Encoding{
		InputIDs:      make([]int64, maxTokens),
		AttentionMask: make([]int64, maxTokens),
		TokenTypeIDs:  make([]int64, maxTokens),
	}
	if len(ps)+2 > maxTokens {
		return enc, false
	}
	enc.InputIDs[0] = tokenCLS
	for i, p := range ps {
		enc.InputIDs[i+1] = pieceID(p)
	}
	enc.InputIDs[len(ps)+1] = tokenSEP
	enc.Length = len(ps) + 2
	for i := 0; i < enc.Length; i++ {
		enc.AttentionMask[i] = 1
	}
	return enc, true
}

// pieces splits on whitespace and punctuation. Decimal numbers stay whole.
func pieces(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(strings.ToLower(text))
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		case r == '.' && cur.Len() > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && unicode.IsDigit(runes[i-1]):
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			out = append(out, string(r))
		}
	}
	flush()
	return out
}

func pieceID(p string) int64 {
	if p == "" {
		return tokenUnk
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(p))
	return int64(firstWordID + h.Sum32()%(vocabSize-firstWordID))
}
