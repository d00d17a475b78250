package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes a vector as little-endian float32s, the BLOB layout used
// by the SQLite chunk store.
func Encode(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]float32, error) {
	const size = 4
	if len(b)%size != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of %d", len(b), size)
	}
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out, nil
}

// BlobCosineDistance computes CosineDistance over two encoded vectors without
// allocating intermediate slices.
func BlobCosineDistance(a, b []byte) (float64, error) {
	if len(a) != len(b) || len(a)%4 != 0 {
		return 0, fmt.Errorf("cosine_distance: blob lengths %d and %d differ or are malformed", len(a), len(b))
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i += 4 {
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(a[i:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - math.Max(-1, math.Min(1, cos)), nil
}
