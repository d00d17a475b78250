package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeFlat is exact brute-force search. It always returns the true top-k.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeIVF is approximate inverted-file search over k-means clusters.
	IndexTypeIVF IndexType = "ivf"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "flat" (default) and "ivf".
func NewVectorIndex(indexType string, dimensions int, ivf IVFOptions) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeFlat, "":
		return NewFlatIndex(dimensions)
	case IndexTypeIVF:
		return NewIVFIndex(dimensions, ivf)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat, ivf)", indexType)
	}
}
