package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FlatIndex is an exact brute-force index. Search compares the query with
// every stored vector and always returns the true top-k.
type FlatIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewFlatIndex creates an exact index with the given dimension.
func NewFlatIndex(dimensions int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{dimensions: dimensions}, nil
}

// Type returns the index type identifier.
func (m *FlatIndex) Type() string { return string(IndexTypeFlat) }

// Exact is always true for FlatIndex.
func (m *FlatIndex) Exact() bool { return true }

// Add appends copies of vectors with the given IDs.
func (m *FlatIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, append([]float32(nil), vectors[i]...))
	}
	return nil
}

// Search returns the k nearest vectors by cosine distance. Equal distances are
// ordered by ID so results are deterministic.
func (m *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	results := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		results[i] = &VectorResult{ID: m.ids[i], Distance: CosineDistance(query, vec)}
	}
	return topK(results, k), nil
}

// Remove deletes vectors by ID.
func (m *FlatIndex) Remove(ctx context.Context, ids []string) error {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newIDs := m.ids[:0]
	newVectors := m.vectors[:0]
	for i, id := range m.ids {
		if !removeSet[id] {
			newIDs = append(newIDs, id)
			newVectors = append(newVectors, m.vectors[i])
		}
	}
	m.ids = newIDs
	m.vectors = newVectors
	return nil
}

// Size returns the number of vectors in the index.
func (m *FlatIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close releases the stored vectors.
func (m *FlatIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors = nil, nil
	return nil
}

func topK(results []*VectorResult, k int) []*VectorResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k]
}
