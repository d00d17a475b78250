package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/medrag/pkg/utils"
)

// IVFOptions configures an inverted-file index.
type IVFOptions struct {
	Lists      int // number of k-means clusters
	Probes     int // clusters scanned per query
	Iterations int // k-means iterations per training run
}

// IVFIndex is an APPROXIMATE inverted-file index: vectors are clustered with
// spherical k-means and a query scans only the Probes clusters whose centroids
// are nearest. It can miss true neighbours that fall in unscanned clusters;
// with Probes >= Lists it degenerates to exact search.
type IVFIndex struct {
	dimensions int
	opts       IVFOptions

	ids       []string
	vectors   [][]float32 // unit length
	centroids [][]float32
	lists     [][]int // positions into ids/vectors
	trained   bool
	mu        sync.RWMutex
}

// NewIVFIndex creates an empty IVF index.
func NewIVFIndex(dimensions int, opts IVFOptions) (*IVFIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if opts.Lists <= 0 {
		opts.Lists = 16
	}
	if opts.Probes <= 0 {
		opts.Probes = 1
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 10
	}
	return &IVFIndex{dimensions: dimensions, opts: opts}, nil
}

// Type returns the index type identifier.
func (x *IVFIndex) Type() string { return string(IndexTypeIVF) }

// Exact reports whether every cluster is probed.
func (x *IVFIndex) Exact() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.opts.Probes >= len(x.centroids)
}

// Add stores vectors. Once trained, new vectors join their nearest cluster;
// before that they wait for Train.
func (x *IVFIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != x.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), x.dimensions)
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, id := range ids {
		pos := len(x.ids)
		x.ids = append(x.ids, id)
		x.vectors = append(x.vectors, utils.Normalized(vectors[i]))
		if x.trained {
			c := nearestCentroid(x.centroids, x.vectors[pos])
			x.lists[c] = append(x.lists[c], pos)
		}
	}
	return nil
}

// Train clusters the stored vectors. Initial centroids are chosen by
// farthest-point traversal from the first vector, so training is
// deterministic for a given input order.
func (x *IVFIndex) Train(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.train(ctx)
}

func (x *IVFIndex) train(ctx context.Context) error {
	n := len(x.vectors)
	k := min(x.opts.Lists, n)
	if k == 0 {
		x.centroids, x.lists, x.trained = nil, nil, true
		return nil
	}
	centroids := farthestPointSeeds(x.vectors, k)

	assign := make([]int, n)
	for iter := 0; iter < x.opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed := false
		for i, v := range x.vectors {
			c := nearestCentroid(centroids, v)
			if iter == 0 || c != assign[i] {
				changed = true
			}
			assign[i] = c
		}
		if !changed {
			break
		}
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, x.dimensions)
		}
		counts := make([]int, k)
		for i, v := range x.vectors {
			c := assign[i]
			counts[c]++
			for d, val := range v {
				sums[c][d] += float64(val)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue // keep the previous centroid for an empty cluster
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
			utils.NormalizeL2(centroids[c])
		}
	}

	lists := make([][]int, k)
	for i, v := range x.vectors {
		c := nearestCentroid(centroids, v)
		lists[c] = append(lists[c], i)
	}
	x.centroids, x.lists, x.trained = centroids, lists, true
	return nil
}

// Search probes the nearest clusters and returns up to k results ordered by
// cosine distance. Results are approximate unless Exact reports true.
func (x *IVFIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != x.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), x.dimensions)
	}
	x.mu.RLock()
	if !x.trained {
		x.mu.RUnlock()
		x.mu.Lock()
		if !x.trained {
			if err := x.train(ctx); err != nil {
				x.mu.Unlock()
				return nil, err
			}
		}
		x.mu.Unlock()
		x.mu.RLock()
	}
	defer x.mu.RUnlock()
	if k <= 0 || len(x.ids) == 0 {
		return nil, nil
	}

	q := utils.Normalized(query)
	order := make([]int, len(x.centroids))
	dist := make([]float64, len(x.centroids))
	for c := range x.centroids {
		order[c] = c
		dist[c] = CosineDistance(q, x.centroids[c])
	}
	sort.SliceStable(order, func(i, j int) bool { return dist[order[i]] < dist[order[j]] })

	probes := min(x.opts.Probes, len(order))
	var results []*VectorResult
	for _, c := range order[:probes] {
		for _, pos := range x.lists[c] {
			results = append(results, &VectorResult{ID: x.ids[pos], Distance: CosineDistance(query, x.vectors[pos])})
		}
	}
	return topK(results, k), nil
}

// Remove deletes vectors by ID and re-clusters the remainder if trained.
func (x *IVFIndex) Remove(ctx context.Context, ids []string) error {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	keptIDs := x.ids[:0]
	keptVecs := x.vectors[:0]
	for i, id := range x.ids {
		if !removeSet[id] {
			keptIDs = append(keptIDs, id)
			keptVecs = append(keptVecs, x.vectors[i])
		}
	}
	x.ids, x.vectors = keptIDs, keptVecs
	if x.trained {
		return x.train(ctx)
	}
	return nil
}

// Size returns the number of vectors in the index.
func (x *IVFIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Close releases the stored vectors.
func (x *IVFIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids, x.vectors, x.centroids, x.lists = nil, nil, nil, nil
	return nil
}

func farthestPointSeeds(vectors [][]float32, k int) [][]float32 {
	seeds := [][]float32{append([]float32(nil), vectors[0]...)}
	// closest[i] is the best inner product of vector i with any chosen seed.
	closest := make([]float64, len(vectors))
	for i, v := range vectors {
		closest[i] = InnerProduct(v, seeds[0])
	}
	for len(seeds) < k {
		pick, worst := 0, 2.0
		for i, sim := range closest {
			if sim < worst {
				pick, worst = i, sim
			}
		}
		seed := append([]float32(nil), vectors[pick]...)
		seeds = append(seeds, seed)
		for i, v := range vectors {
			if sim := InnerProduct(v, seed); sim > closest[i] {
				closest[i] = sim
			}
		}
	}
	return seeds
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestDot := 0, -2.0
	for c, centroid := range centroids {
		if d := InnerProduct(v, centroid); d > bestDot {
			best, bestDot = c, d
		}
	}
	return best
}
