// Package retrieval finds the chunks of one patient nearest to a query
// embedding. Exact search is the default; approximate search is opt-in and
// may miss true neighbours, but never crosses the patient boundary.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/storage"
	"github.com/hyperjump/medrag/internal/vector"
)

// Mode selects the search strategy.
type Mode string

const (
	// ModeExact returns the true top-k computed by the store.
	ModeExact Mode = "exact"
	// ModeApproximate uses a clustered index and may miss true neighbours.
	ModeApproximate Mode = "approximate"
)

// Options configures a Retriever.
type Options struct {
	Mode        Mode
	DefaultTopK int
	MaxTopK     int
	// IVF configures per-patient partitions in approximate mode.
	IVF vector.IVFOptions
	// MinPartition is the chunk count below which a patient's partition uses
	// flat search even in approximate mode.
	MinPartition int
	// CandidateFactor oversamples index hits before metadata filtering.
	CandidateFactor int
}

// Query is a patient-scoped nearest-neighbour request.
type Query struct {
	PatientID int64
	Vector    []float32
	TopK      int
	Filters   models.Filters
}

// Retriever answers top-k queries over one patient's chunks.
type Retriever struct {
	store    storage.Store
	embedder embedding.Embedder
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	partitions  map[int64]vector.VectorIndex
	generations map[int64]uint64
	builds      singleflight.Group
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetriever creates a retriever. embedder is only needed by SearchText.
func NewRetriever(store storage.Store, embedder embedding.Embedder, opts Options, options ...Option) *Retriever {
	if opts.Mode == "" {
		opts.Mode = ModeExact
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = 20
	}
	if opts.CandidateFactor <= 0 {
		opts.CandidateFactor = 4
	}
	if opts.MinPartition <= 0 {
		opts.MinPartition = 256
	}
	r := &Retriever{
		store:       store,
		embedder:    embedder,
		opts:        opts,
		logger:      zap.NewNop(),
		partitions:  make(map[int64]vector.VectorIndex),
		generations: make(map[int64]uint64),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Mode returns the configured search mode.
func (r *Retriever) Mode() Mode { return r.opts.Mode }

// DefaultTopK returns the top_k applied when a request leaves it unset.
func (r *Retriever) DefaultTopK() int { return r.opts.DefaultTopK }

// Retrieve returns up to q.TopK chunks of q.PatientID ordered by cosine
// distance. TopK above the configured maximum is capped. A patient with no
// chunks yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]*models.RetrievedChunk, error) {
	if q.PatientID <= 0 {
		return nil, models.Invalidf("patient_id must be positive")
	}
	if q.TopK <= 0 {
		return nil, models.Invalidf("top_k must be positive, got %d", q.TopK)
	}
	if q.TopK > r.opts.MaxTopK {
		q.TopK = r.opts.MaxTopK
	}
	if dims := r.store.Dimensions(); len(q.Vector) != dims {
		return nil, models.Invalidf("query vector has %d dims, store has %d", len(q.Vector), dims)
	}
	nq := models.NearestQuery{PatientID: q.PatientID, Vector: q.Vector, TopK: q.TopK, Filters: q.Filters}

	if r.opts.Mode != ModeApproximate {
		return r.store.QueryNearest(ctx, nq)
	}
	if native, ok := r.store.(storage.ApproximateSearcher); ok {
		return native.QueryApproximate(ctx, nq)
	}
	return r.searchPartition(ctx, nq)
}

// SearchText embeds sq.Query and retrieves the patient's nearest chunks.
func (r *Retriever) SearchText(ctx context.Context, patientID int64, sq *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	sq.Query = strings.TrimSpace(sq.Query)
	if err := sq.Validate(r.opts.DefaultTopK, r.opts.MaxTopK); err != nil {
		return nil, err
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("retriever has no embedder")
	}
	vec, err := r.embedder.Embed(ctx, sq.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query failed: %w", err)
	}
	results, err := r.Retrieve(ctx, Query{PatientID: patientID, Vector: vec, TopK: sq.TopK, Filters: sq.Filters})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*models.RetrievedChunk{}
	}
	return &models.SearchResponse{
		PatientID: patientID,
		Query:     sq.Query,
		Mode:      string(r.opts.Mode),
		Results:   results,
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

// Invalidate drops the cached approximate partition of a patient. Writers
// call it after every chunk change for that patient.
func (r *Retriever) Invalidate(patientID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[patientID]++
	delete(r.partitions, patientID)
}

// InvalidateAll drops every cached partition.
func (r *Retriever) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.partitions {
		r.generations[p]++
	}
	r.partitions = make(map[int64]vector.VectorIndex)
}

func (r *Retriever) searchPartition(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error) {
	idx, err := r.partition(ctx, q.PatientID)
	if err != nil {
		return nil, err
	}
	if idx.Size() == 0 {
		return nil, nil
	}

	k := q.TopK * r.opts.CandidateFactor
	if q.Filters.DocumentType != "" || q.Filters.DocumentID != nil {
		k = idx.Size()
	}
	hits, err := idx.Search(ctx, q.Vector, min(k, idx.Size()))
	if err != nil {
		return nil, fmt.Errorf("partition search failed: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	// Hydration re-applies the patient filter; chunks deleted since the
	// partition was built simply drop out.
	chunks, err := r.store.GetChunksByIDs(ctx, q.PatientID, ids)
	if err != nil {
		return nil, err
	}
	results := make([]*models.RetrievedChunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.PatientID != q.PatientID || !matches(ch, q.Filters) {
			continue
		}
		d := vector.CosineDistance(q.Vector, ch.Embedding)
		results = append(results, &models.RetrievedChunk{
			Chunk:      *ch,
			Distance:   d,
			Similarity: models.SimilarityFromDistance(d),
		})
	}
	SortResults(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func matches(ch *models.Chunk, f models.Filters) bool {
	if f.DocumentType != "" && ch.DocumentType != f.DocumentType {
		return false
	}
	if f.DocumentID != nil && ch.DocumentID != *f.DocumentID {
		return false
	}
	return true
}

// partition returns the patient's cached index, building it once per
// generation. A build that finishes after an Invalidate is used for the
// in-flight query but not cached.
func (r *Retriever) partition(ctx context.Context, patientID int64) (vector.VectorIndex, error) {
	r.mu.Lock()
	if idx, ok := r.partitions[patientID]; ok {
		r.mu.Unlock()
		return idx, nil
	}
	gen := r.generations[patientID]
	r.mu.Unlock()

	key := fmt.Sprintf("%d/%d", patientID, gen)
	v, err, _ := r.builds.Do(key, func() (any, error) {
		idx, err := r.buildPartition(ctx, patientID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.generations[patientID] == gen {
			r.partitions[patientID] = idx
		}
		r.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(vector.VectorIndex), nil
}

type trainer interface {
	Train(ctx context.Context) error
}

func (r *Retriever) buildPartition(ctx context.Context, patientID int64) (vector.VectorIndex, error) {
	start := time.Now()
	vecs, err := r.store.ChunkVectors(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading patient vectors: %w", err)
	}
	indexType := string(vector.IndexTypeIVF)
	if len(vecs) < r.opts.MinPartition {
		indexType = string(vector.IndexTypeFlat)
	}
	idx, err := vector.NewVectorIndex(indexType, r.store.Dimensions(), r.opts.IVF)
	if err != nil {
		return nil, err
	}
	if len(vecs) > 0 {
		ids := make([]string, len(vecs))
		data := make([][]float32, len(vecs))
		for i, cv := range vecs {
			ids[i], data[i] = cv.ID, cv.Vector
		}
		if err := idx.Add(ctx, ids, data); err != nil {
			return nil, err
		}
		if t, ok := idx.(trainer); ok {
			if err := t.Train(ctx); err != nil {
				return nil, err
			}
		}
	}
	r.logger.Debug("Built patient partition",
		zap.Int64("patient_id", patientID),
		zap.Int("vectors", len(vecs)),
		zap.String("index", idx.Type()),
		zap.Bool("exact", idx.Exact()),
		zap.Duration("duration", time.Since(start)))
	return idx, nil
}

// SortResults orders results by distance, breaking ties by the most recently
// uploaded document, then document id and chunk index.
func SortResults(results []*models.RetrievedChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.UploadDate.Equal(b.UploadDate) {
			return a.UploadDate.After(b.UploadDate)
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}
