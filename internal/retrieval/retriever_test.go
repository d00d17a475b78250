package retrieval

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/storage"
	"github.com/hyperjump/medrag/internal/vector"
)

const dims = 8

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "retrieval.db"), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seed stores one document per call with one chunk per vector.
func seed(t *testing.T, store storage.Store, docID, patientID int64, docType string, vecs [][]float32) []*models.Chunk {
	t.Helper()
	ctx := context.Background()
	uploaded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(docID) * time.Hour)
	require.NoError(t, store.RegisterDocument(ctx, &models.Document{
		ID: docID, PatientID: patientID, DocumentType: docType, UploadDate: uploaded, SourceText: "text",
	}))
	chunks := make([]*models.Chunk, len(vecs))
	for i, v := range vecs {
		chunks[i] = &models.Chunk{
			ID:           fmt.Sprintf("p%d-d%d-c%d", patientID, docID, i),
			PatientID:    patientID,
			DocumentID:   docID,
			ChunkText:    fmt.Sprintf("chunk %d of document %d", i, docID),
			ChunkIndex:   i,
			DocumentType: docType,
			UploadDate:   uploaded,
			Embedding:    v,
		}
	}
	require.NoError(t, store.ReplaceChunksForDocument(ctx, docID, chunks))
	return chunks
}

func randomVectors(r *rand.Rand, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for d := range v {
			v[d] = float32(r.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func clustered(r *rand.Rand, n, clusters int) [][]float32 {
	centers := randomVectors(r, clusters)
	out := make([][]float32, n)
	for i := range out {
		c := centers[i%clusters]
		v := make([]float32, dims)
		for d := range v {
			v[d] = c[d] + float32(r.NormFloat64()*0.1)
		}
		out[i] = v
	}
	return out
}

func TestRetrieve_Validation(t *testing.T) {
	store := newStore(t)
	r := NewRetriever(store, nil, Options{MaxTopK: 20})
	ctx := context.Background()
	q := make([]float32, dims)
	q[0] = 1

	_, err := r.Retrieve(ctx, Query{PatientID: 1, Vector: q, TopK: 0})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = r.Retrieve(ctx, Query{PatientID: 1, Vector: q, TopK: -3})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = r.Retrieve(ctx, Query{PatientID: 0, Vector: q, TopK: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = r.Retrieve(ctx, Query{PatientID: 1, Vector: q[:3], TopK: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRetrieve_EmptyPatientIsNotAnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	q := randomVectors(rand.New(rand.NewSource(1)), 1)[0]
	for _, mode := range []Mode{ModeExact, ModeApproximate} {
		r := NewRetriever(store, nil, Options{Mode: mode})
		results, err := r.Retrieve(ctx, Query{PatientID: 7, Vector: q, TopK: 5})
		require.NoError(t, err, mode)
		assert.Empty(t, results, mode)
	}
}

func TestRetrieve_CapsTopK(t *testing.T) {
	store := newStore(t)
	rng := rand.New(rand.NewSource(2))
	seed(t, store, 1, 1, models.DocumentTypeLabReport, randomVectors(rng, 30))
	r := NewRetriever(store, nil, Options{MaxTopK: 20})

	results, err := r.Retrieve(context.Background(), Query{PatientID: 1, Vector: randomVectors(rng, 1)[0], TopK: 100})
	require.NoError(t, err)
	assert.Len(t, results, 20)
}

func TestRetrieve_ExactMatchesBruteForce(t *testing.T) {
	store := newStore(t)
	rng := rand.New(rand.NewSource(3))
	var all []*models.Chunk
	for d := int64(1); d <= 4; d++ {
		all = append(all, seed(t, store, d, 1, models.DocumentTypeLabReport, randomVectors(rng, 15))...)
	}
	query := randomVectors(rng, 1)[0]
	r := NewRetriever(store, nil, Options{Mode: ModeExact})

	results, err := r.Retrieve(context.Background(), Query{PatientID: 1, Vector: query, TopK: 5})
	require.NoError(t, err)

	want := make([]*models.RetrievedChunk, len(all))
	for i, ch := range all {
		d := vector.CosineDistance(query, ch.Embedding)
		want[i] = &models.RetrievedChunk{Chunk: *ch, Distance: d}
	}
	SortResults(want)
	require.Len(t, results, 5)
	for i := range results {
		assert.Equal(t, want[i].ID, results[i].ID, "rank %d", i)
	}
}

// Approximate search may miss neighbours but must stay inside the patient and
// still find a vector that is stored verbatim.
func TestRetrieve_ApproximateDegradesGracefully(t *testing.T) {
	store := newStore(t)
	rng := rand.New(rand.NewSource(4))
	mine := seed(t, store, 1, 1, models.DocumentTypeLabReport, clustered(rng, 240, 6))
	theirs := seed(t, store, 2, 2, models.DocumentTypeLabReport, clustered(rng, 60, 3))

	r := NewRetriever(store, nil, Options{
		Mode:         ModeApproximate,
		IVF:          vector.IVFOptions{Lists: 6, Probes: 1},
		MinPartition: 50,
	})
	ctx := context.Background()

	for _, target := range []*models.Chunk{mine[0], mine[17], mine[123]} {
		results, err := r.Retrieve(ctx, Query{PatientID: 1, Vector: target.Embedding, TopK: 5})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, target.ID, results[0].ID)
		for i, res := range results {
			assert.Equal(t, int64(1), res.PatientID)
			if i > 0 {
				assert.LessOrEqual(t, results[i-1].Distance, res.Distance)
			}
		}
	}

	// Adversarial: patient 2's exact embedding queried in patient 1's scope.
	for _, ch := range theirs[:10] {
		results, err := r.Retrieve(ctx, Query{PatientID: 1, Vector: ch.Embedding, TopK: 20})
		require.NoError(t, err)
		for _, res := range results {
			assert.Equal(t, int64(1), res.PatientID, "leaked %s", res.ID)
		}
	}
}

func TestRetrieve_IsolationExactAndApproximate(t *testing.T) {
	store := newStore(t)
	rng := rand.New(rand.NewSource(5))
	seed(t, store, 1, 1, models.DocumentTypeLabReport, randomVectors(rng, 10))
	theirs := seed(t, store, 2, 2, models.DocumentTypeLabReport, randomVectors(rng, 10))

	for _, mode := range []Mode{ModeExact, ModeApproximate} {
		r := NewRetriever(store, nil, Options{Mode: mode})
		for _, ch := range theirs {
			results, err := r.Retrieve(context.Background(), Query{PatientID: 1, Vector: ch.Embedding, TopK: 20})
			require.NoError(t, err)
			assert.Len(t, results, 10, mode)
			for _, res := range results {
				assert.NotEqual(t, int64(2), res.PatientID, "%s leaked %s", mode, res.ID)
			}
		}
	}
}

func TestRetrieve_ApproximateFiltersAndInvalidate(t *testing.T) {
	store := newStore(t)
	rng := rand.New(rand.NewSource(6))
	seed(t, store, 1, 1, models.DocumentTypeLabReport, randomVectors(rng, 5))
	rx := seed(t, store, 2, 1, models.DocumentTypePrescription, randomVectors(rng, 3))

	r := NewRetriever(store, nil, Options{Mode: ModeApproximate})
	ctx := context.Background()
	query := randomVectors(rng, 1)[0]

	results, err := r.Retrieve(ctx, Query{PatientID: 1, Vector: query, TopK: 10,
		Filters: models.Filters{DocumentType: models.DocumentTypePrescription}})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	docID := int64(1)
	results, err = r.Retrieve(ctx, Query{PatientID: 1, Vector: query, TopK: 10, Filters: models.Filters{DocumentID: &docID}})
	require.NoError(t, err)
	assert.Len(t, results, 5)

	// A new document is invisible to the cached partition until invalidated.
	added := seed(t, store, 3, 1, models.DocumentTypeOther, [][]float32{query})
	r.Invalidate(1)
	results, err = r.Retrieve(ctx, Query{PatientID: 1, Vector: query, TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, added[0].ID, results[0].ID)

	// Deleted chunks drop out even before invalidation.
	require.NoError(t, store.DeleteDocument(ctx, 2))
	results, err = r.Retrieve(ctx, Query{PatientID: 1, Vector: rx[0].Embedding, TopK: 20})
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, int64(2), res.DocumentID)
	}
}

func TestSearchText(t *testing.T) {
	store := newStore(t)
	embedder := embedding.NewMockEmbedder(dims)
	ctx := context.Background()
	texts := []string{"hemoglobin 13.5 g/dL", "amoxicillin 500mg", "chest x-ray clear"}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	seed(t, store, 1, 1, models.DocumentTypeLabReport, vecs)

	r := NewRetriever(store, embedder, Options{DefaultTopK: 2})
	resp, err := r.SearchText(ctx, 1, &models.SearchQuery{Query: "  amoxicillin 500mg "})
	require.NoError(t, err)
	assert.Equal(t, "exact", resp.Mode)
	assert.Equal(t, "amoxicillin 500mg", resp.Query)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Results[0].ChunkIndex)
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-6)

	_, err = r.SearchText(ctx, 1, &models.SearchQuery{Query: "   "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
