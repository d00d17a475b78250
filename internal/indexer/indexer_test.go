package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/storage"
)

const testDims = 8

func testIndexer(t *testing.T, emb embedding.Embedder, opts Options, options ...IndexerOption) (*Indexer, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "medrag.db"), testDims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if emb == nil {
		emb = embedding.NewMockEmbedder(testDims)
	}
	if opts.ChunkSize == 0 {
		opts = Options{Unit: UnitTokens, ChunkSize: 10, ChunkOverlap: 2}
	}
	idx, err := NewIndexer(store, emb, opts, options...)
	if err != nil {
		t.Fatal(err)
	}
	return idx, store
}

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func input(docID, patientID int64, text string) *models.DocumentInput {
	ext := docID * 100
	return &models.DocumentInput{
		DocumentID:       docID,
		PatientID:        patientID,
		ExtractionID:     &ext,
		Text:             text,
		DocumentType:     models.DocumentTypeLabReport,
		OriginalFilename: fmt.Sprintf("doc-%d.pdf", docID),
		UploadDate:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		ExtractionMethod: "ocr",
	}
}

// failingEmbedder fails every batch with err.
type failingEmbedder struct {
	*embedding.MockEmbedder
	err error
}

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// limitEmbedder rejects batches holding any text longer than maxWords.
type limitEmbedder struct {
	*embedding.MockEmbedder
	maxWords int
	mu       sync.Mutex
	calls    int
}

func (l *limitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	for _, s := range texts {
		if n := len(strings.Fields(s)); n > l.maxWords {
			return nil, fmt.Errorf("input of %d words: %w", n, models.ErrInputTooLong)
		}
	}
	return l.MockEmbedder.EmbedBatch(ctx, texts)
}

// blockingEmbedder signals entry and waits for cancellation.
type blockingEmbedder struct {
	*embedding.MockEmbedder
	entered chan struct{}
}

func (b *blockingEmbedder) EmbedBatch(ctx context.Context, _ []string) ([][]float32, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

// gatedEmbedder holds any batch mentioning hold until release is closed.
type gatedEmbedder struct {
	*embedding.MockEmbedder
	hold    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, s := range texts {
		if strings.Contains(s, g.hold) {
			g.once.Do(func() { close(g.entered) })
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			break
		}
	}
	return g.MockEmbedder.EmbedBatch(ctx, texts)
}

type recordingInvalidator struct {
	mu       sync.Mutex
	patients []int64
}

func (r *recordingInvalidator) Invalidate(patientID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients = append(r.patients, patientID)
}

func (r *recordingInvalidator) count(patientID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.patients {
		if p == patientID {
			n++
		}
	}
	return n
}

func TestNewIndexer_invalidOptions(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "db"), testDims)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	emb := embedding.NewMockEmbedder(testDims)

	for _, opts := range []Options{
		{Unit: UnitTokens, ChunkSize: 0},
		{Unit: UnitTokens, ChunkSize: 10, ChunkOverlap: 10},
		{Unit: "pages", ChunkSize: 10},
	} {
		if _, err := NewIndexer(store, emb, opts); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("NewIndexer(%+v) error = %v, want ErrInvalidInput", opts, err)
		}
	}
}

func TestIndexDocument_storesChunks(t *testing.T) {
	inv := &recordingInvalidator{}
	idx, store := testIndexer(t, nil, Options{}, WithInvalidator(inv))
	ctx := context.Background()

	res, err := idx.IndexDocument(ctx, input(1, 10, words(34, "w")))
	if err != nil {
		t.Fatal(err)
	}
	// 34 tokens at size 10 / overlap 2: windows start at 0, 8, 16, 24
	if res.ChunkCount != 4 || res.Status != models.IndexStatusIndexed || res.Skipped {
		t.Fatalf("unexpected result: %+v", res)
	}

	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("stored %d chunks, want 4", len(chunks))
	}
	for i, ch := range chunks {
		if ch.ChunkIndex != i || ch.PatientID != 10 || ch.DocumentID != 1 {
			t.Errorf("chunk %d: index=%d patient=%d document=%d", i, ch.ChunkIndex, ch.PatientID, ch.DocumentID)
		}
		if ch.ExtractionID == nil || *ch.ExtractionID != 100 {
			t.Errorf("chunk %d: extraction_id = %v", i, ch.ExtractionID)
		}
		if ch.DocumentType != models.DocumentTypeLabReport || ch.OriginalFilename != "doc-1.pdf" || ch.ExtractionMethod != "ocr" {
			t.Errorf("chunk %d: metadata not copied: %+v", i, ch)
		}
		if len(ch.Embedding) != testDims {
			t.Errorf("chunk %d: embedding length %d", i, len(ch.Embedding))
		}
	}
	if chunks[1].ChunkStartToken != 8 || chunks[1].ChunkEndToken != 18 {
		t.Errorf("chunk 1 offsets = [%d,%d), want [8,18)", chunks[1].ChunkStartToken, chunks[1].ChunkEndToken)
	}

	doc, err := store.GetDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if doc.IndexStatus != models.IndexStatusIndexed || doc.IndexedAt == nil {
		t.Errorf("document status = %s, indexed_at = %v", doc.IndexStatus, doc.IndexedAt)
	}
	if inv.count(10) != 1 {
		t.Errorf("invalidations for patient 10 = %d, want 1", inv.count(10))
	}
}

func TestIndexDocument_skipAndForce(t *testing.T) {
	idx, _ := testIndexer(t, nil, Options{})
	ctx := context.Background()
	in := input(1, 10, words(12, "a"))

	if _, err := idx.IndexDocument(ctx, in); err != nil {
		t.Fatal(err)
	}
	res, err := idx.IndexDocument(ctx, input(1, 10, words(12, "a")))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("unchanged document should be skipped")
	}

	forced := input(1, 10, words(12, "a"))
	forced.ForceReindex = true
	res, err = idx.IndexDocument(ctx, forced)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.ChunkCount != 2 {
		t.Errorf("forced reindex: %+v", res)
	}
}

func TestIndexDocument_replacesOnNewText(t *testing.T) {
	idx, store := testIndexer(t, nil, Options{})
	ctx := context.Background()

	if _, err := idx.IndexDocument(ctx, input(1, 10, words(30, "old"))); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.IndexDocument(ctx, input(1, 10, words(5, "new"))); err != nil {
		t.Fatal(err)
	}
	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || !strings.HasPrefix(chunks[0].ChunkText, "new0") {
		t.Fatalf("chunks after replace: %d, first=%q", len(chunks), chunks[0].ChunkText)
	}
}

func TestIndexDocument_validation(t *testing.T) {
	idx, _ := testIndexer(t, nil, Options{})
	ctx := context.Background()

	bad := []*models.DocumentInput{
		input(0, 10, "text"),
		input(1, 0, "text"),
		input(1, 10, "   \n\t"),
		func() *models.DocumentInput { in := input(1, 10, "text"); in.DocumentType = "xray"; return in }(),
	}
	for i, in := range bad {
		if _, err := idx.IndexDocument(ctx, in); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("case %d: error = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestIndexDocument_embedFailureKeepsPreviousChunks(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "db"), testDims)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	opts := Options{Unit: UnitTokens, ChunkSize: 10, ChunkOverlap: 2}

	good, err := NewIndexer(store, embedding.NewMockEmbedder(testDims), opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := good.IndexDocument(ctx, input(1, 10, words(20, "v1"))); err != nil {
		t.Fatal(err)
	}

	bad, err := NewIndexer(store, &failingEmbedder{embedding.NewMockEmbedder(testDims), models.ErrPermanent}, opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = bad.IndexDocument(ctx, input(1, 10, words(40, "v2")))
	if !errors.Is(err, models.ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}

	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 || !strings.HasPrefix(chunks[0].ChunkText, "v10") {
		t.Errorf("previous chunks not kept: %d chunks", len(chunks))
	}
	doc, err := store.GetDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if doc.IndexStatus != models.IndexStatusFailed || doc.IndexError == "" {
		t.Errorf("status = %s, error = %q", doc.IndexStatus, doc.IndexError)
	}
}

func TestIndexDocument_rechunksWhenInputTooLong(t *testing.T) {
	emb := &limitEmbedder{MockEmbedder: embedding.NewMockEmbedder(testDims), maxWords: 5}
	idx, store := testIndexer(t, emb, Options{Unit: UnitTokens, ChunkSize: 20, ChunkOverlap: 4, MinChunkSize: 4})
	ctx := context.Background()

	res, err := idx.IndexDocument(ctx, input(1, 10, words(40, "t")))
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunkSize != 5 {
		t.Errorf("chunk size = %d, want 5 after halving 20 -> 10 -> 5", res.ChunkSize)
	}
	if emb.calls != 3 {
		t.Errorf("embed calls = %d, want 3", emb.calls)
	}
	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range chunks {
		if n := len(strings.Fields(ch.ChunkText)); n > 5 {
			t.Errorf("chunk %d has %d words", ch.ChunkIndex, n)
		}
	}
}

func TestIndexDocument_inputTooLongBelowMinimum(t *testing.T) {
	emb := &limitEmbedder{MockEmbedder: embedding.NewMockEmbedder(testDims), maxWords: 1}
	idx, store := testIndexer(t, emb, Options{Unit: UnitTokens, ChunkSize: 16, ChunkOverlap: 0, MinChunkSize: 4})
	ctx := context.Background()

	_, err := idx.IndexDocument(ctx, input(1, 10, words(40, "t")))
	if !errors.Is(err, models.ErrInputTooLong) {
		t.Fatalf("error = %v, want ErrInputTooLong", err)
	}
	doc, err := store.GetDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if doc.IndexStatus != models.IndexStatusFailed {
		t.Errorf("status = %s, want failed", doc.IndexStatus)
	}
}

func TestReindexDocument(t *testing.T) {
	idx, store := testIndexer(t, nil, Options{})
	ctx := context.Background()

	if _, err := idx.ReindexDocument(ctx, 99); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing document: error = %v", err)
	}
	if _, err := idx.IndexDocument(ctx, input(1, 10, words(20, "r"))); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DeleteChunksForDocument(ctx, 1); err != nil {
		t.Fatal(err)
	}
	res, err := idx.ReindexDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunkCount != 3 {
		t.Errorf("chunk count = %d, want 3", res.ChunkCount)
	}
	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Errorf("stored %d chunks after reindex", len(chunks))
	}
}

func TestReindexPatient(t *testing.T) {
	idx, store := testIndexer(t, nil, Options{Unit: UnitTokens, ChunkSize: 10, ChunkOverlap: 2, Workers: 2})
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		if _, err := idx.IndexDocument(ctx, input(id, 10, words(int(id)*4, "p"))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := idx.IndexDocument(ctx, input(6, 20, words(10, "other"))); err != nil {
		t.Fatal(err)
	}

	res, err := idx.ReindexPatient(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indexed != 5 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	stats, err := store.PatientStats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if int(stats.TotalChunks) != res.TotalChunks {
		t.Errorf("stats chunks %d != reindexed chunks %d", stats.TotalChunks, res.TotalChunks)
	}

	empty, err := idx.ReindexPatient(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Indexed != 0 {
		t.Errorf("empty patient indexed %d documents", empty.Indexed)
	}
}

func TestDeletePatientChunks_keepsRegistry(t *testing.T) {
	inv := &recordingInvalidator{}
	idx, store := testIndexer(t, nil, Options{}, WithInvalidator(inv))
	ctx := context.Background()

	for id := int64(1); id <= 2; id++ {
		if _, err := idx.IndexDocument(ctx, input(id, 10, words(12, "d"))); err != nil {
			t.Fatal(err)
		}
	}
	n, err := idx.DeletePatientChunks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("deleted %d chunks, want 4", n)
	}
	docs, err := store.ListDocuments(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("documents after chunk delete = %d", len(docs))
	}
	for _, d := range docs {
		if d.IndexStatus != models.IndexStatusPending {
			t.Errorf("document %d status = %s, want pending", d.ID, d.IndexStatus)
		}
	}
	// pending documents are re-indexed even with identical input
	res, err := idx.IndexDocument(ctx, input(1, 10, words(12, "d")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Error("pending document must not be skipped")
	}
	if inv.count(10) < 4 {
		t.Errorf("invalidations = %d", inv.count(10))
	}
}

func TestDeleteDocument_cancelsInflightIndexing(t *testing.T) {
	emb := &blockingEmbedder{MockEmbedder: embedding.NewMockEmbedder(testDims), entered: make(chan struct{})}
	idx, store := testIndexer(t, emb, Options{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := idx.IndexDocument(ctx, input(1, 10, words(12, "c")))
		errc <- err
	}()
	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("indexing never reached the embedder")
	}
	if idx.Active() != 1 {
		t.Errorf("active = %d, want 1", idx.Active())
	}

	if err := idx.DeleteDocument(ctx, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("index error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("indexing was not cancelled")
	}

	if _, err := store.GetDocument(ctx, 1); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("document still present: %v", err)
	}
	if idx.Active() != 0 {
		t.Errorf("active = %d after cancel", idx.Active())
	}
}

func TestIndexDocument_waitsForRunningJobBeforeRegistering(t *testing.T) {
	emb := &gatedEmbedder{
		MockEmbedder: embedding.NewMockEmbedder(testDims),
		hold:         "old",
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	idx, store := testIndexer(t, emb, Options{})
	ctx := context.Background()
	oldText, newText := words(12, "old"), words(12, "new")

	errc := make(chan error, 1)
	go func() {
		_, err := idx.IndexDocument(ctx, input(1, 10, oldText))
		errc <- err
	}()
	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("indexing never reached the embedder")
	}

	// A second request times out waiting for the lock and must leave the
	// stored source untouched.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err := idx.IndexDocument(waitCtx, input(1, 10, newText))
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("concurrent index error = %v, want context.DeadlineExceeded", err)
	}
	src, err := store.GetDocumentSource(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if src.SourceText != oldText {
		t.Errorf("source text replaced while the first job held the lock")
	}

	close(emb.release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not finish")
	}

	res, err := idx.IndexDocument(ctx, input(1, 10, newText))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatal("retry with new text was skipped")
	}
	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	for _, ch := range chunks {
		if strings.Contains(ch.ChunkText, "old") {
			t.Errorf("chunk %d still holds the old text: %q", ch.ChunkIndex, ch.ChunkText)
		}
	}
	if !strings.HasPrefix(chunks[0].ChunkText, "new0") {
		t.Errorf("first chunk = %q, want new text", chunks[0].ChunkText)
	}
}

func TestDeletePatientChunks_cancelledJobLeavesPending(t *testing.T) {
	emb := &blockingEmbedder{MockEmbedder: embedding.NewMockEmbedder(testDims), entered: make(chan struct{})}
	idx, store := testIndexer(t, emb, Options{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := idx.IndexDocument(ctx, input(1, 10, words(12, "p")))
		errc <- err
	}()
	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("indexing never reached the embedder")
	}

	if _, err := idx.DeletePatientChunks(ctx, 10); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("index error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("indexing was not cancelled")
	}

	doc, err := store.GetDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if doc.IndexStatus != models.IndexStatusPending || doc.IndexError != "" {
		t.Errorf("status = %s (%q), want pending with no error", doc.IndexStatus, doc.IndexError)
	}
}

func TestDeletePatient(t *testing.T) {
	idx, store := testIndexer(t, nil, Options{})
	ctx := context.Background()

	if _, err := idx.IndexDocument(ctx, input(1, 10, words(12, "x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.IndexDocument(ctx, input(2, 20, words(12, "y"))); err != nil {
		t.Fatal(err)
	}
	if err := idx.DeletePatient(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if err := idx.DeletePatient(ctx, 10); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
	if chunks, _ := store.GetChunksByDocumentID(ctx, 1); len(chunks) != 0 {
		t.Errorf("patient 10 chunks survived: %d", len(chunks))
	}
	if chunks, _ := store.GetChunksByDocumentID(ctx, 2); len(chunks) != 2 {
		t.Errorf("patient 20 chunks = %d, want 2", len(chunks))
	}
}

func TestDeleteExtraction_keepsChunks(t *testing.T) {
	idx, store := testIndexer(t, nil, Options{})
	ctx := context.Background()

	if _, err := idx.IndexDocument(ctx, input(1, 10, words(12, "e"))); err != nil {
		t.Fatal(err)
	}
	if err := idx.DeleteExtraction(ctx, 100); err != nil {
		t.Fatal(err)
	}
	chunks, err := store.GetChunksByDocumentID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for _, ch := range chunks {
		if ch.ExtractionID != nil {
			t.Errorf("chunk %d still references extraction %d", ch.ChunkIndex, *ch.ExtractionID)
		}
	}
}
