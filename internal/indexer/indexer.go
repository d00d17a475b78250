package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/medrag/internal/embedding"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/storage"
)

// Options configures chunking and the reindex worker pool.
type Options struct {
	Unit         Unit
	ChunkSize    int
	ChunkOverlap int
	// MinChunkSize bounds the re-chunking done when the embedding model
	// rejects a chunk as too long.
	MinChunkSize int
	Workers      int
}

// Invalidator is notified after a patient's chunk set changes.
type Invalidator interface {
	Invalidate(patientID int64)
}

// Indexer turns extracted document text into embedded, stored chunks. The
// same document is never indexed twice at once; different documents are
// processed concurrently.
type Indexer struct {
	store        storage.Store
	embedder     embedding.Embedder
	chunker      *Chunker
	minChunkSize int
	workers      int
	locker       Locker
	invalidator  Invalidator
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[int64]map[*job]struct{}
}

type job struct {
	patientID int64
	cancel    context.CancelFunc
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithLocker replaces the in-process document lock, e.g. with a RedisLocker
// when several replicas index into the same store.
func WithLocker(l Locker) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.locker = l
		}
	}
}

// WithInvalidator registers the component caching per-patient search state.
func WithInvalidator(inv Invalidator) IndexerOption {
	return func(idx *Indexer) { idx.invalidator = inv }
}

// NewIndexer creates an indexer. embedder should already apply batching and
// retry policy (see embedding.BatchEmbedder).
func NewIndexer(store storage.Store, embedder embedding.Embedder, opts Options, options ...IndexerOption) (*Indexer, error) {
	if opts.Unit == "" {
		opts.Unit = UnitTokens
	}
	chunker, err := NewChunker(opts.Unit, opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if opts.MinChunkSize <= 0 || opts.MinChunkSize > opts.ChunkSize {
		opts.MinChunkSize = max(1, opts.ChunkSize/8)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	idx := &Indexer{
		store:        store,
		embedder:     embedder,
		chunker:      chunker,
		minChunkSize: opts.MinChunkSize,
		workers:      opts.Workers,
		locker:       NewMemoryLocker(),
		logger:       zap.NewNop(),
		inflight:     make(map[int64]map[*job]struct{}),
	}
	for _, o := range options {
		o(idx)
	}
	return idx, nil
}

// IndexDocument registers the document and replaces its chunks with ones
// derived from in.Text. A document already indexed from the same text and
// extraction is skipped unless in.ForceReindex is set. The skip check and the
// registration run under the document lock, after any earlier job for the
// same document has finished.
func (idx *Indexer) IndexDocument(ctx context.Context, in *models.DocumentInput) (*models.IndexResult, error) {
	start := time.Now()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	jobCtx, release, err := idx.acquire(ctx, in.DocumentID, in.PatientID)
	if err != nil {
		return nil, err
	}
	defer release()

	if !in.ForceReindex {
		existing, err := idx.store.GetDocumentSource(jobCtx, in.DocumentID)
		if err == nil && existing.IndexStatus == models.IndexStatusIndexed &&
			existing.PatientID == in.PatientID &&
			existing.SourceText == in.Text &&
			sameExtraction(existing.ExtractionID, in.ExtractionID) {
			idx.logger.Debug("Document already indexed, skipping", zap.Int64("document_id", in.DocumentID))
			return &models.IndexResult{
				DocumentID: in.DocumentID,
				PatientID:  in.PatientID,
				Status:     models.IndexStatusIndexed,
				Skipped:    true,
				Duration:   time.Since(start),
			}, nil
		}
	}

	doc := in.Document()
	if err := idx.store.RegisterDocument(jobCtx, doc); err != nil {
		return nil, fmt.Errorf("registering %s: %w", in, err)
	}
	return idx.index(jobCtx, doc, start)
}

// ReindexDocument re-derives a document's chunks from its stored source text.
// The text is read under the document lock so a concurrent IndexDocument
// cannot swap it out mid-job.
func (idx *Indexer) ReindexDocument(ctx context.Context, documentID int64) (*models.IndexResult, error) {
	start := time.Now()
	meta, err := idx.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	jobCtx, release, err := idx.acquire(ctx, documentID, meta.PatientID)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := idx.store.GetDocumentSource(jobCtx, documentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.SourceText) == "" {
		return nil, models.Invalidf("document %d has no extracted text to re-index", documentID)
	}
	return idx.index(jobCtx, doc, start)
}

// ReindexPatient re-indexes every document of a patient on the worker pool.
// Individual failures are counted, not returned; only cancellation aborts.
func (idx *Indexer) ReindexPatient(ctx context.Context, patientID int64) (*models.ReindexResult, error) {
	docs, err := idx.store.ListDocuments(ctx, patientID)
	if err != nil {
		return nil, err
	}
	result := &models.ReindexResult{PatientID: patientID, Errors: make(map[int64]string)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(idx.workers)
	for _, d := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := idx.ReindexDocument(ctx, d.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Indexed++
				result.TotalChunks += res.ChunkCount
			case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrNotFound):
				// no source text, or deleted while queued
				result.Skipped++
			default:
				result.Failed++
				result.Errors[d.ID] = err.Error()
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	idx.logger.Info("Patient re-indexed",
		zap.Int64("patient_id", patientID),
		zap.Int("indexed", result.Indexed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("chunks", result.TotalChunks))
	return result, nil
}

// index runs chunk, embed and replace for a registered document. The caller
// holds the document lock.
func (idx *Indexer) index(jobCtx context.Context, doc *models.Document, start time.Time) (*models.IndexResult, error) {
	if err := idx.store.SetIndexStatus(jobCtx, doc.ID, models.IndexStatusIndexing, ""); err != nil {
		return nil, err
	}

	chunks, size, err := idx.chunkAndEmbed(jobCtx, doc)
	if err == nil {
		err = idx.store.ReplaceChunksForDocument(jobCtx, doc.ID, chunks)
	}
	if err != nil {
		idx.markFailed(doc, err)
		return nil, err
	}

	if err := idx.store.SetIndexStatus(jobCtx, doc.ID, models.IndexStatusIndexed, ""); err != nil {
		return nil, err
	}
	idx.invalidate(doc.PatientID)

	result := &models.IndexResult{
		DocumentID: doc.ID,
		PatientID:  doc.PatientID,
		Status:     models.IndexStatusIndexed,
		ChunkCount: len(chunks),
		ChunkSize:  size,
		Duration:   time.Since(start),
	}
	idx.logger.Info("Document indexed",
		zap.Int64("document_id", doc.ID),
		zap.Int64("patient_id", doc.PatientID),
		zap.Int("chunks", result.ChunkCount),
		zap.Int("chunk_size", size),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// chunkAndEmbed chunks the source text and embeds every chunk. When the model
// reports an input as too long the whole document is re-chunked at half the
// window size, down to minChunkSize.
func (idx *Indexer) chunkAndEmbed(ctx context.Context, doc *models.Document) ([]*models.Chunk, int, error) {
	chunker := idx.chunker
	for {
		chunks, err := chunker.Chunk(doc.SourceText)
		if err != nil {
			return nil, 0, err
		}
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = Preprocess(ch.ChunkText)
		}

		vecs, err := idx.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			for i, ch := range chunks {
				ch.PatientID = doc.PatientID
				ch.DocumentID = doc.ID
				ch.ExtractionID = doc.ExtractionID
				ch.DocumentType = doc.DocumentType
				ch.OriginalFilename = doc.OriginalFilename
				ch.UploadDate = doc.UploadDate
				ch.ExtractionMethod = doc.ExtractionMethod
				ch.Embedding = vecs[i]
			}
			return chunks, chunker.Size(), nil
		}
		if !errors.Is(err, models.ErrInputTooLong) {
			return nil, 0, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
		}

		next := chunker.Size() / 2
		if next < idx.minChunkSize {
			return nil, 0, fmt.Errorf("chunks exceed the model limit even at size %d: %w", chunker.Size(), err)
		}
		idx.logger.Warn("Chunk too long for embedding model, re-chunking",
			zap.Int64("document_id", doc.ID),
			zap.Int("from_size", chunker.Size()),
			zap.Int("to_size", next))
		if chunker, err = chunker.WithSize(next); err != nil {
			return nil, 0, err
		}
	}
}

// markFailed records the failure on the document row. It uses a fresh
// context because the job context may be the reason for the failure.
func (idx *Indexer) markFailed(doc *models.Document, cause error) {
	idx.logger.Warn("Document indexing failed",
		zap.Int64("document_id", doc.ID),
		zap.Int64("patient_id", doc.PatientID),
		zap.Error(cause))
	if errors.Is(cause, models.ErrNotFound) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.store.SetIndexStatus(ctx, doc.ID, models.IndexStatusFailed, cause.Error()); err != nil && !errors.Is(err, models.ErrNotFound) {
		idx.logger.Error("Failed to record index failure", zap.Int64("document_id", doc.ID), zap.Error(err))
	}
}

// DeleteDocument cancels in-flight indexing of the document and deletes it;
// its chunks go with it by cascade.
func (idx *Indexer) DeleteDocument(ctx context.Context, documentID int64) error {
	doc, err := idx.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	idx.cancelWhere(func(id int64, _ *job) bool { return id == documentID })
	if err := idx.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	idx.invalidate(doc.PatientID)
	idx.logger.Info("Document deleted", zap.Int64("document_id", documentID), zap.Int64("patient_id", doc.PatientID))
	return nil
}

// DeletePatient cancels in-flight indexing for the patient and deletes the
// patient with all documents and chunks.
func (idx *Indexer) DeletePatient(ctx context.Context, patientID int64) error {
	idx.cancelWhere(func(_ int64, j *job) bool { return j.patientID == patientID })
	if err := idx.store.DeletePatient(ctx, patientID); err != nil {
		return err
	}
	idx.invalidate(patientID)
	idx.logger.Info("Patient deleted", zap.Int64("patient_id", patientID))
	return nil
}

// DeletePatientChunks removes a patient's vector data but keeps the document
// registry, which is reset to pending so it can be re-indexed. In-flight jobs
// are cancelled and every document lock is held while chunks are deleted and
// statuses reset, so a cancelled job cannot record its failure afterwards.
func (idx *Indexer) DeletePatientChunks(ctx context.Context, patientID int64) (int64, error) {
	idx.cancelWhere(func(_ int64, j *job) bool { return j.patientID == patientID })
	docs, err := idx.store.ListDocuments(ctx, patientID)
	if err != nil {
		return 0, err
	}
	for _, d := range docs {
		unlock, err := idx.locker.Lock(ctx, d.ID)
		if err != nil {
			return 0, fmt.Errorf("locking document %d: %w", d.ID, err)
		}
		defer unlock()
	}

	n, err := idx.store.DeleteChunksForPatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	idx.invalidate(patientID)
	for _, d := range docs {
		if err := idx.store.SetIndexStatus(ctx, d.ID, models.IndexStatusPending, ""); err != nil && !errors.Is(err, models.ErrNotFound) {
			return n, err
		}
	}
	idx.logger.Info("Patient chunks deleted", zap.Int64("patient_id", patientID), zap.Int64("chunks", n))
	return n, nil
}

// DeleteExtraction deletes an extraction record. Chunks derived from it stay
// and lose their reference; an in-flight index of the same document stores a
// NULL reference instead.
func (idx *Indexer) DeleteExtraction(ctx context.Context, extractionID int64) error {
	if err := idx.store.DeleteExtraction(ctx, extractionID); err != nil {
		return err
	}
	idx.logger.Info("Extraction deleted", zap.Int64("extraction_id", extractionID))
	return nil
}

// Active returns the number of documents currently being indexed.
func (idx *Indexer) Active() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.inflight)
}

// acquire registers an in-flight job for the document and takes its lock. The
// returned context is cancelled by DeleteDocument, DeletePatient and
// DeletePatientChunks; release drops the lock and the job.
func (idx *Indexer) acquire(ctx context.Context, documentID, patientID int64) (context.Context, func(), error) {
	jobCtx, done := idx.track(ctx, documentID, patientID)
	unlock, err := idx.locker.Lock(jobCtx, documentID)
	if err != nil {
		done()
		return nil, nil, fmt.Errorf("locking document %d: %w", documentID, err)
	}
	return jobCtx, func() {
		unlock()
		done()
	}, nil
}

func (idx *Indexer) track(ctx context.Context, documentID, patientID int64) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{patientID: patientID, cancel: cancel}
	idx.mu.Lock()
	if idx.inflight[documentID] == nil {
		idx.inflight[documentID] = make(map[*job]struct{})
	}
	idx.inflight[documentID][j] = struct{}{}
	idx.mu.Unlock()

	return jobCtx, func() {
		idx.mu.Lock()
		delete(idx.inflight[documentID], j)
		if len(idx.inflight[documentID]) == 0 {
			delete(idx.inflight, documentID)
		}
		idx.mu.Unlock()
		cancel()
	}
}

func (idx *Indexer) cancelWhere(match func(documentID int64, j *job) bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, jobs := range idx.inflight {
		for j := range jobs {
			if match(id, j) {
				j.cancel()
			}
		}
	}
}

func (idx *Indexer) invalidate(patientID int64) {
	if idx.invalidator != nil {
		idx.invalidator.Invalidate(patientID)
	}
}

func sameExtraction(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
