package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hyperjump/medrag/internal/models"
)

// ivfflat indexes are limited to 2000 dimensions by pgvector.
const ivfflatMaxDims = 2000

// PostgresOptions configures a PostgresStore.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
	// IVFFlatLists > 0 creates an ivfflat cosine index used by QueryApproximate.
	IVFFlatLists  int
	IVFFlatProbes int
}

var (
	_ Store               = (*PostgresStore)(nil)
	_ ApproximateSearcher = (*PostgresStore)(nil)
)

// PostgresStore implements Store and ApproximateSearcher on PostgreSQL with
// the pgvector extension.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dims   int
	probes int
}

// NewPostgresStore connects to PostgreSQL, installs the vector extension and
// the schema, and checks the stored embedding dimensionality.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dims)
	}
	if opts.IVFFlatLists > 0 && dims > ivfflatMaxDims {
		return nil, fmt.Errorf("ivfflat supports at most %d dimensions, embeddings have %d", ivfflatMaxDims, dims)
	}

	// The extension must exist before pooled connections register its types.
	conn, err := pgx.Connect(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	_ = conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := &PostgresStore{pool: pool, dims: dims, probes: opts.IVFFlatProbes}
	if err := s.initSchema(ctx, opts.IVFFlatLists); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkDimensions(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context, lists int) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patients (
		id BIGINT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS documents (
		id BIGINT PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		document_type TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		upload_date TIMESTAMPTZ NOT NULL,
		extraction_id BIGINT,
		extraction_method TEXT NOT NULL DEFAULT '',
		source_text TEXT NOT NULL,
		index_status TEXT NOT NULL DEFAULT 'pending',
		index_error TEXT NOT NULL DEFAULT '',
		indexed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (id, patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents(patient_id);

	CREATE TABLE IF NOT EXISTS extractions (
		id BIGINT PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		extraction_method TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'documents_extraction_fk') THEN
			ALTER TABLE documents ADD CONSTRAINT documents_extraction_fk
				FOREIGN KEY (extraction_id) REFERENCES extractions(id) ON DELETE SET NULL;
		END IF;
	END $$;

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		document_id BIGINT NOT NULL,
		extraction_id BIGINT REFERENCES extractions(id) ON DELETE SET NULL,
		chunk_text TEXT NOT NULL CHECK (length(chunk_text) > 0),
		chunk_index INTEGER NOT NULL CHECK (chunk_index >= 0),
		chunk_start_token INTEGER NOT NULL DEFAULT 0,
		chunk_end_token INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		document_type TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		upload_date TIMESTAMPTZ NOT NULL,
		extraction_method TEXT NOT NULL DEFAULT '',
		embedding vector(%d) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ,
		FOREIGN KEY (document_id, patient_id) REFERENCES documents(id, patient_id) ON DELETE CASCADE,
		UNIQUE (document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_patient ON document_chunks(patient_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_patient_document ON document_chunks(patient_id, document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_extraction ON document_chunks(extraction_id);
	`, s.dims)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}
	if lists > 0 {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_ivfflat ON document_chunks
			 USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, lists))
		return err
	}
	return nil
}

func (s *PostgresStore) checkDimensions(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO store_meta (key, value) VALUES ('embedding_dimensions', $1) ON CONFLICT (key) DO NOTHING`,
		strconv.Itoa(s.dims),
	); err != nil {
		return fmt.Errorf("failed to record embedding dimensions: %w", err)
	}
	var stored string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_dimensions'`).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read embedding dimensions: %w", err)
	}
	if stored != strconv.Itoa(s.dims) {
		return fmt.Errorf("database holds %s-dimensional embeddings, configured model produces %d: %w", stored, s.dims, models.ErrConsistency)
	}
	return nil
}

// Dimensions returns the embedding dimensionality of stored chunks.
func (s *PostgresStore) Dimensions() int { return s.dims }

// RegisterDocument upserts the patient, the document and its extraction.
func (s *PostgresStore) RegisterDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner int64
		err := tx.QueryRow(ctx, `SELECT patient_id FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).Scan(&owner)
		switch {
		case err == nil && owner != doc.PatientID:
			return models.Invalidf("document %d belongs to patient %d, not %d", doc.ID, owner, doc.PatientID)
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO patients (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			doc.PatientID, now,
		); err != nil {
			return mapPgError(err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (id, patient_id, document_type, original_filename, upload_date,
				extraction_method, source_text, index_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			 ON CONFLICT (id) DO UPDATE SET
				document_type = EXCLUDED.document_type,
				original_filename = EXCLUDED.original_filename,
				upload_date = EXCLUDED.upload_date,
				extraction_method = EXCLUDED.extraction_method,
				source_text = EXCLUDED.source_text,
				updated_at = EXCLUDED.updated_at`,
			doc.ID, doc.PatientID, doc.DocumentType, doc.OriginalFilename, doc.UploadDate.UTC(),
			doc.ExtractionMethod, doc.SourceText, string(models.IndexStatusPending), now,
		); err != nil {
			return mapPgError(err)
		}

		if doc.ExtractionID != nil {
			var extDoc int64
			err := tx.QueryRow(ctx, `SELECT document_id FROM extractions WHERE id = $1`, *doc.ExtractionID).Scan(&extDoc)
			switch {
			case err == nil && extDoc != doc.ID:
				return models.Invalidf("extraction %d belongs to document %d, not %d", *doc.ExtractionID, extDoc, doc.ID)
			case errors.Is(err, pgx.ErrNoRows):
				if _, err := tx.Exec(ctx,
					`INSERT INTO extractions (id, document_id, extraction_method, created_at) VALUES ($1, $2, $3, $4)`,
					*doc.ExtractionID, doc.ID, doc.ExtractionMethod, now,
				); err != nil {
					return mapPgError(err)
				}
			case err != nil:
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE documents SET extraction_id = $1 WHERE id = $2`, doc.ExtractionID, doc.ID)
		return mapPgError(err)
	})
}

const pgDocumentColumns = `id, patient_id, document_type, original_filename, upload_date, extraction_id,
	extraction_method, index_status, index_error, indexed_at, created_at, updated_at`

func scanPgDocument(row pgx.Row, extra ...any) (*models.Document, error) {
	var doc models.Document
	var status string
	dest := []any{&doc.ID, &doc.PatientID, &doc.DocumentType, &doc.OriginalFilename, &doc.UploadDate,
		&doc.ExtractionID, &doc.ExtractionMethod, &status, &doc.IndexError, &doc.IndexedAt, &doc.CreatedAt, &doc.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	doc.IndexStatus = models.IndexStatus(status)
	return &doc, nil
}

// GetDocument returns a document registry row without its source text.
func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := scanPgDocument(s.pool.QueryRow(ctx, `SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, models.ErrNotFound)
	}
	return doc, err
}

// GetDocumentSource returns a document including its source text.
func (s *PostgresStore) GetDocumentSource(ctx context.Context, id int64) (*models.Document, error) {
	var text string
	doc, err := scanPgDocument(s.pool.QueryRow(ctx,
		`SELECT `+pgDocumentColumns+`, source_text FROM documents WHERE id = $1`, id), &text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.SourceText = text
	return doc, nil
}

// ListDocuments returns a patient's documents, most recently uploaded first.
func (s *PostgresStore) ListDocuments(ctx context.Context, patientID int64) ([]*models.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents WHERE patient_id = $1 ORDER BY upload_date DESC, id`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetIndexStatus records the indexing state of a document.
func (s *PostgresStore) SetIndexStatus(ctx context.Context, documentID int64, status models.IndexStatus, message string) error {
	now := time.Now().UTC()
	var indexedAt *time.Time
	if status == models.IndexStatusIndexed {
		indexedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET index_status = $1, index_error = $2,
			indexed_at = COALESCE($3, indexed_at), updated_at = $4
		 WHERE id = $5`,
		string(status), message, indexedAt, now, documentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", documentID, models.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document and, by cascade, its chunks and extractions.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64) error {
	return s.deleteOne(ctx, `DELETE FROM documents WHERE id = $1`, id, "document")
}

// DeletePatient removes a patient and, by cascade, everything it owns.
func (s *PostgresStore) DeletePatient(ctx context.Context, patientID int64) error {
	return s.deleteOne(ctx, `DELETE FROM patients WHERE id = $1`, patientID, "patient")
}

// DeleteExtraction removes an extraction; references to it become NULL.
func (s *PostgresStore) DeleteExtraction(ctx context.Context, id int64) error {
	return s.deleteOne(ctx, `DELETE FROM extractions WHERE id = $1`, id, "extraction")
}

func (s *PostgresStore) deleteOne(ctx context.Context, query string, id int64, what string) error {
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, id, models.ErrNotFound)
	}
	return nil
}

// ReplaceChunksForDocument atomically swaps the document's chunk set. The
// document row is locked for the duration, so a concurrent delete either
// waits for the commit and cascades the new chunks or wins and this fails
// with ErrNotFound.
func (s *PostgresStore) ReplaceChunksForDocument(ctx context.Context, documentID int64, chunks []*models.Chunk) error {
	if err := validateChunks(documentID, chunks, s.dims); err != nil {
		return err
	}
	now := time.Now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var patientID int64
		err := tx.QueryRow(ctx, `SELECT patient_id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&patientID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("document %d was deleted: %w", documentID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if len(chunks) > 0 && chunks[0].PatientID != patientID {
			return fmt.Errorf("chunks carry patient %d, document %d belongs to %d: %w",
				chunks[0].PatientID, documentID, patientID, models.ErrConsistency)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
			return mapPgError(err)
		}

		batch := &pgx.Batch{}
		for _, ch := range chunks {
			batch.Queue(
				`INSERT INTO document_chunks (id, patient_id, document_id, extraction_id, chunk_text, chunk_index,
					chunk_start_token, chunk_end_token, total_tokens, document_type, original_filename,
					upload_date, extraction_method, embedding, created_at)
				 VALUES ($1, $2, $3, (SELECT id FROM extractions WHERE id = $4), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				ch.ID, ch.PatientID, ch.DocumentID, ch.ExtractionID, ch.ChunkText, ch.ChunkIndex,
				ch.ChunkStartToken, ch.ChunkEndToken, ch.TotalTokens, ch.DocumentType, ch.OriginalFilename,
				ch.UploadDate.UTC(), ch.ExtractionMethod, pgvector.NewVector(ch.Embedding), now,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapPgError(err)
		}
		for _, ch := range chunks {
			ch.CreatedAt = now
		}
		return nil
	})
}

// DeleteChunksForDocument removes all chunks of a document.
func (s *PostgresStore) DeleteChunksForDocument(ctx context.Context, documentID int64) (int64, error) {
	return s.execCount(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
}

// DeleteChunksForPatient removes all chunks of a patient.
func (s *PostgresStore) DeleteChunksForPatient(ctx context.Context, patientID int64) (int64, error) {
	return s.execCount(ctx, `DELETE FROM document_chunks WHERE patient_id = $1`, patientID)
}

// ClearExtractionReference nulls the extraction reference on dependent chunks.
func (s *PostgresStore) ClearExtractionReference(ctx context.Context, extractionID int64) (int64, error) {
	return s.execCount(ctx,
		`UPDATE document_chunks SET extraction_id = NULL, updated_at = $1 WHERE extraction_id = $2`,
		time.Now().UTC(), extractionID)
}

func (s *PostgresStore) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapPgError(err)
	}
	return tag.RowsAffected(), nil
}

func scanPgChunk(row pgx.Row, extra ...any) (*models.Chunk, error) {
	var ch models.Chunk
	var emb pgvector.Vector
	dest := []any{&ch.ID, &ch.PatientID, &ch.DocumentID, &ch.ExtractionID, &ch.ChunkText, &ch.ChunkIndex,
		&ch.ChunkStartToken, &ch.ChunkEndToken, &ch.TotalTokens, &ch.DocumentType, &ch.OriginalFilename,
		&ch.UploadDate, &ch.ExtractionMethod, &emb, &ch.CreatedAt, &ch.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	ch.Embedding = emb.Slice()
	return &ch, nil
}

func (s *PostgresStore) queryChunks(ctx context.Context, q pgxQuerier, query string, args ...any) ([]*models.Chunk, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		ch, err := scanPgChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *PostgresStore) GetChunksByDocumentID(ctx context.Context, documentID int64) ([]*models.Chunk, error) {
	return s.queryChunks(ctx, s.pool,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index`,
		documentID)
}

// GetChunksByIDs returns the chunks among ids that belong to patientID.
func (s *PostgresStore) GetChunksByIDs(ctx context.Context, patientID int64, ids []string) ([]*models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryChunks(ctx, s.pool,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE patient_id = $1 AND id = ANY($2)`,
		patientID, ids)
}

// ChunkVectors returns id and embedding of every chunk of a patient.
func (s *PostgresStore) ChunkVectors(ctx context.Context, patientID int64) ([]ChunkVector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, embedding FROM document_chunks
		 WHERE patient_id = $1 ORDER BY document_id, chunk_index`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var cv ChunkVector
		var emb pgvector.Vector
		if err := rows.Scan(&cv.ID, &cv.DocumentID, &emb); err != nil {
			return nil, err
		}
		cv.Vector = emb.Slice()
		out = append(out, cv)
	}
	return out, rows.Err()
}

func nearestSQL(q models.NearestQuery) (string, []any) {
	var where strings.Builder
	args := []any{pgvector.NewVector(q.Vector), q.PatientID}
	where.WriteString(`patient_id = $2`)
	if q.Filters.DocumentType != "" {
		args = append(args, q.Filters.DocumentType)
		fmt.Fprintf(&where, ` AND document_type = $%d`, len(args))
	}
	if q.Filters.DocumentID != nil {
		args = append(args, *q.Filters.DocumentID)
		fmt.Fprintf(&where, ` AND document_id = $%d`, len(args))
	}
	args = append(args, q.TopK)
	query := `SELECT ` + chunkColumns + `, embedding <=> $1 AS distance
		FROM document_chunks
		WHERE ` + where.String() + `
		ORDER BY distance ASC, upload_date DESC, document_id ASC, chunk_index ASC
		LIMIT $` + strconv.Itoa(len(args))
	return query, args
}

// QueryNearest returns the exact top_k chunks of one patient. Index scans are
// disabled for the transaction so an ivfflat index cannot drop candidates.
func (s *PostgresStore) QueryNearest(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error) {
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	return s.nearestIn(ctx, `SET LOCAL enable_indexscan = off`, q)
}

// QueryApproximate uses the ivfflat index when one exists. The patient filter
// is applied to index candidates, so fewer than top_k rows may come back.
func (s *PostgresStore) QueryApproximate(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error) {
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	setup := ""
	if s.probes > 0 {
		setup = fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, s.probes)
	}
	return s.nearestIn(ctx, setup, q)
}

func (s *PostgresStore) nearestIn(ctx context.Context, setup string, q models.NearestQuery) ([]*models.RetrievedChunk, error) {
	query, args := nearestSQL(q)
	var out []*models.RetrievedChunk
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if setup != "" {
			if _, err := tx.Exec(ctx, setup); err != nil {
				return err
			}
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var distance float64
			ch, err := scanPgChunk(rows, &distance)
			if err != nil {
				return err
			}
			out = append(out, &models.RetrievedChunk{
				Chunk:      *ch,
				Distance:   distance,
				Similarity: models.SimilarityFromDistance(distance),
			})
		}
		return rows.Err()
	})
	return out, err
}

// PatientStats counts a patient's chunks and documents.
func (s *PostgresStore) PatientStats(ctx context.Context, patientID int64) (*models.PatientStats, error) {
	stats := &models.PatientStats{PatientID: patientID}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM document_chunks WHERE patient_id = $1`,
		patientID,
	).Scan(&stats.TotalChunks, &stats.TotalDocuments); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE index_status = 'indexed'), COUNT(*) FILTER (WHERE index_status = 'failed')
		 FROM documents WHERE patient_id = $1`,
		patientID,
	).Scan(&stats.IndexedDocuments, &stats.FailedDocuments); err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// mapPgError classifies integrity constraint violations (SQLSTATE class 23)
// as consistency failures.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %w", pgErr.Message, models.ErrConsistency)
	}
	return err
}
