package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/vector"
)

const sqliteDriverName = "sqlite3_medrag"

var registerDriverOnce sync.Once

// registerSQLiteDriver registers a go-sqlite3 driver whose connections carry
// a cosine_distance(blob, blob) SQL function, so distance and the patient
// filter are evaluated in one statement.
func registerSQLiteDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("cosine_distance", vector.BlobCosineDistance, true)
			},
		})
	})
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Foreign keys are enforced on
// every connection and write transactions take the database lock at BEGIN.
type SQLiteStore struct {
	db   *sql.DB
	path string
	dims int
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. dims is the embedding
// dimensionality; opening a database created with a different value fails.
func NewSQLiteStore(dbPath string, dims int) (*SQLiteStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dims)
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	registerSQLiteDriver()
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate", dbPath)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := checkDimensions(db, dims); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: dbPath, dims: dims}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY,
		patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		document_type TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		upload_date TIMESTAMP NOT NULL,
		extraction_id INTEGER REFERENCES extractions(id) ON DELETE SET NULL,
		extraction_method TEXT NOT NULL DEFAULT '',
		source_text TEXT NOT NULL,
		index_status TEXT NOT NULL DEFAULT 'pending',
		index_error TEXT NOT NULL DEFAULT '',
		indexed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (id, patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents(patient_id);

	CREATE TABLE IF NOT EXISTS extractions (
		id INTEGER PRIMARY KEY,
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		extraction_method TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_extractions_document ON extractions(document_id);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		document_id INTEGER NOT NULL,
		extraction_id INTEGER REFERENCES extractions(id) ON DELETE SET NULL,
		chunk_text TEXT NOT NULL CHECK (length(chunk_text) > 0),
		chunk_index INTEGER NOT NULL CHECK (chunk_index >= 0),
		chunk_start_token INTEGER,
		chunk_end_token INTEGER,
		total_tokens INTEGER,
		document_type TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		upload_date TIMESTAMP NOT NULL,
		extraction_method TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP,
		FOREIGN KEY (document_id, patient_id) REFERENCES documents(id, patient_id) ON DELETE CASCADE,
		UNIQUE (document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_patient ON document_chunks(patient_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_patient_document ON document_chunks(patient_id, document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_extraction ON document_chunks(extraction_id);
	`
	_, err := db.Exec(schema)
	return err
}

func checkDimensions(db *sql.DB, dims int) error {
	if _, err := db.Exec(`INSERT OR IGNORE INTO store_meta (key, value) VALUES ('embedding_dimensions', ?)`, strconv.Itoa(dims)); err != nil {
		return fmt.Errorf("failed to record embedding dimensions: %w", err)
	}
	var stored string
	if err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'embedding_dimensions'`).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read embedding dimensions: %w", err)
	}
	if stored != strconv.Itoa(dims) {
		return fmt.Errorf("database holds %s-dimensional embeddings, configured model produces %d: %w", stored, dims, models.ErrConsistency)
	}
	return nil
}

// Dimensions returns the embedding dimensionality of stored chunks.
func (s *SQLiteStore) Dimensions() int { return s.dims }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// RegisterDocument upserts the patient, the document row (including its
// current source text) and, when set, the extraction it came from. A document
// cannot move to another patient.
func (s *SQLiteStore) RegisterDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT patient_id FROM documents WHERE id = ?`, doc.ID).Scan(&owner)
	switch {
	case err == nil && owner != doc.PatientID:
		return models.Invalidf("document %d belongs to patient %d, not %d", doc.ID, owner, doc.PatientID)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patients (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		doc.PatientID, now,
	); err != nil {
		return mapSQLiteError(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, patient_id, document_type, original_filename, upload_date,
			extraction_method, source_text, index_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			document_type = excluded.document_type,
			original_filename = excluded.original_filename,
			upload_date = excluded.upload_date,
			extraction_method = excluded.extraction_method,
			source_text = excluded.source_text,
			updated_at = excluded.updated_at`,
		doc.ID, doc.PatientID, doc.DocumentType, doc.OriginalFilename, doc.UploadDate.UTC(),
		doc.ExtractionMethod, doc.SourceText, models.IndexStatusPending, now, now,
	); err != nil {
		return mapSQLiteError(err)
	}

	if doc.ExtractionID != nil {
		var extDoc int64
		err := tx.QueryRowContext(ctx, `SELECT document_id FROM extractions WHERE id = ?`, *doc.ExtractionID).Scan(&extDoc)
		switch {
		case err == nil && extDoc != doc.ID:
			return models.Invalidf("extraction %d belongs to document %d, not %d", *doc.ExtractionID, extDoc, doc.ID)
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO extractions (id, document_id, extraction_method, created_at) VALUES (?, ?, ?, ?)`,
				*doc.ExtractionID, doc.ID, doc.ExtractionMethod, now,
			); err != nil {
				return mapSQLiteError(err)
			}
		case err != nil:
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET extraction_id = ? WHERE id = ?`, doc.ExtractionID, doc.ID); err != nil {
		return mapSQLiteError(err)
	}
	return tx.Commit()
}

const documentColumns = `id, patient_id, document_type, original_filename, upload_date, extraction_id,
	extraction_method, index_status, index_error, indexed_at, created_at, updated_at`

func scanDocument(row rowScanner, extra ...any) (*models.Document, error) {
	var doc models.Document
	var extractionID sql.NullInt64
	var indexedAt sql.NullTime
	var status string
	dest := []any{&doc.ID, &doc.PatientID, &doc.DocumentType, &doc.OriginalFilename, &doc.UploadDate,
		&extractionID, &doc.ExtractionMethod, &status, &doc.IndexError, &indexedAt, &doc.CreatedAt, &doc.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	doc.IndexStatus = models.IndexStatus(status)
	if extractionID.Valid {
		doc.ExtractionID = &extractionID.Int64
	}
	if indexedAt.Valid {
		doc.IndexedAt = &indexedAt.Time
	}
	return &doc, nil
}

// GetDocument returns a document registry row without its source text.
func (s *SQLiteStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, models.ErrNotFound)
	}
	return doc, err
}

// GetDocumentSource returns a document including the source text chunks are derived from.
func (s *SQLiteStore) GetDocumentSource(ctx context.Context, id int64) (*models.Document, error) {
	var text string
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, source_text FROM documents WHERE id = ?`, id), &text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.SourceText = text
	return doc, nil
}

// ListDocuments returns a patient's documents, most recently uploaded first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, patientID int64) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE patient_id = ? ORDER BY upload_date DESC, id`,
		patientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetIndexStatus records the indexing state of a document.
func (s *SQLiteStore) SetIndexStatus(ctx context.Context, documentID int64, status models.IndexStatus, message string) error {
	now := time.Now().UTC()
	var indexedAt any
	if status == models.IndexStatusIndexed {
		indexedAt = now
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET index_status = ?, index_error = ?,
			indexed_at = COALESCE(?, indexed_at), updated_at = ?
		 WHERE id = ?`,
		string(status), message, indexedAt, now, documentID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d: %w", documentID, models.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document; its chunks and extractions go with it
// through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id int64) error {
	return s.deleteOne(ctx, `DELETE FROM documents WHERE id = ?`, id, "document")
}

// DeletePatient removes a patient and, by cascade, all documents and chunks.
func (s *SQLiteStore) DeletePatient(ctx context.Context, patientID int64) error {
	return s.deleteOne(ctx, `DELETE FROM patients WHERE id = ?`, patientID, "patient")
}

// DeleteExtraction removes an extraction; chunk and document references to it
// become NULL through ON DELETE SET NULL and the chunks stay.
func (s *SQLiteStore) DeleteExtraction(ctx context.Context, id int64) error {
	return s.deleteOne(ctx, `DELETE FROM extractions WHERE id = ?`, id, "extraction")
}

func (s *SQLiteStore) deleteOne(ctx context.Context, query string, id int64, what string) error {
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, models.ErrNotFound)
	}
	return nil
}

// ReplaceChunksForDocument atomically swaps the document's chunk set. Readers
// see either the old or the new set. Fails with ErrNotFound, writing nothing,
// if the document no longer exists.
func (s *SQLiteStore) ReplaceChunksForDocument(ctx context.Context, documentID int64, chunks []*models.Chunk) error {
	if err := validateChunks(documentID, chunks, s.dims); err != nil {
		return err
	}

	// _txlock=immediate: the write lock is held from BEGIN to COMMIT, so no
	// delete can land between the existence check and the commit.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var patientID int64
	err = tx.QueryRowContext(ctx, `SELECT patient_id FROM documents WHERE id = ?`, documentID).Scan(&patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %d was deleted: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if len(chunks) > 0 && chunks[0].PatientID != patientID {
		return fmt.Errorf("chunks carry patient %d, document %d belongs to %d: %w",
			chunks[0].PatientID, documentID, patientID, models.ErrConsistency)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return mapSQLiteError(err)
	}

	// An extraction deleted while the document was being indexed resolves to NULL.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (id, patient_id, document_id, extraction_id, chunk_text, chunk_index,
			chunk_start_token, chunk_end_token, total_tokens, document_type, original_filename,
			upload_date, extraction_method, embedding, created_at)
		 VALUES (?, ?, ?, (SELECT id FROM extractions WHERE id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.PatientID, ch.DocumentID, ch.ExtractionID, ch.ChunkText, ch.ChunkIndex,
			ch.ChunkStartToken, ch.ChunkEndToken, ch.TotalTokens, ch.DocumentType, ch.OriginalFilename,
			ch.UploadDate.UTC(), ch.ExtractionMethod, vector.Encode(ch.Embedding), now,
		); err != nil {
			return mapSQLiteError(err)
		}
		ch.CreatedAt = now
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteChunksForDocument removes all chunks of a document and reports how many were removed.
func (s *SQLiteStore) DeleteChunksForDocument(ctx context.Context, documentID int64) (int64, error) {
	return s.execCount(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID)
}

// DeleteChunksForPatient removes all chunks of a patient, keeping the registry rows.
func (s *SQLiteStore) DeleteChunksForPatient(ctx context.Context, patientID int64) (int64, error) {
	return s.execCount(ctx, `DELETE FROM document_chunks WHERE patient_id = ?`, patientID)
}

// ClearExtractionReference nulls the extraction reference on dependent chunks without deleting them.
func (s *SQLiteStore) ClearExtractionReference(ctx context.Context, extractionID int64) (int64, error) {
	return s.execCount(ctx,
		`UPDATE document_chunks SET extraction_id = NULL, updated_at = ? WHERE extraction_id = ?`,
		time.Now().UTC(), extractionID)
}

func (s *SQLiteStore) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return result.RowsAffected()
}

const chunkColumns = `id, patient_id, document_id, extraction_id, chunk_text, chunk_index,
	chunk_start_token, chunk_end_token, total_tokens, document_type, original_filename,
	upload_date, extraction_method, embedding, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner, extra ...any) (*models.Chunk, error) {
	var ch models.Chunk
	var extractionID sql.NullInt64
	var start, end, total sql.NullInt64
	var updatedAt sql.NullTime
	var blob []byte
	dest := []any{&ch.ID, &ch.PatientID, &ch.DocumentID, &extractionID, &ch.ChunkText, &ch.ChunkIndex,
		&start, &end, &total, &ch.DocumentType, &ch.OriginalFilename,
		&ch.UploadDate, &ch.ExtractionMethod, &blob, &ch.CreatedAt, &updatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if extractionID.Valid {
		ch.ExtractionID = &extractionID.Int64
	}
	ch.ChunkStartToken, ch.ChunkEndToken, ch.TotalTokens = int(start.Int64), int(end.Int64), int(total.Int64)
	if updatedAt.Valid {
		ch.UpdatedAt = &updatedAt.Time
	}
	emb, err := vector.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %v: %w", ch.ID, err, models.ErrConsistency)
	}
	ch.Embedding = emb
	return &ch, nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *SQLiteStore) GetChunksByDocumentID(ctx context.Context, documentID int64) ([]*models.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
}

// GetChunksByIDs returns the chunks among ids that belong to patientID. IDs
// owned by other patients or no longer stored are silently absent.
func (s *SQLiteStore) GetChunksByIDs(ctx context.Context, patientID int64, ids []string) ([]*models.Chunk, error) {
	const batch = 500
	var out []*models.Chunk
	for start := 0; start < len(ids); start += batch {
		part := ids[start:min(start+batch, len(ids))]
		args := make([]any, 0, len(part)+1)
		args = append(args, patientID)
		for _, id := range part {
			args = append(args, id)
		}
		chunks, err := s.queryChunks(ctx,
			`SELECT `+chunkColumns+` FROM document_chunks
			 WHERE patient_id = ? AND id IN (`+placeholders(len(part))+`)`,
			args...)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ChunkVectors returns id and embedding of every chunk of a patient.
func (s *SQLiteStore) ChunkVectors(ctx context.Context, patientID int64) ([]ChunkVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, embedding FROM document_chunks
		 WHERE patient_id = ? ORDER BY document_id, chunk_index`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var cv ChunkVector
		var blob []byte
		if err := rows.Scan(&cv.ID, &cv.DocumentID, &blob); err != nil {
			return nil, err
		}
		if cv.Vector, err = vector.Decode(blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %v: %w", cv.ID, err, models.ErrConsistency)
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

// QueryNearest returns the exact top_k chunks of one patient by cosine
// distance. Ties go to the most recently uploaded document, then document id
// and chunk index.
func (s *SQLiteStore) QueryNearest(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error) {
	if err := validateQuery(q, s.dims); err != nil {
		return nil, err
	}
	var where strings.Builder
	args := []any{vector.Encode(q.Vector), q.PatientID}
	where.WriteString(`patient_id = ?`)
	if q.Filters.DocumentType != "" {
		where.WriteString(` AND document_type = ?`)
		args = append(args, q.Filters.DocumentType)
	}
	if q.Filters.DocumentID != nil {
		where.WriteString(` AND document_id = ?`)
		args = append(args, *q.Filters.DocumentID)
	}
	args = append(args, q.TopK)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+`, cosine_distance(embedding, ?) AS distance
		 FROM document_chunks
		 WHERE `+where.String()+`
		 ORDER BY distance ASC, upload_date DESC, document_id ASC, chunk_index ASC
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RetrievedChunk
	for rows.Next() {
		var distance float64
		ch, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.RetrievedChunk{
			Chunk:      *ch,
			Distance:   distance,
			Similarity: models.SimilarityFromDistance(distance),
		})
	}
	return out, rows.Err()
}

// PatientStats counts a patient's chunks and documents.
func (s *SQLiteStore) PatientStats(ctx context.Context, patientID int64) (*models.PatientStats, error) {
	stats := &models.PatientStats{PatientID: patientID}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM document_chunks WHERE patient_id = ?`,
		patientID,
	).Scan(&stats.TotalChunks, &stats.TotalDocuments); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN index_status = 'indexed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN index_status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM documents WHERE patient_id = ?`,
		patientID,
	).Scan(&stats.IndexedDocuments, &stats.FailedDocuments); err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mapSQLiteError classifies constraint violations as consistency failures.
func mapSQLiteError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%v: %w", err, models.ErrConsistency)
	}
	return err
}
