// Package storage persists chunks, their embeddings and the registry rows that
// own them. Cascade semantics live in the schema: deleting a patient or
// document removes its chunks, deleting an extraction only clears references.
package storage

import (
	"context"

	"github.com/hyperjump/medrag/internal/models"
)

// ChunkVector is the minimal projection used to build in-memory indexes.
type ChunkVector struct {
	ID         string
	DocumentID int64
	Vector     []float32
}

// Store defines chunk store operations.
type Store interface {
	// Registry operations. RegisterDocument also records the extraction the
	// document text came from.
	RegisterDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	GetDocumentSource(ctx context.Context, id int64) (*models.Document, error)
	ListDocuments(ctx context.Context, patientID int64) ([]*models.Document, error)
	SetIndexStatus(ctx context.Context, documentID int64, status models.IndexStatus, message string) error
	DeleteDocument(ctx context.Context, id int64) error
	DeletePatient(ctx context.Context, patientID int64) error
	DeleteExtraction(ctx context.Context, id int64) error

	// Chunk operations
	ReplaceChunksForDocument(ctx context.Context, documentID int64, chunks []*models.Chunk) error
	DeleteChunksForDocument(ctx context.Context, documentID int64) (int64, error)
	DeleteChunksForPatient(ctx context.Context, patientID int64) (int64, error)
	ClearExtractionReference(ctx context.Context, extractionID int64) (int64, error)
	GetChunksByDocumentID(ctx context.Context, documentID int64) ([]*models.Chunk, error)
	GetChunksByIDs(ctx context.Context, patientID int64, ids []string) ([]*models.Chunk, error)
	ChunkVectors(ctx context.Context, patientID int64) ([]ChunkVector, error)

	// Read path: patient filter and distance are computed in one statement.
	QueryNearest(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error)

	// Stats
	PatientStats(ctx context.Context, patientID int64) (*models.PatientStats, error)
	Dimensions() int

	Close() error
}

// ApproximateSearcher is implemented by stores with a native approximate
// nearest-neighbour index. Results must still be restricted to q.PatientID.
type ApproximateSearcher interface {
	QueryApproximate(ctx context.Context, q models.NearestQuery) ([]*models.RetrievedChunk, error)
}
