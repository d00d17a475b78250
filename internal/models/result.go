package models

import "time"

// RetrievedChunk is a chunk returned by retrieval with its distance to the query.
// Similarity is 1 - distance/2, mapping cosine distance [0,2] onto [0,1].
type RetrievedChunk struct {
	Chunk
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

// SimilarityFromDistance converts a cosine distance into a [0,1] similarity.
func SimilarityFromDistance(d float64) float64 {
	return 1 - d/2
}

// SearchResponse is the response for a patient search request.
type SearchResponse struct {
	PatientID int64             `json:"patient_id"`
	Query     string            `json:"query"`
	Mode      string            `json:"mode"`
	Results   []*RetrievedChunk `json:"results"`
	QueryTime int64             `json:"query_time_ms"`
}

// PatientStats summarizes the indexed content of one patient.
type PatientStats struct {
	PatientID        int64 `json:"patient_id"`
	TotalChunks      int64 `json:"total_chunks"`
	TotalDocuments   int64 `json:"total_documents"`
	IndexedDocuments int64 `json:"indexed_documents"`
	FailedDocuments  int64 `json:"failed_documents"`
}

// IndexResult reports the outcome of indexing one document.
type IndexResult struct {
	DocumentID int64         `json:"document_id"`
	PatientID  int64         `json:"patient_id"`
	Status     IndexStatus   `json:"status"`
	ChunkCount int           `json:"chunk_count"`
	ChunkSize  int           `json:"chunk_size"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// ReindexResult reports the outcome of re-indexing all documents of a patient.
type ReindexResult struct {
	PatientID   int64            `json:"patient_id"`
	Indexed     int              `json:"indexed"`
	Skipped     int              `json:"skipped"`
	Failed      int              `json:"failed"`
	TotalChunks int              `json:"total_chunks"`
	Errors      map[int64]string `json:"errors,omitempty"`
}
