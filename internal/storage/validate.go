package storage

import (
	"fmt"
	"strings"

	"github.com/hyperjump/medrag/internal/models"
)

// validateChunks checks the invariants every stored chunk set must satisfy
// before a replacement transaction starts.
func validateChunks(documentID int64, chunks []*models.Chunk, dims int) error {
	seen := make(map[int]bool, len(chunks))
	var patientID int64
	for i, ch := range chunks {
		if ch.DocumentID != documentID {
			return models.Invalidf("chunk %d belongs to document %d, not %d", i, ch.DocumentID, documentID)
		}
		if i == 0 {
			patientID = ch.PatientID
		} else if ch.PatientID != patientID {
			return models.Invalidf("chunk %d has patient %d, batch has %d", i, ch.PatientID, patientID)
		}
		if ch.ID == "" {
			return models.Invalidf("chunk %d has no id", i)
		}
		if strings.TrimSpace(ch.ChunkText) == "" {
			return models.Invalidf("chunk %d has empty text", i)
		}
		if ch.ChunkIndex < 0 || seen[ch.ChunkIndex] {
			return models.Invalidf("chunk %d has invalid or duplicate chunk_index %d", i, ch.ChunkIndex)
		}
		seen[ch.ChunkIndex] = true
		if len(ch.Embedding) != dims {
			return fmt.Errorf("chunk %d embedding has %d dims, store has %d: %w", i, len(ch.Embedding), dims, models.ErrConsistency)
		}
	}
	return nil
}

func validateQuery(q models.NearestQuery, dims int) error {
	if q.PatientID <= 0 {
		return models.Invalidf("patient_id must be positive")
	}
	if q.TopK <= 0 {
		return models.Invalidf("top_k must be positive, got %d", q.TopK)
	}
	if len(q.Vector) != dims {
		return models.Invalidf("query vector has %d dims, store has %d", len(q.Vector), dims)
	}
	return nil
}
