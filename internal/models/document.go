// Package models defines core data structures for chunks, documents, retrieval and chat.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Document types accepted from the ingestion collaborator.
const (
	DocumentTypeLabReport        = "lab_report"
	DocumentTypePrescription     = "prescription"
	DocumentTypeMedicalRecord    = "medical_record"
	DocumentTypeImagingReport    = "imaging_report"
	DocumentTypeDischargeSummary = "discharge_summary"
	DocumentTypeOther            = "other"
)

var documentTypes = map[string]bool{
	DocumentTypeLabReport:        true,
	DocumentTypePrescription:     true,
	DocumentTypeMedicalRecord:    true,
	DocumentTypeImagingReport:    true,
	DocumentTypeDischargeSummary: true,
	DocumentTypeOther:            true,
}

// ValidDocumentType reports whether t is a known document type.
func ValidDocumentType(t string) bool {
	return documentTypes[t]
}

// IndexStatus is the per-document indexing state reported to callers.
type IndexStatus string

const (
	IndexStatusPending  IndexStatus = "pending"
	IndexStatusIndexing IndexStatus = "indexing"
	IndexStatusIndexed  IndexStatus = "indexed"
	IndexStatusFailed   IndexStatus = "failed"
)

// Chunk is the unit of retrieval: a bounded span of a document's extracted text
// with its embedding and a snapshot of the owning document's attributes.
type Chunk struct {
	ID           string `json:"id"`
	PatientID    int64  `json:"patient_id"`
	DocumentID   int64  `json:"document_id"`
	ExtractionID *int64 `json:"extraction_id,omitempty"`

	ChunkText       string `json:"chunk_text"`
	ChunkIndex      int    `json:"chunk_index"`
	ChunkStartToken int    `json:"chunk_start_token"`
	ChunkEndToken   int    `json:"chunk_end_token"`
	TotalTokens     int    `json:"total_tokens"`

	// Copied from the document at write time; not kept in sync afterwards.
	DocumentType     string    `json:"document_type"`
	OriginalFilename string    `json:"original_filename"`
	UploadDate       time.Time `json:"upload_date"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`

	Embedding []float32  `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Document is the registry row the chunk store keeps for each indexed document.
type Document struct {
	ID               int64     `json:"id"`
	PatientID        int64     `json:"patient_id"`
	DocumentType     string    `json:"document_type"`
	OriginalFilename string    `json:"original_filename"`
	UploadDate       time.Time `json:"upload_date"`
	ExtractionID     *int64    `json:"extraction_id,omitempty"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	// SourceText is the current extracted text; chunks are re-derived from it.
	SourceText  string      `json:"-"`
	IndexStatus IndexStatus `json:"index_status"`
	IndexError  string      `json:"index_error,omitempty"`
	IndexedAt   *time.Time  `json:"indexed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// DocumentInput is the payload delivered by the ingestion collaborator once
// text extraction for a document has completed.
type DocumentInput struct {
	DocumentID       int64     `json:"document_id"`
	PatientID        int64     `json:"patient_id"`
	ExtractionID     *int64    `json:"extraction_id,omitempty"`
	Text             string    `json:"text"`
	DocumentType     string    `json:"document_type"`
	OriginalFilename string    `json:"original_filename"`
	UploadDate       time.Time `json:"upload_date"`
	ExtractionMethod string    `json:"extraction_method"`
	// ForceReindex replaces existing chunks even when the document is already indexed.
	ForceReindex bool `json:"force_reindex,omitempty"`
}

// Validate checks identifiers, text and document type. An empty document type
// is normalized to "other" and a zero upload date to now.
func (in *DocumentInput) Validate() error {
	if in.DocumentID <= 0 {
		return Invalidf("document_id must be positive")
	}
	if in.PatientID <= 0 {
		return Invalidf("patient_id must be positive")
	}
	if in.ExtractionID != nil && *in.ExtractionID <= 0 {
		return Invalidf("extraction_id must be positive when set")
	}
	if strings.TrimSpace(in.Text) == "" {
		return Invalidf("document %d: text is empty", in.DocumentID)
	}
	if in.DocumentType == "" {
		in.DocumentType = DocumentTypeOther
	}
	if !ValidDocumentType(in.DocumentType) {
		return Invalidf("unknown document_type %q", in.DocumentType)
	}
	if in.UploadDate.IsZero() {
		in.UploadDate = time.Now().UTC()
	}
	return nil
}

// Document returns the registry row described by the input.
func (in *DocumentInput) Document() *Document {
	return &Document{
		ID:               in.DocumentID,
		PatientID:        in.PatientID,
		DocumentType:     in.DocumentType,
		OriginalFilename: in.OriginalFilename,
		UploadDate:       in.UploadDate.UTC(),
		ExtractionID:     in.ExtractionID,
		ExtractionMethod: in.ExtractionMethod,
		SourceText:       in.Text,
		IndexStatus:      IndexStatusPending,
	}
}

// Input rebuilds the ingestion payload from a stored document, used for re-indexing.
func (d *Document) Input() *DocumentInput {
	return &DocumentInput{
		DocumentID:       d.ID,
		PatientID:        d.PatientID,
		ExtractionID:     d.ExtractionID,
		Text:             d.SourceText,
		DocumentType:     d.DocumentType,
		OriginalFilename: d.OriginalFilename,
		UploadDate:       d.UploadDate,
		ExtractionMethod: d.ExtractionMethod,
		ForceReindex:     true,
	}
}

// String identifies the input in logs without exposing its text.
func (in *DocumentInput) String() string {
	return fmt.Sprintf("document %d (patient %d)", in.DocumentID, in.PatientID)
}
