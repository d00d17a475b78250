package models

// Filters narrows a patient-scoped retrieval. Zero values mean no filter.
type Filters struct {
	DocumentType string `json:"document_type,omitempty"`
	DocumentID   *int64 `json:"document_id,omitempty"`
}

// NearestQuery is the chunk store's read path: the top_k chunks of one
// patient nearest to Vector by cosine distance.
type NearestQuery struct {
	PatientID int64
	Vector    []float32
	TopK      int
	Filters   Filters
}

// SearchQuery is a text retrieval request against one patient's chunks.
type SearchQuery struct {
	Query   string  `json:"query"`
	TopK    int     `json:"top_k,omitempty"`
	Filters Filters `json:"filters,omitempty"`
}

// Validate rejects empty queries and negative top_k, fills the default top_k
// and caps it at maxTopK.
func (q *SearchQuery) Validate(defaultTopK, maxTopK int) error {
	if q.Query == "" {
		return Invalidf("query cannot be empty")
	}
	if q.TopK < 0 {
		return Invalidf("top_k must be positive")
	}
	if q.TopK == 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	if q.Filters.DocumentType != "" && !ValidDocumentType(q.Filters.DocumentType) {
		return Invalidf("unknown document_type filter %q", q.Filters.DocumentType)
	}
	return nil
}
