// Package cli formats command results for the medrag CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/pkg/utils"
)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const rule = "─────────────────────────────────────────────────────────"

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes retrieval results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d passages for patient %d in %dms (%s search)\n\n",
		len(response.Results), response.PatientID, response.QueryTime, response.Mode)
	for i, r := range response.Results {
		writePassage(w, i+1, r)
	}
	return nil
}

func writePassage(w io.Writer, rank int, r *models.RetrievedChunk) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "#%d | Similarity: %.4f (distance %.4f)\n", rank, r.Similarity, r.Distance)
	fmt.Fprintf(w, "Document %d part %d | %s | %s | %s\n",
		r.DocumentID, r.ChunkIndex+1, r.DocumentType, r.OriginalFilename, r.UploadDate.Format("2006-01-02"))
	fmt.Fprintf(w, "\n%s\n\n", Truncate(strings.TrimSpace(r.ChunkText), 300))
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteChatResponse writes an answer followed by its sources.
func WriteChatResponse(w io.Writer, resp *models.ChatResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(resp.Answer))
	if !resp.Grounded {
		fmt.Fprintln(w, "\n(no patient documents were available)")
		return nil
	}
	fmt.Fprintln(w, "\nSources:")
	for i, c := range resp.Citations {
		fmt.Fprintf(w, "  [%d] %s (%s, %s) document %d part %d, similarity %.3f\n",
			i+1, c.OriginalFilename, c.DocumentType, c.UploadDate.Format("2006-01-02"),
			c.DocumentID, c.ChunkIndex+1, c.Similarity)
	}
	return nil
}

// WriteIndexResult writes the outcome of indexing one document.
func WriteIndexResult(w io.Writer, res *models.IndexResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	if res.Skipped {
		fmt.Fprintf(w, "Document %d (patient %d) already indexed, skipped\n", res.DocumentID, res.PatientID)
		return nil
	}
	fmt.Fprintf(w, "Document %d (patient %d) %s: %d chunks of %d, %s\n",
		res.DocumentID, res.PatientID, res.Status, res.ChunkCount, res.ChunkSize, res.Duration.Round(1e6))
	return nil
}

// WriteReindexResult writes the outcome of re-indexing a patient.
func WriteReindexResult(w io.Writer, res *models.ReindexResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	fmt.Fprintf(w, "Patient %d: %d indexed, %d skipped, %d failed, %d chunks\n",
		res.PatientID, res.Indexed, res.Skipped, res.Failed, res.TotalChunks)
	ids := make([]int64, 0, len(res.Errors))
	for id := range res.Errors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(w, "  document %d: %s\n", id, res.Errors[id])
	}
	return nil
}

// WriteStats writes a patient's index summary.
func WriteStats(w io.Writer, stats *models.PatientStats, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, stats)
	}
	fmt.Fprintf(w, "Patient %d\n", stats.PatientID)
	fmt.Fprintf(w, "  Chunks:              %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "  Documents w/ chunks: %d\n", stats.TotalDocuments)
	fmt.Fprintf(w, "  Indexed documents:   %d\n", stats.IndexedDocuments)
	fmt.Fprintf(w, "  Failed documents:    %d\n", stats.FailedDocuments)
	return nil
}

// Truncate shortens s to at most maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	return utils.Truncate(s, maxLen)
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
