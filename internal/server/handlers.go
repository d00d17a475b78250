package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/models"
)

// maxBodyBytes bounds request bodies; extracted document text is the largest payload.
const maxBodyBytes = 32 << 20

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	var input models.DocumentInput
	if !s.decode(w, r, &input) {
		return
	}
	s.logger.Debug("index document request",
		zap.Int64("document_id", input.DocumentID),
		zap.Int64("patient_id", input.PatientID))
	result, err := s.indexer.IndexDocument(r.Context(), &input)
	if err != nil {
		s.respondErr(w, "indexing failed", err)
		return
	}
	status := http.StatusCreated
	if result.Skipped {
		status = http.StatusOK
	}
	s.respondJSON(w, status, result)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.respondErr(w, "get document failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.respondErr(w, "get document failed", err)
		return
	}
	chunks, err := s.store.GetChunksByDocumentID(r.Context(), id)
	if err != nil {
		s.respondErr(w, "list chunks failed", err)
		return
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"document_id": id, "chunks": chunks})
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	result, err := s.indexer.ReindexDocument(r.Context(), id)
	if err != nil {
		s.respondErr(w, "reindex failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.indexer.DeleteDocument(r.Context(), id); err != nil {
		s.respondErr(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"document_id": id, "status": "deleted"})
}

func (s *Server) handleDeleteExtraction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.indexer.DeleteExtraction(r.Context(), id); err != nil {
		s.respondErr(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"extraction_id": id, "status": "deleted"})
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.indexer.DeletePatient(r.Context(), id); err != nil {
		s.respondErr(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"patient_id": id, "status": "deleted"})
}

func (s *Server) handlePatientDocuments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), id)
	if err != nil {
		s.respondErr(w, "list documents failed", err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"patient_id": id, "documents": docs})
}

func (s *Server) handleDeletePatientChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	n, err := s.indexer.DeletePatientChunks(r.Context(), id)
	if err != nil {
		s.respondErr(w, "chunk deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"patient_id": id, "deleted_chunks": n})
}

func (s *Server) handleReindexPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	result, err := s.indexer.ReindexPatient(r.Context(), id)
	if err != nil {
		s.respondErr(w, "reindex failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePatientStats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	stats, err := s.store.PatientStats(r.Context(), id)
	if err != nil {
		s.respondErr(w, "stats failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var query models.SearchQuery
	if !s.decode(w, r, &query) {
		return
	}
	s.logger.Debug("search request", zap.Int64("patient_id", id), zap.Int("top_k", query.TopK))
	response, err := s.retriever.SearchText(r.Context(), id, &query)
	if err != nil {
		s.respondErr(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req models.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.PatientID = id
	s.logger.Debug("chat request", zap.Int64("patient_id", id), zap.Int("history_turns", len(req.History)))
	response, err := s.chat.Chat(r.Context(), &req)
	if err != nil {
		s.respondErr(w, "chat failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type diskUser interface {
	DiskUsage() (int64, error)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"uptime_seconds":      int64(time.Since(s.started).Seconds()),
		"active_indexing":     s.indexer.Active(),
		"retrieval_mode":      s.retriever.Mode(),
		"embedding_dimension": s.store.Dimensions(),
	}
	if du, ok := s.store.(diskUser); ok {
		if n, err := du.DiskUsage(); err == nil {
			resp["disk_usage_bytes"] = n
		} else {
			s.logger.Warn("status: disk usage failed", zap.Error(err))
		}
	}
	if s.config != nil {
		resp["config"] = map[string]interface{}{
			"storage_driver":     s.config.Storage.Driver,
			"embedding_provider": s.config.Embedding.Provider,
			"embedding_model":    s.config.Embedding.Model,
			"chunk_unit":         s.config.Chunking.Unit,
			"chunk_size":         s.config.Chunking.ChunkSize,
			"chunk_overlap":      s.config.Chunking.ChunkOverlap,
			"chat_provider":      s.config.Chat.Provider,
			"chat_model":         s.config.Chat.Model,
			"max_context_tokens": s.config.Chat.MaxContextTokens,
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// pathID parses the {id} URL parameter as a positive integer.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP. Generation is checked before
// the provider classes it may wrap.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrGeneration):
		return http.StatusBadGateway, "answer generation failed"
	case errors.Is(err, models.ErrPermanent):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable, "service temporarily unavailable, try again later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, msg string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, message)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
