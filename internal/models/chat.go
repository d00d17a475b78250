package models

import "time"

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one message of the caller-supplied conversation history.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one conversation turn request for a patient.
type ChatRequest struct {
	PatientID int64      `json:"patient_id"`
	Question  string     `json:"question"`
	History   []ChatTurn `json:"chat_history,omitempty"`
}

// Citation identifies a retrieved passage that was placed in the model context.
type Citation struct {
	ChunkID          string    `json:"chunk_id"`
	DocumentID       int64     `json:"document_id"`
	ChunkIndex       int       `json:"chunk_index"`
	DocumentType     string    `json:"document_type"`
	OriginalFilename string    `json:"original_filename"`
	UploadDate       time.Time `json:"upload_date"`
	Similarity       float64   `json:"similarity"`
}

// ChatResponse carries the answer and the history with the new user and
// assistant turns appended. Grounded is false for the fixed no-documents answer.
type ChatResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	History   []ChatTurn `json:"chat_history"`
	Grounded  bool       `json:"grounded"`
}
