package models

import (
	"errors"
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name     string
		query    *SearchQuery
		wantErr  bool
		wantTopK int
	}{
		{"empty query", &SearchQuery{Query: ""}, true, 0},
		{"negative top_k", &SearchQuery{Query: "x", TopK: -1}, true, 0},
		{"sets default top_k", &SearchQuery{Query: "x"}, false, 5},
		{"caps top_k", &SearchQuery{Query: "x", TopK: 200}, false, 20},
		{"keeps top_k", &SearchQuery{Query: "x", TopK: 3}, false, 3},
		{"unknown type filter", &SearchQuery{Query: "x", Filters: Filters{DocumentType: "selfie"}}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(5, 20)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if !tt.wantErr && tt.query.TopK != tt.wantTopK {
				t.Errorf("TopK = %d, want %d", tt.query.TopK, tt.wantTopK)
			}
		})
	}
}

func TestDocumentInput_Validate(t *testing.T) {
	neg := int64(-1)
	tests := []struct {
		name    string
		input   DocumentInput
		wantErr bool
	}{
		{"valid", DocumentInput{DocumentID: 1, PatientID: 2, Text: "hb 13.5"}, false},
		{"missing document", DocumentInput{PatientID: 2, Text: "x"}, true},
		{"missing patient", DocumentInput{DocumentID: 1, Text: "x"}, true},
		{"blank text", DocumentInput{DocumentID: 1, PatientID: 2, Text: " \n\t "}, true},
		{"bad extraction id", DocumentInput{DocumentID: 1, PatientID: 2, Text: "x", ExtractionID: &neg}, true},
		{"unknown type", DocumentInput{DocumentID: 1, PatientID: 2, Text: "x", DocumentType: "selfie"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.input
			err := in.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if err == nil {
				if in.DocumentType != DocumentTypeOther {
					t.Errorf("DocumentType = %q, want default %q", in.DocumentType, DocumentTypeOther)
				}
				if in.UploadDate.IsZero() {
					t.Error("UploadDate should default to now")
				}
			}
		})
	}
}

func TestErrInputTooLongIsPermanent(t *testing.T) {
	if !errors.Is(ErrInputTooLong, ErrPermanent) {
		t.Error("ErrInputTooLong must classify as ErrPermanent")
	}
	if errors.Is(ErrInputTooLong, ErrTransient) {
		t.Error("ErrInputTooLong must not classify as ErrTransient")
	}
}
