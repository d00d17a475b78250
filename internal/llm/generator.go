// Package llm adapts external language models that turn a prompt of
// role-tagged messages into a single answer string.
package llm

import "context"

// Message roles understood by every generator.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged prompt entry.
type Message struct {
	Role    string
	Content string
}

// Generator produces an answer for a prompt. Failures are classified with the
// models error taxonomy (ErrTransient, ErrPermanent).
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}
