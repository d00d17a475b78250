package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockGenerator is an offline generator. It echoes how much context it was
// given unless Response or Err is set, and records every prompt it receives.
type MockGenerator struct {
	Response string
	Err      error

	mu    sync.Mutex
	calls [][]Message
}

// NewMockGenerator returns a generator that answers without a network call.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate records messages and returns the configured answer.
func (m *MockGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.calls = append(m.calls, append([]Message(nil), messages...))
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	var system int
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system += len(strings.Fields(msg.Content))
		}
	}
	return fmt.Sprintf("mock answer based on %d messages and %d words of context", len(messages), system), nil
}

// Calls returns the prompts received so far.
func (m *MockGenerator) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.calls...)
}
