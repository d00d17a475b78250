package chat

import (
	"fmt"
	"strings"

	"github.com/hyperjump/medrag/internal/llm"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/pkg/utils"
)

// contextWindow is the part of the conversation and the passages that fit the
// model input budget.
type contextWindow struct {
	passages []*models.RetrievedChunk
	history  []models.ChatTurn
}

// fit trims history oldest-first, then passages lowest-ranked-first, until
// the estimate fits MaxContextTokens. Passages are dropped whole. At least
// one passage must fit.
func (o *Orchestrator) fit(question string, history []models.ChatTurn, retrieved []*models.RetrievedChunk) (*contextWindow, error) {
	total := utils.EstimateTokens(o.opts.SystemPrompt) + utils.EstimateTokens(question)

	passageCost := make([]int, len(retrieved))
	for i, p := range retrieved {
		passageCost[i] = utils.EstimateTokens(formatPassage(i+1, p))
		total += passageCost[i]
	}
	historyCost := make([]int, len(history))
	for i, turn := range history {
		historyCost[i] = utils.EstimateTokens(turn.Content)
		total += historyCost[i]
	}

	firstTurn := 0
	for total > o.opts.MaxContextTokens && firstTurn < len(history) {
		total -= historyCost[firstTurn]
		firstTurn++
	}
	keep := len(retrieved)
	for total > o.opts.MaxContextTokens && keep > 0 {
		keep--
		total -= passageCost[keep]
	}
	if keep == 0 {
		return nil, models.Invalidf("no retrieved passage fits the %d token context limit", o.opts.MaxContextTokens)
	}
	return &contextWindow{passages: retrieved[:keep], history: history[firstTurn:]}, nil
}

// messages renders the prompt: instructions and passages as the system
// message, then the kept history, then the question.
func (w *contextWindow) messages(systemPrompt, question string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nPatient documents:\n")
	for i, p := range w.passages {
		sb.WriteString("\n")
		sb.WriteString(formatPassage(i+1, p))
	}

	out := make([]llm.Message, 0, len(w.history)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	for _, turn := range w.history {
		out = append(out, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: question})
}

func formatPassage(n int, p *models.RetrievedChunk) string {
	name := p.OriginalFilename
	if name == "" {
		name = fmt.Sprintf("document %d", p.DocumentID)
	}
	return fmt.Sprintf("[%d] %s (%s, uploaded %s, part %d)\n%s\n",
		n, name, p.DocumentType, p.UploadDate.Format("2006-01-02"), p.ChunkIndex+1, p.ChunkText)
}
