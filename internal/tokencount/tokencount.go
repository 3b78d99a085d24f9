package tokencount

import (
	"github.com/mheaton/tollgate/internal/models"
)

// Rough heuristic: four characters per token. Used only when an upstream
// fails to report usage, so the ledger has something defensible to bill.
const charsPerToken = 4

// Per-message framing overhead in the chat format.
const messageOverhead = 4

// Estimate counts tokens for a plain text blob.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimatePrompt counts tokens for a chat prompt, including the per-message
// framing the chat format adds around each entry.
func EstimatePrompt(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead + Estimate(m.Role) + Estimate(m.Content)
		if m.Name != "" {
			total += Estimate(m.Name)
		}
	}
	return total
}
