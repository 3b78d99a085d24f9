package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mheaton/tollgate/internal/models"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("hi"), "short text rounds up to one token")
	assert.Equal(t, 5, Estimate("twenty characters ok"))
}

func TestEstimatePromptIncludesFraming(t *testing.T) {
	messages := []models.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello!"},
	}
	got := EstimatePrompt(messages)
	// Each message pays the framing overhead on top of its content.
	assert.Greater(t, got, Estimate("You are a helpful assistant.")+Estimate("Hello!"))
	assert.Equal(t, EstimatePrompt(messages), got, "deterministic")
}
