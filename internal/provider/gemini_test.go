package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestSplitForGemini_FoldsSystemMessages(t *testing.T) {
	system, contents := splitForGemini([]Message{
		{Role: RoleSystem, Content: "You are a concise assistant."},
		{Role: RoleSystem, Content: "Context:\nParis is the capital of France."},
		{Role: RoleUser, Content: "what is the capital of France"},
		{Role: RoleAssistant, Content: "Paris."},
		{Role: RoleUser, Content: "and its population"},
	})

	// Both system messages survive in one instruction block.
	assert.Equal(t,
		"You are a concise assistant.\n\nContext:\nParis is the capital of France.",
		system)

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, string(contents[0].Role))
	assert.Equal(t, genai.RoleModel, string(contents[1].Role))
	assert.Equal(t, genai.RoleUser, string(contents[2].Role))
}

func TestSplitForGemini_NoSystemMessages(t *testing.T) {
	system, contents := splitForGemini([]Message{
		{Role: RoleUser, Content: "hello"},
	})
	assert.Empty(t, system)
	assert.Len(t, contents, 1)
}
