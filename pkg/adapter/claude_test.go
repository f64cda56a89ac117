package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
)

func TestClaudeGenerate(t *testing.T) {
	apiKey := os.Getenv("TEST_ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_ANTHROPIC_API_KEY is not set")
	}

	client := adapter.NewClaude(apiKey, adapter.WithClaudeMaxTokens(64))
	text, err := client.Generate(context.Background(), "Answer with one word.", "What is the capital of France?")
	gt.NoError(t, err)
	gt.S(t, text).Contains("Paris")
}
