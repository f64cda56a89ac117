package chat

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"google.golang.org/genai"
)

// share of the history (by encoded size) folded into the summary
const compactRatio = 0.7

const summaryHeader = "=== Previous Conversation Summary ===\n\n"

//go:embed prompt/summarize.md
var summarizePrompt string

var errNothingToCompact = goerr.New("insufficient history to compact")

// isTokenLimitError reports whether Gemini rejected the request for its size
func isTokenLimitError(err error) bool {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	// e.g. "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576)."
	return apiErr.Code == 400 &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}

func contentSize(content *genai.Content) int {
	data, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return len(data)
}

func historySize(contents []*genai.Content) int {
	total := 0
	for _, c := range contents {
		total += contentSize(c)
	}
	return total
}

func hasFunctionResponse(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// compact replaces the oldest part of the history with a model-written
// summary. The cut never separates a function call from its response.
func compact(ctx context.Context, gemini adapter.Gemini, contents []*genai.Content) ([]*genai.Content, error) {
	if len(contents) < 2 {
		return nil, errNothingToCompact
	}

	threshold := int(float64(historySize(contents)) * compactRatio)
	cut, acc := 0, 0
	for i, c := range contents {
		acc += contentSize(c)
		if acc >= threshold {
			cut = i + 1
			break
		}
	}
	for cut < len(contents) && hasFunctionResponse(contents[cut]) {
		cut++
	}
	if cut == 0 || cut >= len(contents) {
		return nil, errNothingToCompact
	}

	summary, err := summarize(ctx, gemini, contents[:cut])
	if err != nil {
		return nil, err
	}

	compacted := []*genai.Content{
		genai.NewContentFromText(summaryHeader+summary, genai.RoleUser),
	}
	return append(compacted, contents[cut:]...), nil
}

func summarize(ctx context.Context, gemini adapter.Gemini, contents []*genai.Content) (string, error) {
	req := append(append([]*genai.Content(nil), contents...), genai.NewContentFromText(summarizePrompt, genai.RoleUser))

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You summarize meeting scheduling conversations.", ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	resp, err := gemini.GenerateContent(ctx, req, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate summary")
	}

	summary := responseText(resp)
	if summary == "" {
		return "", goerr.New("empty summary generated")
	}
	return summary, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
