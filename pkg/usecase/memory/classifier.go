package memory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"google.golang.org/genai"
)

//go:embed prompt/classify.md
var classifyPromptRaw string

var classifyTemplate = template.Must(template.New("classify").Parse(classifyPromptRaw))

type classifyPromptData struct {
	Fragment string
}

func buildClassifyPrompt(fragment string) (string, error) {
	var buf bytes.Buffer
	if err := classifyTemplate.Execute(&buf, classifyPromptData{Fragment: fragment}); err != nil {
		return "", goerr.Wrap(err, "failed to execute classify template")
	}
	return buf.String(), nil
}

func parseDecision(raw string) (*Decision, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var d Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &d); err != nil {
		return nil, goerr.Wrap(err, "failed to parse classifier decision", goerr.V("raw", raw))
	}
	d.Importance = min(max(d.Importance, 0), 1)
	return &d, nil
}

// GeminiPolicy asks a Gemini model to classify the fragment with a JSON schema response
type GeminiPolicy struct {
	gemini adapter.Gemini
}

func NewGeminiPolicy(gemini adapter.Gemini) *GeminiPolicy {
	return &GeminiPolicy{gemini: gemini}
}

func (p *GeminiPolicy) Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error) {
	prompt, err := buildClassifyPrompt(fragment)
	if err != nil {
		return nil, err
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"keep": {
					Type:        genai.TypeBoolean,
					Description: "Whether the fragment should be stored",
				},
				"importance": {
					Type:        genai.TypeNumber,
					Description: "Importance between 0.0 and 1.0",
				},
				"text": {
					Type:        genai.TypeString,
					Description: "Standalone statement to store",
				},
				"reason": {
					Type: genai.TypeString,
				},
			},
			Required: []string{"keep", "importance"},
		},
	}

	resp, err := p.gemini.GenerateContent(ctx, []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to classify fragment")
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, goerr.New("invalid response structure from gemini")
	}

	return parseDecision(resp.Candidates[0].Content.Parts[0].Text)
}

// ClaudePolicy asks Claude for the same decision in plain JSON
type ClaudePolicy struct {
	claude adapter.Claude
}

func NewClaudePolicy(claude adapter.Claude) *ClaudePolicy {
	return &ClaudePolicy{claude: claude}
}

const claudeSystemPrompt = `Reply with a single JSON object and nothing else: {"keep": bool, "importance": number, "text": string, "reason": string}`

func (p *ClaudePolicy) Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error) {
	prompt, err := buildClassifyPrompt(fragment)
	if err != nil {
		return nil, err
	}

	raw, err := p.claude.Generate(ctx, claudeSystemPrompt, prompt)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to classify fragment")
	}
	return parseDecision(raw)
}
