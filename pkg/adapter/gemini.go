package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"google.golang.org/genai"
)

// Gemini is the subset of the Vertex AI Gemini API used by chat sessions,
// memory classification and embeddings
type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	// Embedding returns the embedding of text with the requested number of dimensions
	Embedding(ctx context.Context, text string, dimensions int) ([]float32, error)
}

const (
	DefaultGenerativeModel = "gemini-2.5-flash"
	DefaultEmbeddingModel  = "gemini-embedding-001"

	// memories are compared with each other and with free-form queries
	embeddingTaskType = "SEMANTIC_SIMILARITY"
)

type GeminiClient struct {
	models          *genai.Models
	generativeModel string
	embeddingModel  string
}

var _ Gemini = (*GeminiClient)(nil)

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// NewGemini connects to Gemini on Vertex AI in the given project and location
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	g := &GeminiClient{
		generativeModel: DefaultGenerativeModel,
		embeddingModel:  DefaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(g)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client",
			goerr.V("project", projectID),
			goerr.V("location", location))
	}
	g.models = client.Models

	return g, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content",
			goerr.V("model", g.generativeModel),
			goerr.V("contents", len(contents)))
	}

	if usage := resp.UsageMetadata; usage != nil {
		logging.From(ctx).Debug("gemini usage",
			"model", g.generativeModel,
			"prompt_tokens", usage.PromptTokenCount,
			"output_tokens", usage.CandidatesTokenCount)
	}
	return resp, nil
}

func (g *GeminiClient) Embedding(ctx context.Context, text string, dimensions int) ([]float32, error) {
	config := &genai.EmbedContentConfig{TaskType: embeddingTaskType}
	if dimensions > 0 {
		n := int32(dimensions)
		config.OutputDimensionality = &n
	}

	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("empty embedding response", goerr.V("model", g.embeddingModel))
	}

	return resp.Embeddings[0].Values, nil
}
