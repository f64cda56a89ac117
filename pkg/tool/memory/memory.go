package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	usecase "github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// Tool exposes remember and recall. The owner is taken from the context
// (tool.WithOwner); the owner argument is only honored when the context
// carries none, e.g. an MCP server started without a default owner.
type Tool struct {
	mgr *usecase.Manager
	k   int64
}

func New() *Tool {
	return &Tool{k: usecase.DefaultRecallK}
}

func (t *Tool) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "recall-k",
			Usage:       "Default number of memories returned by recall",
			Value:       usecase.DefaultRecallK,
			Sources:     cli.EnvVars("RENDEZVOUS_RECALL_K"),
			Destination: &t.k,
		},
	}
}

func (t *Tool) Init(ctx context.Context, client *tool.Client) (bool, error) {
	if client == nil || client.Memory == nil {
		return false, nil
	}
	t.mgr = client.Memory
	return true, nil
}

func (t *Tool) Prompt(ctx context.Context) string {
	return `### Memory
Use remember to store durable facts and preferences the user shares (for example preferred meeting times). Use recall to look up what you know about the user before proposing times.`
}

func (t *Tool) Spec() *genai.Tool {
	owner := &genai.Schema{Type: genai.TypeString, Description: "User the memory belongs to. Ignored inside a user session."}

	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "remember",
				Description: "Store a fact or preference about the user for future conversations.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"text":  {Type: genai.TypeString, Description: "Standalone statement to remember"},
						"owner": owner,
					},
					Required: []string{"text"},
				},
			},
			{
				Name:        "recall",
				Description: "Find stored memories about the user related to a query, most relevant first.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"query": {Type: genai.TypeString, Description: "What to look for"},
						"k":     {Type: genai.TypeInteger, Description: "Maximum number of memories"},
						"owner": owner,
					},
					Required: []string{"query"},
				},
			},
		},
	}
}

type rememberInput struct {
	Text  string `json:"text"`
	Owner string `json:"owner"`
}

type recallInput struct {
	Query string `json:"query"`
	K     int    `json:"k"`
	Owner string `json:"owner"`
}

func resolveOwner(ctx context.Context, given string) model.OwnerID {
	if owner := tool.OwnerFrom(ctx); owner != "" {
		return owner
	}
	return model.OwnerID(given)
}

// Execute never reports memory failures to the model; they only mean
// nothing was stored or found.
func (t *Tool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	switch fc.Name {
	case "remember":
		var input rememberInput
		if err := tool.ParseArgs(fc, &input); err != nil {
			return tool.ErrorResult(fc, err), nil
		}
		owner := resolveOwner(ctx, input.Owner)
		if owner == "" {
			return tool.Result(fc, map[string]any{"stored": false}), nil
		}

		stored, err := t.mgr.Remember(ctx, owner, input.Text)
		if err != nil || stored == nil {
			return tool.Result(fc, map[string]any{"stored": false}), nil
		}
		return tool.Result(fc, map[string]any{"stored": true, "text": stored.Text}), nil

	case "recall":
		var input recallInput
		if err := tool.ParseArgs(fc, &input); err != nil {
			return tool.ErrorResult(fc, err), nil
		}
		k := input.K
		if k <= 0 {
			k = int(t.k)
		}

		hits := t.mgr.Recall(ctx, resolveOwner(ctx, input.Owner), input.Query, k)
		return tool.Result(fc, map[string]any{"memories": usecase.Texts(hits)}), nil

	default:
		return nil, goerr.New("unknown function", goerr.V("name", fc.Name))
	}
}
