package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// Provider implements tool.Tool for the tools of remote MCP servers, so an
// agent can use a tool server such as the one started by `serve`
type Provider struct {
	client *Client
	tools  map[string]*remoteTool
	order  []string
}

type remoteTool struct {
	serverName string
	name       string
	funcDecl   *genai.FunctionDeclaration
}

func NewProvider(client *Client) *Provider {
	return &Provider{
		client: client,
		tools:  make(map[string]*remoteTool),
	}
}

// Close disconnects from all servers
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Flags returns nil; the client configuration is loaded separately
func (p *Provider) Flags() []cli.Flag {
	return nil
}

// Init registers the tools of every connected server. A tool name served
// by more than one server is taken from the first server in name order.
func (p *Provider) Init(ctx context.Context, client *tool.Client) (bool, error) {
	if p.client == nil {
		return false, nil
	}

	for _, serverName := range p.client.GetAllServers() {
		tools, err := p.client.GetTools(serverName)
		if err != nil {
			return false, goerr.Wrap(err, "failed to get tools from server", goerr.V("server", serverName))
		}

		for _, t := range tools {
			if _, dup := p.tools[t.Name]; dup {
				continue
			}
			funcDecl, err := toFunctionDeclaration(t)
			if err != nil {
				return false, goerr.Wrap(err, "failed to convert tool",
					goerr.V("server", serverName),
					goerr.V("tool", t.Name))
			}

			p.tools[t.Name] = &remoteTool{serverName: serverName, name: t.Name, funcDecl: funcDecl}
			p.order = append(p.order, t.Name)
		}
	}

	return len(p.tools) > 0, nil
}

func toFunctionDeclaration(t *mcp.Tool) (*genai.FunctionDeclaration, error) {
	funcDecl := &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
	}
	if t.InputSchema == nil {
		return funcDecl, nil
	}

	// InputSchema arrives as decoded JSON
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal input schema")
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal input schema")
	}

	params, err := convertJSONSchemaToGenai(&schema)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to convert input schema")
	}
	funcDecl.Parameters = params
	return funcDecl, nil
}

func (p *Provider) Spec() *genai.Tool {
	if len(p.tools) == 0 {
		return nil
	}

	funcDecls := make([]*genai.FunctionDeclaration, 0, len(p.order))
	for _, name := range p.order {
		funcDecls = append(funcDecls, p.tools[name].funcDecl)
	}
	return &genai.Tool{FunctionDeclarations: funcDecls}
}

func (p *Provider) Prompt(ctx context.Context) string {
	if len(p.tools) == 0 {
		return ""
	}
	return "### Remote tools\nSome tools are served by remote MCP servers. Their results are JSON documents; an \"error\" field means the call failed."
}

// Execute calls the remote tool. A JSON text result is passed to the model
// as structured data; other content is passed as text.
func (p *Provider) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	target, ok := p.tools[fc.Name]
	if !ok {
		return nil, goerr.New("tool not found", goerr.V("name", fc.Name))
	}

	result, err := p.client.CallTool(ctx, target.serverName, target.name, fc.Args)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call MCP tool")
	}

	return &genai.FunctionResponse{
		ID:       fc.ID,
		Name:     fc.Name,
		Response: decodeResult(result),
	}, nil
}

func decodeResult(result *mcp.CallToolResult) map[string]any {
	var texts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")

	var doc map[string]any
	if len(texts) == 1 && json.Unmarshal([]byte(text), &doc) == nil && doc != nil {
		if result.IsError {
			if _, has := doc["error"]; !has {
				doc["error"] = text
			}
		}
		return doc
	}

	if result.IsError {
		return map[string]any{"error": text}
	}
	return map[string]any{"result": text}
}
