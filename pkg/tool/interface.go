package tool

import (
	"context"

	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// Tool is a group of functions the model can call during a turn. The same
// tools are published to other agents by the MCP server.
type Tool interface {
	// Spec declares the functions of the tool
	Spec() *genai.Tool

	// Init binds the tool to the services in client. A tool that returns
	// false is left out of the registry.
	Init(ctx context.Context, client *Client) (bool, error)

	// Execute runs one function call. Domain failures are reported in the
	// response, not as an error.
	Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error)

	// Prompt is appended to the system instruction; empty for none
	Prompt(ctx context.Context) string

	// Flags are registered on the commands using the tool; nil for none
	Flags() []cli.Flag
}
