// Command stdio serves a fixed directory of contacts' working hours over
// stdio, for the client tests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type workingHours struct {
	Contact string `json:"contact"`
	Zone    string `json:"zone"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

var directory = map[string]workingHours{
	"robin": {Contact: "Robin", Zone: "Europe/Lisbon", Start: "09:00", End: "17:00"},
	"casey": {Contact: "Casey", Zone: "Asia/Tokyo", Start: "10:00", End: "19:00"},
}

type hoursParams struct {
	Contact string `json:"contact" jsonschema:"Contact name, case-sensitive lower case"`
}

func hours(ctx context.Context, req *mcp.CallToolRequest, params *hoursParams) (*mcp.CallToolResult, any, error) {
	wh, ok := directory[params.Contact]
	if !ok {
		return nil, nil, fmt.Errorf("unknown contact %q", params.Contact)
	}
	data, err := json.Marshal(wh)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func ping(ctx context.Context, req *mcp.CallToolRequest, params *struct{}) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "pong"}},
	}, nil, nil
}

func main() {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "working-hours",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "working_hours",
		Description: "Working hours of a contact",
	}, hours)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Health check",
	}, ping)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
