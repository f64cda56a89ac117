package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"slices"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/service/mcp"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	toolmemory "github.com/m-mizutani/rendezvous/pkg/tool/memory"
	toolscheduling "github.com/m-mizutani/rendezvous/pkg/tool/scheduling"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/genai"
)

const dims = 64

func newToolServer(t *testing.T) *mcp.Server {
	ctx := context.Background()
	repo := repository.NewInMemory(repository.WithDimensions(dims))

	registry := tool.New(toolscheduling.New(), toolmemory.New())
	gt.NoError(t, registry.Init(ctx, &tool.Client{
		Scheduling: scheduling.New(repo),
		Memory:     memory.New(repo, adapter.NewHashEmbedder(dims)),
	}))

	srv, err := mcp.NewServer(registry, mcp.WithDefaultOwner("robin"))
	gt.NoError(t, err)
	return srv
}

func connectInMemory(t *testing.T, srv *mcp.Server) *mcp.Client {
	ctx := context.Background()
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()

	_, err := srv.Connect(ctx, serverTransport)
	gt.NoError(t, err)

	client := mcp.NewClient()
	gt.NoError(t, client.ConnectTransport(ctx, "local", clientTransport))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func decodeText(t *testing.T, result *mcpsdk.CallToolResult) map[string]any {
	gt.A(t, result.Content).Length(1)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)

	var doc map[string]any
	gt.NoError(t, json.Unmarshal([]byte(text.Text), &doc))
	return doc
}

func TestServerListsTools(t *testing.T) {
	client := connectInMemory(t, newToolServer(t))

	tools, err := client.GetTools("local")
	gt.NoError(t, err)
	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	for _, want := range []string{"get_free_slots", "schedule_meeting", "add_potential_slot", "remember", "recall"} {
		gt.True(t, slices.Contains(names, want))
	}

	provider := mcp.NewProvider(client)
	ok, err := provider.Init(context.Background(), nil)
	gt.NoError(t, err)
	gt.True(t, ok)

	decls := map[string]*genai.FunctionDeclaration{}
	for _, d := range provider.Spec().FunctionDeclarations {
		decls[d.Name] = d
	}
	gt.A(t, provider.Spec().FunctionDeclarations).Length(5)
	gt.Equal(t, decls["get_free_slots"].Parameters.Properties["duration_minutes"].Type, genai.TypeInteger)
	gt.Equal(t, decls["get_free_slots"].Parameters.Properties["start"].Format, "date-time")
	gt.Equal(t, decls["add_potential_slot"].Parameters.Required, []string{"start", "end"})
}

func TestServerCallsTools(t *testing.T) {
	ctx := context.Background()
	client := connectInMemory(t, newToolServer(t))

	result, err := client.CallTool(ctx, "local", "add_potential_slot", map[string]any{
		"start": "2025-07-01T10:00:00Z",
		"end":   "2025-07-01T10:30:00Z",
		"title": "Office hours",
	})
	gt.NoError(t, err)
	gt.False(t, result.IsError)
	slot := decodeText(t, result)["result"].(map[string]any)
	gt.Equal(t, slot["title"], any("Office hours"))
	gt.Equal(t, slot["booked"], any(false))

	result, err = client.CallTool(ctx, "local", "add_potential_slot", map[string]any{
		"start": "2025-07-01T11:00:00Z",
		"end":   "2025-07-01T10:00:00Z",
	})
	gt.NoError(t, err)
	gt.True(t, result.IsError)
	gt.Equal(t, decodeText(t, result)["kind"], any("invalid_range"))

	// memory tools fall back to the server's default owner
	result, err = client.CallTool(ctx, "local", "remember", map[string]any{"text": "User prefers afternoon meetings"})
	gt.NoError(t, err)
	gt.Equal(t, decodeText(t, result)["result"].(map[string]any)["stored"], any(true))

	result, err = client.CallTool(ctx, "local", "recall", map[string]any{"query": "afternoon"})
	gt.NoError(t, err)
	memories := decodeText(t, result)["result"].(map[string]any)["memories"].([]any)
	gt.Equal(t, memories, []any{"User prefers afternoon meetings"})
}

func TestProviderExecute(t *testing.T) {
	ctx := context.Background()
	client := connectInMemory(t, newToolServer(t))

	provider := mcp.NewProvider(client)
	_, err := provider.Init(ctx, nil)
	gt.NoError(t, err)

	resp, err := provider.Execute(ctx, genai.FunctionCall{ID: "c1", Name: "get_free_slots", Args: map[string]any{
		"start": "2025-07-01T09:00:00Z",
		"end":   "2025-07-01T11:00:00Z",
	}})
	gt.NoError(t, err)
	gt.Equal(t, resp.ID, "c1")
	out := resp.Response["result"].(map[string]any)
	gt.A(t, out["slots"].([]any)).Length(0)
	gt.A(t, out["suggestions"].([]any)).Length(5)

	resp, err = provider.Execute(ctx, genai.FunctionCall{Name: "schedule_meeting", Args: map[string]any{"slot_id": "missing"}})
	gt.NoError(t, err)
	gt.Equal(t, resp.Response["kind"], any("not_found"))

	_, err = provider.Execute(ctx, genai.FunctionCall{Name: "unknown"})
	gt.Error(t, err)
}

func TestServerHTTPTransports(t *testing.T) {
	ctx := context.Background()
	httpServer := httptest.NewServer(newToolServer(t).Handler())
	defer httpServer.Close()

	client := mcp.NewClient()
	defer client.Close()

	gt.NoError(t, client.Connect(ctx, mcp.ServerConfig{Name: "sse", Transport: "sse", URL: httpServer.URL + "/sse"}))
	gt.NoError(t, client.Connect(ctx, mcp.ServerConfig{Name: "streamable", Transport: "http", URL: httpServer.URL + "/mcp"}))
	gt.Equal(t, client.GetAllServers(), []string{"sse", "streamable"})

	for _, name := range client.GetAllServers() {
		tools, err := client.GetTools(name)
		gt.NoError(t, err)
		gt.A(t, tools).Length(5)
	}

	result, err := client.CallTool(ctx, "sse", "get_free_slots", map[string]any{
		"start": "2025-07-01T09:00:00Z",
		"end":   "2025-07-01T11:00:00Z",
	})
	gt.NoError(t, err)
	gt.False(t, result.IsError)

	err = client.Connect(ctx, mcp.ServerConfig{Name: "sse", Transport: "sse", URL: httpServer.URL + "/sse"})
	gt.Error(t, err)
}

func TestLoadAndConnect(t *testing.T) {
	ctx := context.Background()

	provider, err := mcp.LoadAndConnect(ctx, "")
	gt.NoError(t, err)
	gt.True(t, provider == nil)

	_, err = mcp.LoadAndConnect(ctx, "testdata/missing.yaml")
	gt.Error(t, err)

	httpServer := httptest.NewServer(newToolServer(t).Handler())
	defer httpServer.Close()

	path := t.TempDir() + "/mcp.yaml"
	gt.NoError(t, os.WriteFile(path, []byte("servers:\n  - name: local\n    transport: http\n    url: "+httpServer.URL+"/mcp\n  - name: broken\n    transport: carrier-pigeon\n"), 0o600))

	provider, err = mcp.LoadAndConnect(ctx, path)
	gt.NoError(t, err)
	gt.True(t, provider != nil)
	defer provider.Close()

	ok, err := provider.Init(ctx, nil)
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.A(t, provider.Spec().FunctionDeclarations).Length(5)
}
