package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/genai"
)

// Version is reported in the MCP handshake
const Version = "0.1.0"

const shutdownTimeout = 5 * time.Second

// Server publishes the enabled tools of a registry over MCP
type Server struct {
	registry *tool.Registry
	server   *mcp.Server
	owner    model.OwnerID
}

type ServerOption func(*Server)

// WithDefaultOwner sets the owner used by memory tools when a call does
// not name one
func WithDefaultOwner(owner model.OwnerID) ServerOption {
	return func(s *Server) {
		s.owner = owner
	}
}

// NewServer registers every function declared by the registry. The
// registry must be initialized.
func NewServer(registry *tool.Registry, opts ...ServerOption) (*Server, error) {
	s := &Server{
		registry: registry,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "rendezvous",
			Version: Version,
		}, nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, decl := range registry.Declarations() {
		schema, err := convertGenaiToJSONSchema(decl.Parameters)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert tool schema", goerr.V("tool", decl.Name))
		}

		s.server.AddTool(&mcp.Tool{
			Name:        decl.Name,
			Description: decl.Description,
			InputSchema: schema,
		}, s.handler(decl.Name))
	}

	return s, nil
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logger := logging.From(ctx).With("tool", name)

		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(goerr.Wrap(err, "arguments must be a JSON object")), nil
			}
		}

		if s.owner != "" {
			ctx = tool.WithOwner(ctx, s.owner)
		}

		resp, err := s.registry.Execute(ctx, genai.FunctionCall{Name: name, Args: args})
		if err != nil {
			logger.Warn("tool execution failed", "error", err)
			return errorResult(err), nil
		}

		data, err := json.Marshal(resp.Response)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to marshal tool response", goerr.V("tool", name))
		}

		_, failed := resp.Response["error"]
		logger.Debug("tool executed", "failed", failed)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
			IsError: failed,
		}, nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]any{
		"error": err.Error(),
		"kind":  tool.ErrorKind(err),
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}

// Handler serves the SSE transport at /sse and streamable HTTP at /mcp
func (s *Server) Handler() http.Handler {
	getServer := func(*http.Request) *mcp.Server { return s.server }

	mux := http.NewServeMux()
	mux.Handle("/sse", mcp.NewSSEHandler(getServer, nil))
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(getServer, nil))
	return mux
}

// Connect serves a single session over transport, e.g. stdio or an
// in-memory pipe
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	session, err := s.server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to start MCP session")
	}
	return session, nil
}

// Run serves transport until the client disconnects or ctx ends
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

// ListenAndServe serves Handler on addr until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("MCP server listening", "addr", addr, "sse", "/sse", "streamable", "/mcp")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return goerr.Wrap(err, "MCP server failed", goerr.V("addr", addr))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down MCP server")
	}
	return nil
}
