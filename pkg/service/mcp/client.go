package mcp

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// Client manages connections to multiple MCP servers
type Client struct {
	mu      sync.RWMutex
	servers map[string]*server
}

type server struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// ServerConfig represents configuration for a single MCP server
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio", "http" or "sse"
	Command   []string          `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

func NewClient() *Client {
	return &Client{
		servers: make(map[string]*server),
	}
}

// Connect connects to an MCP server with the given configuration
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) error {
	var (
		transport mcp.Transport
		err       error
	)

	switch cfg.Transport {
	case "stdio":
		transport, err = stdioTransport(cfg)
	case "http":
		transport, err = httpTransport(cfg)
	case "sse":
		transport, err = sseTransport(cfg)
	default:
		return goerr.New("unsupported transport",
			goerr.V("transport", cfg.Transport),
			goerr.V("supported", []string{"stdio", "http", "sse"}))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create transport", goerr.V("server", cfg.Name))
	}

	return c.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport connects to a server over an already built transport
func (c *Client) ConnectTransport(ctx context.Context, name string, transport mcp.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.servers[name]; exists {
		return goerr.New("server already connected", goerr.V("name", name))
	}

	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "rendezvous",
		Version: Version,
	}, nil)

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to connect to MCP server", goerr.V("server", name))
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return goerr.Wrap(err, "failed to list tools", goerr.V("server", name))
	}

	c.servers[name] = &server{
		name:    name,
		session: session,
		tools:   toolsResult.Tools,
	}
	return nil
}

func stdioTransport(cfg ServerConfig) (mcp.Transport, error) {
	if len(cfg.Command) == 0 {
		return nil, goerr.New("command is required for stdio transport")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	return &mcp.CommandTransport{Command: cmd}, nil
}

func httpTransport(cfg ServerConfig) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, goerr.New("url is required for http transport")
	}
	return &mcp.StreamableClientTransport{Endpoint: cfg.URL}, nil
}

func sseTransport(cfg ServerConfig) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, goerr.New("url is required for sse transport")
	}
	return &mcp.SSEClientTransport{Endpoint: cfg.URL}, nil
}

// GetTools returns all tools from a specific server
func (c *Client) GetTools(serverName string) ([]*mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	srv, exists := c.servers[serverName]
	if !exists {
		return nil, goerr.New("server not found", goerr.V("name", serverName))
	}
	return srv.tools, nil
}

// GetAllServers returns names of all connected servers in name order
func (c *Client) GetAllServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool calls a tool on a specific server
func (c *Client) CallTool(ctx context.Context, serverName string, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	srv, exists := c.servers[serverName]
	c.mu.RUnlock()
	if !exists {
		return nil, goerr.New("server not found", goerr.V("name", serverName))
	}

	result, err := srv.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call tool",
			goerr.V("server", serverName),
			goerr.V("tool", toolName))
	}

	return result, nil
}

// Close closes all MCP server connections
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, srv := range c.servers {
		if err := srv.session.Close(); err != nil && firstErr == nil {
			firstErr = goerr.Wrap(err, "failed to close session", goerr.V("server", name))
		}
	}
	c.servers = make(map[string]*server)
	return firstErr
}

// Config represents the MCP configuration file structure
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadConfig reads an MCP client configuration file
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve config path", goerr.V("path", path))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read MCP config file", goerr.V("path", absPath))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse MCP config file", goerr.V("path", absPath))
	}
	return &cfg, nil
}

// LoadAndConnect loads MCP configuration from file and connects to all
// servers. It returns nil without error when nothing is configured or no
// server could be reached; connection failures are only logged.
func LoadAndConnect(ctx context.Context, configPath string) (*Provider, error) {
	if configPath == "" {
		return nil, nil
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	if len(cfg.Servers) == 0 {
		logger.Info("no MCP servers configured", "path", configPath)
		return nil, nil
	}

	client := NewClient()
	failed := 0
	for _, serverCfg := range cfg.Servers {
		if err := client.Connect(ctx, serverCfg); err != nil {
			logger.Warn("failed to connect to MCP server", "server", serverCfg.Name, "error", err)
			failed++
			continue
		}
		logger.Info("connected to MCP server", "server", serverCfg.Name, "transport", serverCfg.Transport)
	}

	if len(client.GetAllServers()) == 0 {
		logger.Warn("no MCP servers connected", "failed", failed)
		return nil, nil
	}

	return NewProvider(client), nil
}
