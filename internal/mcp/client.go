// Package mcp connects to the coding-agent platform's MCP server and exposes
// it as a tools.Caller.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ErrNotConnected is returned by calls made before Connect succeeds.
var ErrNotConnected = errors.New("mcp: not connected")

// Status reports the connection state of the server.
type Status struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools"`
	Error     string   `json:"error,omitempty"`
}

// Factory creates an unstarted client. Overridable for tests.
type Factory func() (*mcpclient.Client, error)

// Client holds one MCP connection with health monitoring and reconnection.
type Client struct {
	name      string
	transport string
	factory   Factory
	version   string

	mu     sync.RWMutex
	client *mcpclient.Client
	tools  map[string]struct{}
	cancel context.CancelFunc

	connected      atomic.Bool
	stateMu        sync.Mutex
	reconnAttempts int
	lastErr        string

	healthInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithFactory replaces the transport factory derived from config.
func WithFactory(f Factory) Option {
	return func(c *Client) { c.factory = f }
}

// WithHealthInterval overrides the ping interval.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) { c.healthInterval = d }
}

// WithVersion sets the client version sent in the initialize handshake.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// New builds a client for cfg. Nothing is dialled until Connect.
func New(cfg config.MCPConfig, opts ...Option) *Client {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	name := cfg.Name
	if name == "" {
		name = "platform"
	}
	c := &Client{
		name:           name,
		transport:      cfg.Transport,
		version:        "dev",
		healthInterval: healthCheckInterval,
		factory: func() (*mcpclient.Client, error) {
			return createClient(cfg.Transport, cfg.Command, cfg.Args, cfg.Env, cfg.URL, headers)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials, initializes, discovers tools, and starts the health loop.
func (c *Client) Connect(ctx context.Context) error {
	client, names, err := c.dial(ctx)
	if err != nil {
		c.setErr(err)
		return err
	}
	c.install(client, names)

	hctx, hcancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = hcancel
	c.mu.Unlock()
	go c.healthLoop(hctx)

	slog.Info("mcp.server.connected",
		"server", c.name,
		"transport", c.transport,
		"tools", len(names),
	)
	return nil
}

func (c *Client) dial(ctx context.Context) (*mcpclient.Client, []string, error) {
	client, err := c.factory()
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	// SSE/streamable-http/in-process need explicit Start; stdio auto-starts.
	if c.transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "wacoder",
		Version: c.version,
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		names = append(names, t.Name)
	}
	return client, names, nil
}

func (c *Client) install(client *mcpclient.Client, names []string) {
	c.mu.Lock()
	old := c.client
	c.client = client
	c.tools = toSet(names)
	c.mu.Unlock()
	if old != nil && old != client {
		_ = old.Close()
	}
	c.markHealthy()
}

func (c *Client) current() *mcpclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// HasTool reports whether the server advertised name.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// CallTool invokes name and returns its payload as JSON. Structured content
// wins over text; text that is not JSON is returned as a JSON string.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	client := c.current()
	if client == nil {
		return nil, ErrNotConnected
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool returned an error"
		}
		return nil, fmt.Errorf("%w: %s", tools.ErrToolFailed, text)
	}

	if res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("encode structured result: %w", err)
		}
		return data, nil
	}
	if json.Valid([]byte(text)) && text != "" {
		return json.RawMessage(text), nil
	}
	data, _ := json.Marshal(text)
	return data, nil
}

func joinText(content []mcpgo.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := mcpgo.AsTextContent(item); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	client := c.current()
	if client == nil {
		return ErrNotConnected
	}
	return client.Ping(ctx)
}

// Status returns a snapshot for doctor and /health.
func (c *Client) Status() Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.tools))
	for n := range c.tools {
		names = append(names, n)
	}
	c.mu.RUnlock()

	c.stateMu.Lock()
	lastErr := c.lastErr
	c.stateMu.Unlock()

	return Status{
		Name:      c.name,
		Transport: c.transport,
		Connected: c.connected.Load(),
		Tools:     sortedCopy(names),
		Error:     lastErr,
	}
}

// Close stops health monitoring and closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, client := c.cancel, c.client
	c.cancel, c.client = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.connected.Store(false)
	if client != nil {
		return client.Close()
	}
	return nil
}

func (c *Client) markHealthy() {
	c.connected.Store(true)
	c.stateMu.Lock()
	c.reconnAttempts = 0
	c.lastErr = ""
	c.stateMu.Unlock()
}

func (c *Client) setErr(err error) {
	c.connected.Store(false)
	c.stateMu.Lock()
	c.lastErr = err.Error()
	c.stateMu.Unlock()
}
