package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/tool"
)

const protocolVersion = "2024-11-05"

// Client owns the connection to one remote tool server. The tools it exposes
// are adapted into registry definitions whose handlers call back through it;
// a lost connection surfaces as tool.ErrUnavailable, never a crash.
type Client struct {
	cfg       ServerConfig
	transport Transport
	logger    *zap.Logger

	tools      []ToolSpec
	serverInfo initializeResult
}

// NewClient creates a client for one declared server.
func NewClient(cfg ServerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		transport: NewTransport(cfg),
		logger:    logger.With(zap.String("server", cfg.ID)),
	}
}

// Connect establishes the transport, performs the initialize handshake, and
// fetches the advertised tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect to server %s: %w", c.cfg.ID, err)
	}

	raw, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "quill",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize server %s: %w", c.cfg.ID, err)
	}
	if err := json.Unmarshal(raw, &c.serverInfo); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	raw, err = c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("list tools on server %s: %w", c.cfg.ID, err)
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse tool list: %w", err)
	}
	c.tools = listed.Tools

	c.logger.Info("connected to remote tool server",
		zap.String("name", c.serverInfo.ServerName),
		zap.String("version", c.serverInfo.ServerVersion),
		zap.Int("tools", len(c.tools)))
	return nil
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the transport is still up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ID returns the configured server ID.
func (c *Client) ID() string {
	return c.cfg.ID
}

// Call invokes one remote tool.
func (c *Client) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if !c.transport.Connected() {
		return "", fmt.Errorf("%w: server %s disconnected", tool.ErrUnavailable, c.cfg.ID)
	}
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: call %s on %s: %v", tool.ErrUnavailable, name, c.cfg.ID, err)
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parse call result: %w", err)
	}
	if result.IsError {
		return "", fmt.Errorf("remote tool %s failed: %s", name, result.Content)
	}
	return result.Content, nil
}

// Definitions adapts the server's advertised tools to registry definitions.
// Names are prefixed with the server ID so two servers cannot collide.
func (c *Client) Definitions() []*tool.Definition {
	defs := make([]*tool.Definition, 0, len(c.tools))
	for _, spec := range c.tools {
		remoteName := spec.Name
		defs = append(defs, &tool.Definition{
			Name:        c.cfg.ID + "." + spec.Name,
			Description: spec.Description,
			Schema:      spec.InputSchema,
			Server:      c.cfg.ID,
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				return c.Call(ctx, remoteName, args)
			},
		})
	}
	return defs
}
