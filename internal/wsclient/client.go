package wsclient

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/workspace/qb-bridge/internal/toolresult"
)

// Client issues MCP tool calls through a Supervisor's connection.
type Client struct {
	*Supervisor
}

// NewClient returns a Client with a fresh, disconnected Supervisor.
func NewClient(cfg Config) *Client {
	return &Client{Supervisor: New(cfg)}
}

// CallTool runs a tool and returns its unwrapped value.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Call(ctx, string(mcp.MethodToolsCall), mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return toolresult.Unwrap(raw)
}

// ListTools returns the gateway's tool catalog.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	raw, err := c.Call(ctx, string(mcp.MethodToolsList), struct{}{})
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode tools/list result")
	}
	return &result, nil
}
