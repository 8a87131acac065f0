package gateway

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultProtocolVersion is the MCP revision offered in initialize.
const DefaultProtocolVersion = "2024-11-05"

// Protocol method names used by the bridge.
const (
	MethodInitialize  = string(mcp.MethodInitialize)
	MethodInitialized = "notifications/initialized"
	MethodToolsCall   = string(mcp.MethodToolsCall)
	MethodToolsList   = string(mcp.MethodToolsList)
	MethodPing        = string(mcp.MethodPing)
)

// initialize performs the handshake: initialize, then the initialized
// notification. Failure terminates the process.
func (p *Process) initialize() {
	params := mcp.InitializeParams{
		ProtocolVersion: p.cfg.ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    p.cfg.ClientName,
			Version: p.cfg.ClientVersion,
		},
	}
	raw, err := p.rpc.Call(context.Background(), MethodInitialize, params, p.cfg.InitTimeout)
	if err != nil {
		p.failInit(err)
		return
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		p.failInit(errors.Wrap(err, "decode initialize result"))
		return
	}
	if err := p.rpc.Notify(MethodInitialized, nil); err != nil {
		p.failInit(err)
		return
	}

	p.markReady()
	p.logger.Info("Gateway ready",
		"server", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version,
		"protocolVersion", result.ProtocolVersion)
}

func (p *Process) failInit(err error) {
	p.mu.Lock()
	if p.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	p.initErr = err
	p.mu.Unlock()

	p.logger.Error("Gateway initialize failed", "error", err)
	p.shutdown(errors.Wrap(err, "initialize"))
}

// CallTool runs one tools/call and returns the raw result envelope.
func (p *Process) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return p.Call(ctx, MethodToolsCall, mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// ListTools returns the gateway's tool catalog.
func (p *Process) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	raw, err := p.Call(ctx, MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode tools/list result")
	}
	return &result, nil
}
