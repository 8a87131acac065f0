// Package gatewaytest runs a scripted gateway inside a re-executed test
// binary so tests can drive real subprocesses.
//
// A test package wires it up with:
//
//	func TestGatewayHelperProcess(t *testing.T) { gatewaytest.ServeIfHelper() }
//
// and starts processes from gatewaytest.Config(mode).
package gatewaytest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/workspace/qb-bridge/internal/gateway"
)

const (
	helperEnv = "GO_WANT_GATEWAY_HELPER"
	modeEnv   = "FAKE_GATEWAY_MODE"
)

// Modes understood by the fake gateway.
const (
	// ModeScripted answers initialize and a fixed set of tools.
	ModeScripted = "scripted"
	// ModeSilent reads input but never answers.
	ModeSilent = "silent"
	// ModeExit exits with status 1 immediately.
	ModeExit = "exit"
	// ModeStubborn behaves like ModeScripted but ignores SIGTERM and
	// stdin EOF.
	ModeStubborn = "stubborn"
	// ModeMCPGo serves tools with the mcp-go stdio server.
	ModeMCPGo = "mcp-go"
)

// Config returns a gateway config that re-executes the current test binary
// as a fake gateway in the given mode. Extra env pairs are passed through.
func Config(mode string, env ...string) gateway.Config {
	return gateway.Config{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestGatewayHelperProcess$", "--"},
		Env:            append([]string{helperEnv + "=1", modeEnv + "=" + mode}, env...),
		CallTimeout:    5 * time.Second,
		InitTimeout:    5 * time.Second,
		TerminateGrace: 2 * time.Second,
		SweepInterval:  time.Second,
	}
}

// ServeIfHelper runs the fake gateway and exits when the binary was started
// by Config. Otherwise it returns immediately.
func ServeIfHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	switch os.Getenv(modeEnv) {
	case ModeExit:
		fmt.Fprintln(os.Stderr, "fake gateway: missing credentials")
		os.Exit(1)
	case ModeSilent:
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case ModeMCPGo:
		serveMCPGo()
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		serveScripted()
		// Outlive stdin so only SIGKILL ends the process.
		time.Sleep(time.Hour)
	default:
		serveScripted()
	}
	os.Exit(0)
}

type fake struct {
	mu          sync.Mutex
	out         *bufio.Writer
	initialized bool
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func serveScripted() {
	f := &fake{out: bufio.NewWriter(os.Stdout)}

	// Non-protocol chatter on stdout, which clients must tolerate.
	f.writeRaw("fake gateway starting")
	fmt.Fprintln(os.Stderr, "fake gateway: listening on stdio")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			f.reply(nil, nil, &rpcError{Code: mcp.PARSE_ERROR, Message: "Parse error"})
			continue
		}
		f.handle(req)
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *fake) handle(req request) {
	switch req.Method {
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.reply(req.ID, map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-gateway", "version": "0.0.1"},
		}, nil)
	case "notifications/initialized":
		f.mu.Lock()
		f.initialized = true
		f.mu.Unlock()
	case "tools/list":
		f.reply(req.ID, map[string]any{
			"tools": []map[string]any{
				{"name": "echo", "description": "Echo arguments", "inputSchema": map[string]any{"type": "object"}},
				{"name": "sleep", "description": "Reply after ms", "inputSchema": map[string]any{"type": "object"}},
			},
		}, nil)
	case "tools/call":
		f.mu.Lock()
		ready := f.initialized
		f.mu.Unlock()
		if !ready {
			f.reply(req.ID, nil, &rpcError{Code: -32002, Message: "not initialized"})
			return
		}
		f.callTool(req)
	case "ping":
		f.reply(req.ID, map[string]any{}, nil)
	default:
		if len(req.ID) > 0 {
			f.reply(req.ID, nil, &rpcError{Code: mcp.METHOD_NOT_FOUND, Message: "method not found: " + req.Method})
		}
	}
}

func (f *fake) callTool(req request) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		f.reply(req.ID, nil, &rpcError{Code: mcp.INVALID_PARAMS, Message: err.Error()})
		return
	}

	switch p.Name {
	case "echo":
		f.replyText(req.ID, p.Arguments)
	case "env":
		f.replyText(req.ID, map[string]any{
			"realm":    os.Getenv("QUICKBASE_REALM_HOST"),
			"appId":    os.Getenv("QUICKBASE_APP_ID"),
			"tokenSet": os.Getenv("QUICKBASE_USER_TOKEN") != "",
		})
	case "sleep":
		ms, _ := strconv.Atoi(fmt.Sprint(p.Arguments["ms"]))
		go func() {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			f.replyText(req.ID, map[string]any{"slept": ms})
		}()
	case "text":
		f.reply(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Record saved"}},
		}, nil)
	case "tool_error":
		f.reply(req.ID, map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": "Invalid table id"}},
		}, nil)
	case "fail":
		f.reply(req.ID, nil, &rpcError{Code: mcp.INVALID_PARAMS, Message: "bad arguments"})
	case "notify":
		f.write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/message",
			"params":  map[string]any{"level": "info", "data": "working"},
		})
		f.replyText(req.ID, map[string]any{"notified": true})
	case "crash":
		os.Exit(3)
	case "hangup":
		// Stop talking but stay alive until SIGKILL.
		signal.Ignore(syscall.SIGTERM)
		f.mu.Lock()
		_ = os.Stdout.Close()
		f.mu.Unlock()
		time.Sleep(time.Hour)
	default:
		f.reply(req.ID, nil, &rpcError{Code: mcp.METHOD_NOT_FOUND, Message: "unknown tool: " + p.Name})
	}
}

func (f *fake) replyText(id json.RawMessage, value any) {
	text, _ := json.Marshal(value)
	f.reply(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}, nil)
}

func (f *fake) reply(id json.RawMessage, result any, rpcErr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	f.write(msg)
}

func (f *fake) write(msg any) {
	b, _ := json.Marshal(msg)
	f.writeRaw(string(b))
}

func (f *fake) writeRaw(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.WriteString(line)
	f.out.WriteByte('\n')
	f.out.Flush()
}

func serveMCPGo() {
	s := server.NewMCPServer("fake-quickbase", "0.0.1")
	s.AddTool(mcp.Tool{
		Name:        "get_table",
		Description: "Returns table metadata",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"tableId": map[string]any{"type": "string"},
			},
			Required: []string{"tableId"},
		},
	}, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tableID, err := request.RequireString("tableId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, _ := json.Marshal(map[string]any{"id": tableID, "name": "Projects"})
		return mcp.NewToolResultText(string(text)), nil
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "serve stdio helper: %v\n", err)
		os.Exit(1)
	}
}
