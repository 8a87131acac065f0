package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMainShutdownSourceContract(t *testing.T) {
	path := filepath.Join("main.go")
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	content := string(contentBytes)

	for _, needle := range []string{
		"Received signal",
		"syscall.SIGTERM",
		"srv.Stop(ctx)",
	} {
		if !strings.Contains(content, needle) {
			t.Fatalf("expected %q in %s", needle, path)
		}
	}
}

type capturedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func fakeBridge(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(ts.Close)
	return ts, got
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	ts, got := fakeBridge(t, http.StatusOK, `{"result":{"rows":2}}`)

	out, err := run(t, "call", "query_records", `{"table":"t1"}`,
		"--url", ts.URL, "--token", "tok", "--session", "s1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/bridge" {
		t.Fatalf("request = %s %s", got.method, got.path)
	}
	if got.auth != "Bearer tok" {
		t.Fatalf("auth = %q", got.auth)
	}
	if got.body["method"] != "query_records" || got.body["sessionId"] != "s1" {
		t.Fatalf("body = %v", got.body)
	}
	params, _ := got.body["params"].(map[string]any)
	if params["table"] != "t1" {
		t.Fatalf("params = %v", got.body["params"])
	}
	if !strings.Contains(out, `"rows": 2`) {
		t.Fatalf("output = %q", out)
	}
}

func TestCallCommandRejectsInvalidParams(t *testing.T) {
	if _, err := run(t, "call", "echo", "{not json", "--url", "http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error for invalid params")
	}
}

func TestCallCommandReportsBridgeError(t *testing.T) {
	ts, _ := fakeBridge(t, http.StatusUnprocessableEntity,
		`{"error":{"message":"Invalid table","kind":"tool_error"}}`)

	_, err := run(t, "call", "query_records", "--url", ts.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"422", "tool_error", "Invalid table"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestToolsCommand(t *testing.T) {
	ts, got := fakeBridge(t, http.StatusOK,
		`{"tools":[{"name":"echo","description":"Echo input\nmore"},{"name":"sleep"}]}`)

	out, err := run(t, "tools", "--url", ts.URL, "--session", "s2")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if got.path != "/tools" || got.query != "sessionId=s2" {
		t.Fatalf("request = %s?%s", got.path, got.query)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("output lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "echo") || !strings.HasSuffix(lines[0], "Echo input") {
		t.Fatalf("first line = %q", lines[0])
	}
}

func TestSessionsCommand(t *testing.T) {
	ts, got := fakeBridge(t, http.StatusOK, `{"calls":[]}`)

	if _, err := run(t, "sessions", "--calls", "--url", ts.URL); err == nil {
		t.Fatal("expected --calls without --session to fail")
	}

	out, err := run(t, "sessions", "--calls", "--session", "a b", "--url", ts.URL)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if got.path != "/sessions/a b/calls" {
		t.Fatalf("path = %q", got.path)
	}
	if !strings.Contains(out, `"calls": []`) {
		t.Fatalf("output = %q", out)
	}
}

func TestRemoteWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:3003", "ws://localhost:3003/ws"},
		{"https://bridge.example.com/", "wss://bridge.example.com/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			r := remote{url: tt.base}
			got, err := r.wsURL()
			if err != nil {
				t.Fatalf("wsURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("wsURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "qb-bridge dev") {
		t.Fatalf("output = %q", out)
	}
}
