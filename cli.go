package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/workspace/qb-bridge/internal/wsclient"
)

// remote holds the flags shared by commands that talk to a running bridge.
type remote struct {
	url     string
	token   string
	session string
	timeout time.Duration
}

func (r *remote) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.url, "url", envOr("QB_BRIDGE_URL", "http://localhost:3003"), "bridge base URL")
	cmd.Flags().StringVar(&r.token, "token", os.Getenv("QB_BRIDGE_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&r.session, "session", "", "session id (default session when empty)")
	cmd.Flags().DurationVar(&r.timeout, "timeout", 60*time.Second, "request timeout")
}

func (r *remote) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(r.url, "/") + path)
	if err != nil {
		return nil, errors.Wrap(err, "parse bridge url")
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		var failure struct {
			Error struct {
				Message string `json:"message"`
				Kind    string `json:"kind"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &failure) == nil && failure.Error.Message != "" {
			return nil, errors.Newf("bridge returned %d (%s): %s", resp.StatusCode, failure.Error.Kind, failure.Error.Message)
		}
		return nil, errors.Newf("bridge returned %d", resp.StatusCode)
	}
	return data, nil
}

func (r *remote) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(r.url, "/") + "/ws")
	if err != nil {
		return "", errors.Wrap(err, "parse bridge url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func newCallCmd() *cobra.Command {
	var r remote
	cmd := &cobra.Command{
		Use:   "call <tool> [json-params]",
		Short: "Call a tool through a running bridge",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"method": args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("params must be valid JSON")
				}
				body["params"] = json.RawMessage(args[1])
			}
			if r.session != "" {
				body["sessionId"] = r.session
			}
			data, err := r.do(cmd.Context(), http.MethodPost, "/bridge", nil, body)
			if err != nil {
				return err
			}
			var resp struct {
				Result json.RawMessage `json:"result"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return errors.Wrap(err, "decode response")
			}
			return printJSON(cmd.OutOrStdout(), resp.Result)
		},
	}
	r.bind(cmd)
	return cmd
}

func newToolsCmd() *cobra.Command {
	var r remote
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the gateway's tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if r.session != "" {
				query.Set("sessionId", r.session)
			}
			data, err := r.do(cmd.Context(), http.MethodGet, "/tools", query, nil)
			if err != nil {
				return err
			}
			var resp struct {
				Tools []struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				} `json:"tools"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return errors.Wrap(err, "decode response")
			}
			out := cmd.OutOrStdout()
			for _, tool := range resp.Tools {
				fmt.Fprintf(out, "%-32s %s\n", tool.Name, firstLine(tool.Description))
			}
			return nil
		},
	}
	r.bind(cmd)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var (
		r     remote
		calls bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions and recent history",
		Long:  "Lists live sessions and recent history. With --calls and --session, lists the recorded calls of that session instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/sessions"
			if calls {
				if r.session == "" {
					return errors.New("--calls requires --session")
				}
				path = "/sessions/" + url.PathEscape(r.session) + "/calls"
			}
			data, err := r.do(cmd.Context(), http.MethodGet, path, nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	r.bind(cmd)
	cmd.Flags().BoolVar(&calls, "calls", false, "list recorded calls of --session")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var r remote
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a WebSocket connection and print its state transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := r.wsURL()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			failed := make(chan error, 1)
			sup := wsclient.New(wsclient.Config{URL: target, Token: r.token})
			sup.Subscribe(func(st wsclient.Status) {
				line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), st.State)
				if st.State == wsclient.StateReconnecting {
					line += fmt.Sprintf(" attempt=%d in=%s", st.Attempts, st.NextDelay)
				}
				if st.Err != nil {
					line += " err=" + st.Err.Error()
				}
				fmt.Fprintln(out, line)
				if st.State == wsclient.StateFailed {
					select {
					case failed <- st.Err:
					default:
					}
				}
			})

			if err := sup.Connect(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				sup.Disconnect()
				return nil
			case err := <-failed:
				return err
			}
		},
	}
	r.bind(cmd)
	return cmd
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := fmt.Fprintln(w, string(data))
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
