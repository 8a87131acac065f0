// qb-bridge - JSON-RPC gateway bridge for the Quickbase MCP server
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/qb-bridge/internal/config"
	"github.com/workspace/qb-bridge/internal/logging"
	"github.com/workspace/qb-bridge/internal/server"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "qb-bridge",
		Short:         "Bridge HTTP and WebSocket clients to a stdio MCP gateway",
		Long:          "qb-bridge spawns the Quickbase MCP gateway as a subprocess and exposes its tools over HTTP POST /bridge and a WebSocket passthrough.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCallCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qb-bridge %s (commit: %s)\n", Version, Commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Long:  "Runs the bridge until SIGINT or SIGTERM, then drains requests and terminates every gateway process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Install(logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Configuration loaded", "port", cfg.Port, "gateway", cfg.GatewayCommand, "maxSessions", cfg.MaxSessions)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		slog.Error("Server error", "error", serveErr)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Graceful shutdown: drain HTTP, close sockets, terminate gateways.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("Bridge stopped")
	return serveErr
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	logging.Setup()
	os.Exit(execute(newRootCmd()))
}
