// rentledger-mcp exposes read-only rentledger tools to MCP-compatible AI
// hosts over stdio.
//
// Example host configuration:
//
//	{
//	  "mcpServers": {
//	    "rentledger": {
//	      "command": "/path/to/rentledger-mcp",
//	      "args": ["--server", "http://localhost:8080", "--token", "..."]
//	    }
//	  }
//	}
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/rentledger/internal/mcpbridge"
	"github.com/jmerrifield20/rentledger/pkg/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

var (
	serverURL   string
	bearerToken string
	timeout     time.Duration
	verbose     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rentledger-mcp",
	Short: "MCP bridge for rentledger",
	Long: `rentledger-mcp is a stdio MCP server exposing four read-only tools:

  list_events     - a subject's events in chain order
  get_chain       - a subject's hash chain and root
  verify_chain    - check a subject's history against its anchors
  latest_insight  - a subject's latest payment risk insight

All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "rentledger server URL")
	rootCmd.Flags().StringVar(&bearerToken, "token", os.Getenv("RENTLEDGER_TOKEN"), "caller token (needed for verify_chain when the server gates it)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "log every tool call")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	opts := []client.Option{client.WithTimeout(timeout)}
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	c, err := client.New(serverURL, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	server := mcpbridge.NewServer(os.Stdout, mcpbridge.NewToolRegistry(c), version, logger)
	logger.Info("rentledger MCP bridge ready", zap.String("server", serverURL))
	return server.Serve(cmd.Context(), os.Stdin)
}
