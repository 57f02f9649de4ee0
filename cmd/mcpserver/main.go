// Command mcpserver serves the settlement MCP tools over stdio.
package main

import (
	"context"
	"os"

	"foundry-backend/config"
	"foundry-backend/container"
	"foundry-backend/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	// stdout carries the protocol, so logs go to stderr.
	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	c, err := container.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to init container", "error", err)
		os.Exit(1)
	}

	logger.Info("Foundry MCP server starting", "store", cfg.Store.Driver)
	err = c.MCP.ServeStdio()
	c.Close()
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
