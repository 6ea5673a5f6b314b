package main

import (
	"context"
	"errors"
	"fmt"

	"formnerd-mcp-server/internal/browser"
	"formnerd-mcp-server/internal/mangle"
	mcpserver "formnerd-mcp-server/internal/mcp"
	"formnerd-mcp-server/internal/recorder"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ssePort   int
	noBrowser bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the form tools over MCP (stdio, or SSE with --sse-port)",
	Long: `Start the session manager and the MCP server.

In stdio mode stdout and stderr carry the protocol, so logs go to server.log_file only.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port (overrides mcp.sse_port)")
	serveCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not start Chrome at startup (overrides browser.auto_start)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, wsDir, err := loadConfig()
	if err != nil {
		return err
	}
	if noBrowser {
		cfg.Browser.AutoStart = false
	}
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, cleanup, err := newLogger(cfg, verbose && cfg.MCP.SSEPort > 0)
	if err != nil {
		return err
	}
	defer cleanup()
	if wsDir != "" {
		logger.Info("using workspace", zap.String("dir", wsDir))
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	engine, err := mangle.NewEngine(cfg.Mangle, logger)
	if err != nil {
		return fmt.Errorf("init mangle engine: %w", err)
	}

	deps := browser.AgentDeps{Forms: cfg.Forms, Engine: engine, Logger: logger}
	if cfg.Recorder.Enable {
		rec, err := recorder.New(cfg.Recorder.Dir, recorder.DefaultMaxFiles, logger)
		if err != nil {
			return fmt.Errorf("init recorder: %w", err)
		}
		defer rec.Close()
		deps.Traces = rec
	}

	sessions := browser.NewSessionManager(cfg.Browser, deps)
	defer func() {
		if err := sessions.Shutdown(context.Background()); err != nil {
			logger.Warn("session shutdown", zap.Error(err))
		}
	}()
	if cfg.Browser.AutoStart {
		if err := sessions.Start(ctx); err != nil {
			return fmt.Errorf("start session manager: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser or load-html")
	}

	server, err := mcpserver.NewServer(cfg, sessions, engine, logger)
	if err != nil {
		return fmt.Errorf("init MCP server: %w", err)
	}

	if cfg.MCP.SSEPort > 0 {
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
