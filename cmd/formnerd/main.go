// Command formnerd detects and fills web forms for LLM agents. It serves the form tools
// over MCP and offers offline detection of saved pages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath   string
	workspaceDir string
	noWorkspace  bool
	logLevel     string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "formnerd",
	Short: "FormNERD - form detection and filling for LLM agents",
	Long: `FormNERD finds every form on a page, labels its fields and fills them on request.

Run "formnerd serve" to expose the form tools over MCP, or "formnerd detect page.html"
to inspect a saved page without a browser.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Explicit config file (overrides the workspace config)")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Workspace root holding .formnerd/ (default: walk up from cwd)")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .formnerd/ discovery")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug | info | warn | error (overrides server.log_level)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also log to stderr (never in stdio serve mode)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig merges defaults, the workspace config and --config. It does not validate:
// serve validates after applying its own flags.
func loadConfig() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:      noWorkspace,
		ExplicitDir:  workspaceDir,
		SkipValidate: true,
	})
	if err != nil {
		return cfg, wsDir, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	return cfg, wsDir, nil
}

// newLogger builds the process logger. console must stay false when stdout carries MCP.
func newLogger(cfg config.Config, console bool) (*zap.Logger, func(), error) {
	logger, cleanup, err := logging.New(logging.Options{
		Level:   cfg.Server.LogLevel,
		File:    cfg.Server.LogFile,
		Console: console,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("init logger: %w", err)
	}
	return logger, cleanup, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
