package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"formnerd-mcp-server/internal/browser"
	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/dom/htmldom"
	"formnerd-mcp-server/internal/form"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const watchDebounce = 200 * time.Millisecond

var (
	pageURL string
	compact bool
)

var detectCmd = &cobra.Command{
	Use:   "detect FILE",
	Short: "Detect the forms of a saved HTML page and print the form context as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger, cleanup, err := newLogger(cfg, verbose)
		if err != nil {
			return err
		}
		defer cleanup()

		fc, err := detectFile(cmd.Context(), args[0], pageURL, cfg.Forms, logger)
		if err != nil {
			return err
		}
		return writeContext(cmd.OutOrStdout(), fc, !compact)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch FILE",
	Short: "Re-detect a saved HTML page every time it changes on disk",
	Long: `Print a one-line summary per form after every change to FILE. Rapid saves are
coalesced. Stop with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger, cleanup, err := newLogger(cfg, verbose)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return watchFile(ctx, args[0], pageURL, cfg.Forms, watchDebounce, cmd.OutOrStdout(), logger)
	},
}

func init() {
	for _, c := range []*cobra.Command{detectCmd, watchCmd} {
		c.Flags().StringVar(&pageURL, "url", "", "URL reported in the form context (default: file:// path)")
	}
	detectCmd.Flags().BoolVar(&compact, "compact", false, "Print JSON on one line")
}

// detectFile runs one detection pass over a saved page with the static backend.
func detectFile(ctx context.Context, path, url string, forms config.FormsConfig, logger *zap.Logger) (form.Context, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return form.Context{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return form.Context{}, err
	}
	defer f.Close()

	if url == "" {
		url = "file://" + filepath.ToSlash(abs)
	}
	doc, err := htmldom.Parse(f, htmldom.WithURL(url))
	if err != nil {
		return form.Context{}, err
	}
	defer doc.Close()

	off := false
	forms.Watch = &off
	agent, err := browser.NewAgent(ctx, "cli", doc, browser.AgentDeps{Forms: forms, Logger: logger})
	if err != nil {
		return form.Context{}, fmt.Errorf("detect %s: %w", path, err)
	}
	defer agent.Close()
	return agent.Context(), nil
}

func writeContext(w io.Writer, fc form.Context, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(fc)
}

func writeSummary(w io.Writer, pass int, fc form.Context) {
	fmt.Fprintf(w, "pass %d: %d forms, %d fields (%s)\n", pass, len(fc.Forms), fc.FieldCount(), fc.URL)
	for _, f := range fc.Forms {
		required := 0
		for _, field := range f.Fields {
			if field.Required {
				required++
			}
		}
		fmt.Fprintf(w, "  %s: %d fields, %d required\n", f.ID, len(f.Fields), required)
	}
}

// watchFile detects once, then again after each settled change to path. The directory is
// watched rather than the file so editors that save by rename are still seen.
func watchFile(ctx context.Context, path, url string, forms config.FormsConfig, debounce time.Duration, out io.Writer, logger *zap.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	pass := 0
	run := func() {
		pass++
		fc, err := detectFile(ctx, abs, url, forms, logger)
		if err != nil {
			fmt.Fprintf(out, "pass %d: %v\n", pass, err)
			return
		}
		writeSummary(out, pass, fc)
	}
	run()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("page changed", zap.String("file", abs), zap.String("op", event.Op.String()))
			settle = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-settle:
			settle = nil
			run()
		}
	}
}
