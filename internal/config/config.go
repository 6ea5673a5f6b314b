package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName holds project-level config, found by walking up from the cwd.
	WorkspaceDirName    = ".formnerd"
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth bounds the walk up.
	MaxSearchDepth = 10
)

// WorkspaceOptions mirror the --no-workspace and --workspace-dir flags.
type WorkspaceOptions struct {
	Disable     bool
	ExplicitDir string
	// SkipValidate is for commands that never start the server.
	SkipValidate bool
}

// Config is the whole FormNERD configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Forms    FormsConfig    `yaml:"forms"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrowserConfig says where the live sessions come from. One of DebuggerURL or Launch is
// needed when AutoStart is on. Timeouts are duration strings.
type BrowserConfig struct {
	DebuggerURL string   `yaml:"debugger_url"` // ws://host:9222
	Launch      []string `yaml:"launch"`       // argv that starts Chrome with remote debugging
	AutoStart   bool     `yaml:"auto_start"`
	Headless    *bool    `yaml:"headless"` // nil means headless

	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	DefaultAttachTimeout     string `yaml:"default_attach_timeout"`
	// DefaultElementTimeout bounds each DOM read or write on a live page.
	DefaultElementTimeout string `yaml:"default_element_timeout"`
	// WatchPollInterval is how often the in-page mutation counter is drained.
	WatchPollInterval string `yaml:"watch_poll_interval"`

	// SessionStore is a JSON file of browser sessions kept across restarts. Empty disables it.
	SessionStore   string `yaml:"session_store"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	SSEPort int `yaml:"sse_port"` // 0 serves stdio
}

// FormsConfig tunes the detector and manipulator.
type FormsConfig struct {
	FillPause     string `yaml:"fill_pause"`     // between writes of a batch fill
	HighlightHold string `yaml:"highlight_hold"` // outline time before the fade
	Highlight     *bool  `yaml:"highlight"`      // nil means on
	Watch         *bool  `yaml:"watch"`          // nil means on
}

// MangleConfig controls the fact journal.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL trace of contract exchanges.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "formnerd-mcp",
			Version:  "0.1.0",
			LogFile:  "formnerd-mcp.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			DefaultElementTimeout:    "5s",
			WatchPollInterval:        "250ms",
			SessionStore:             "sessions.json",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Forms: FormsConfig{
			FillPause:     "10ms",
			HighlightHold: "500ms",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Dir: "data/traces",
		},
	}
}

// Load overlays one YAML file on the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// DiscoverWorkspace returns the nearest ancestor of startDir (itself included) that holds
// .formnerd/config.yaml, or "" when none does within MaxSearchDepth levels.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", startDir, err)
	}
	for depth := 0; depth < MaxSearchDepth; depth++ {
		if fileExists(filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
	return "", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// overlay unmarshals path over cfg.
func overlay(cfg *Config, path, what string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s config %s: %w", what, path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s config %s: %w", what, path, err)
	}
	return nil
}

// LoadWithWorkspace layers defaults, then the workspace config, then explicitConfig. Flags
// are applied by the caller. The second result is the workspace root, "" when none was used.
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()

	wsDir := ""
	switch {
	case opts.Disable:
	case opts.ExplicitDir != "":
		if fileExists(filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)) {
			wsDir = opts.ExplicitDir
		}
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return cfg, "", fmt.Errorf("get working directory: %w", err)
		}
		if wsDir, err = DiscoverWorkspace(cwd); err != nil {
			return cfg, "", err
		}
	}

	if wsDir != "" {
		if err := overlay(&cfg, filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile), "workspace"); err != nil {
			return cfg, "", err
		}
		cfg = resolveWorkspacePaths(cfg, wsDir)
	}
	if explicitConfig != "" {
		if err := overlay(&cfg, explicitConfig, "explicit"); err != nil {
			return cfg, wsDir, err
		}
	}

	if opts.SkipValidate {
		return cfg, wsDir, nil
	}
	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .formnerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# FormNERD project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# forms:
#   fill_pause: "10ms"
#   highlight_hold: "500ms"
#   highlight: true
#   watch: true

# mangle:
#   schema_path: ".formnerd/schemas/project.mg"

# recorder:
#   enable: true
#   dir: "data/traces"

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Recorder.Enable && c.Recorder.Dir == "" {
		return errors.New("recorder.dir is required when recorder.enable is set")
	}
	return nil
}

// parseDuration returns the parsed value or fallback when empty or malformed.
func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// ElementTimeout returns the per-call DOM timeout with a sane default.
func (b BrowserConfig) ElementTimeout() time.Duration {
	return parseDuration(b.DefaultElementTimeout, 5*time.Second)
}

// PollInterval returns how often page mutations are drained.
func (b BrowserConfig) PollInterval() time.Duration {
	d := parseDuration(b.WatchPollInterval, 250*time.Millisecond)
	if d == 0 {
		return 250 * time.Millisecond
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// Pause returns the delay between batch writes (default 10ms). Zero disables pacing.
func (f FormsConfig) Pause() time.Duration {
	return parseDuration(f.FillPause, 10*time.Millisecond)
}

// HoldDuration returns how long the highlight outline is kept (default 500ms).
func (f FormsConfig) HoldDuration() time.Duration {
	return parseDuration(f.HighlightHold, 500*time.Millisecond)
}

// HighlightEnabled reports whether filled fields are outlined (default: true).
func (f FormsConfig) HighlightEnabled() bool {
	if f.Highlight == nil {
		return true
	}
	return *f.Highlight
}

// WatchEnabled reports whether detectors observe DOM mutations (default: true).
func (f FormsConfig) WatchEnabled() bool {
	if f.Watch == nil {
		return true
	}
	return *f.Watch
}
