// Package config loads sandcastle settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/sandcastle/agentloop"
	"github.com/martinemde/sandcastle/liveness"
)

const (
	DefaultProvider   = "anthropic"
	DefaultMaxTokens  = 4096
	DefaultMaxRetries = 2
	DefaultTemplate   = "nextjs"
	DefaultJournal    = "sandcastle.db"
	DefaultLogLevel   = "info"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SANDCASTLE_"

const (
	JournalSQLite = "sqlite"
	JournalMemory = "memory"
)

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Agent    AgentConfig    `yaml:"agent"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Liveness LivenessConfig `yaml:"liveness"`
	Journal  JournalConfig  `yaml:"journal"`
	Log      LogConfig      `yaml:"log"`
}

type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	APIKey      string   `yaml:"api_key"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	MaxRetries  int      `yaml:"max_retries"`
}

type AgentConfig struct {
	MaxTurns            int    `yaml:"max_turns"`
	LoopDetection       bool   `yaml:"loop_detection"`
	LoopDetectionWindow int    `yaml:"loop_detection_window"`
	Instructions        string `yaml:"instructions"`
	// CommandTimeout bounds one exec tool call.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type SandboxConfig struct {
	// Root holds one working directory per sandbox.
	Root string `yaml:"root"`
	// Template names the project the sandbox is created from. With
	// TemplateDir set, it is a subdirectory copied into each new sandbox.
	Template       string        `yaml:"template"`
	TemplateDir    string        `yaml:"template_dir"`
	Hostname       string        `yaml:"hostname"`
	URLScheme      string        `yaml:"url_scheme"`
	Port           int           `yaml:"port"`
	InstallCommand string        `yaml:"install_command"`
	StartCommand   string        `yaml:"start_command"`
	LogPath        string        `yaml:"log_path"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
}

type LivenessConfig struct {
	MaxPolls     int           `yaml:"max_polls"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type JournalConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	agent := agentloop.DefaultConfig()
	return &Config{
		Model: ModelConfig{
			Provider:   DefaultProvider,
			MaxTokens:  DefaultMaxTokens,
			MaxRetries: DefaultMaxRetries,
		},
		Agent: AgentConfig{
			MaxTurns:            agent.MaxTurns,
			LoopDetection:       agent.EnableLoopDetection,
			LoopDetectionWindow: agent.LoopDetectionWindow,
			CommandTimeout:      agent.CommandTimeout,
		},
		Sandbox: SandboxConfig{
			Root:           defaultSandboxRoot(),
			Template:       DefaultTemplate,
			Hostname:       "localhost",
			URLScheme:      agent.URLScheme,
			Port:           agent.Server.Port,
			InstallCommand: agent.Server.InstallCommand,
			StartCommand:   agent.Server.StartCommand,
			LogPath:        agent.Server.LogPath,
			InstallTimeout: agent.Server.InstallTimeout,
		},
		Liveness: LivenessConfig{
			MaxPolls:     liveness.DefaultMaxPolls,
			PollInterval: liveness.DefaultPollInterval,
		},
		Journal: JournalConfig{
			Driver: JournalSQLite,
			Path:   DefaultJournal,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: "text",
		},
	}
}

func defaultSandboxRoot() string {
	return filepath.Join(os.TempDir(), "sandcastle")
}

// Load reads path over the defaults, applies SANDCASTLE_* overrides and
// validates the result. An empty path skips the file; a missing file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"PROVIDER":        &c.Model.Provider,
		"MODEL":           &c.Model.Name,
		"API_KEY":         &c.Model.APIKey,
		"INSTRUCTIONS":    &c.Agent.Instructions,
		"SANDBOX_ROOT":    &c.Sandbox.Root,
		"TEMPLATE":        &c.Sandbox.Template,
		"TEMPLATE_DIR":    &c.Sandbox.TemplateDir,
		"HOSTNAME":        &c.Sandbox.Hostname,
		"URL_SCHEME":      &c.Sandbox.URLScheme,
		"INSTALL_COMMAND": &c.Sandbox.InstallCommand,
		"START_COMMAND":   &c.Sandbox.StartCommand,
		"JOURNAL_DRIVER":  &c.Journal.Driver,
		"JOURNAL_PATH":    &c.Journal.Path,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
	}
	for name, dst := range strs {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_TOKENS":  &c.Model.MaxTokens,
		"MAX_RETRIES": &c.Model.MaxRetries,
		"MAX_TURNS":   &c.Agent.MaxTurns,
		"PORT":        &c.Sandbox.Port,
		"MAX_POLLS":   &c.Liveness.MaxPolls,
	}
	for name, dst := range ints {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: must be an integer", EnvPrefix, name, v)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":   &c.Liveness.PollInterval,
		"COMMAND_TIMEOUT": &c.Agent.CommandTimeout,
	}
	for name, dst := range durations {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = d
	}

	if v := getenv(EnvPrefix + "TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sTEMPERATURE %q: must be a number", EnvPrefix, v)
		}
		c.Model.Temperature = &t
	}
	if v := getenv(EnvPrefix + "LOOP_DETECTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOOP_DETECTION %q: must be a boolean", EnvPrefix, v)
		}
		c.Agent.LoopDetection = b
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Model.Provider) == "" {
		errs = append(errs, errors.New("model.provider is required"))
	}
	if c.Model.MaxTokens < 0 {
		errs = append(errs, errors.New("model.max_tokens must not be negative"))
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, errors.New("model.max_retries must not be negative"))
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("model.temperature %v is outside [0, 2]", *t))
	}
	if c.Agent.MaxTurns < 1 {
		errs = append(errs, errors.New("agent.max_turns must be at least 1"))
	}
	if c.Agent.LoopDetection && c.Agent.LoopDetectionWindow < 2 {
		errs = append(errs, errors.New("agent.loop_detection_window must be at least 2"))
	}
	if c.Sandbox.Port <= 0 || c.Sandbox.Port > 65535 {
		errs = append(errs, fmt.Errorf("sandbox.port %d is out of range", c.Sandbox.Port))
	}
	switch c.Sandbox.URLScheme {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("sandbox.url_scheme %q must be http or https", c.Sandbox.URLScheme))
	}
	if strings.TrimSpace(c.Sandbox.StartCommand) == "" {
		errs = append(errs, errors.New("sandbox.start_command is required"))
	}
	if c.Liveness.PollInterval < 0 {
		errs = append(errs, errors.New("liveness.poll_interval must not be negative"))
	}
	switch c.Journal.Driver {
	case JournalMemory:
	case JournalSQLite:
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q must be sqlite or memory", c.Journal.Driver))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel parses a slog level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// AgentOptions returns the run configuration for agentloop.NewRunner.
func (c *Config) AgentOptions() agentloop.Config {
	out := agentloop.DefaultConfig()
	out.Model = c.Model.Name
	out.Provider = c.Model.Provider
	out.MaxTokens = c.Model.MaxTokens
	out.Temperature = c.Model.Temperature
	out.MaxTurns = c.Agent.MaxTurns
	out.Instructions = c.Agent.Instructions
	out.EnableLoopDetection = c.Agent.LoopDetection
	out.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	if c.Agent.CommandTimeout > 0 {
		out.CommandTimeout = c.Agent.CommandTimeout
	}
	out.Template = c.Sandbox.Template
	out.URLScheme = c.Sandbox.URLScheme
	out.Server.Port = c.Sandbox.Port
	out.Server.InstallCommand = c.Sandbox.InstallCommand
	out.Server.StartCommand = c.Sandbox.StartCommand
	if c.Sandbox.LogPath != "" {
		out.Server.LogPath = c.Sandbox.LogPath
	}
	if c.Sandbox.InstallTimeout > 0 {
		out.Server.InstallTimeout = c.Sandbox.InstallTimeout
	}
	out.Liveness = liveness.Options{
		MaxPolls:     c.Liveness.MaxPolls,
		PollInterval: c.Liveness.PollInterval,
	}
	return out
}
