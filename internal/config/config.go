package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig          `toml:"general"`
	Pipeline      PipelineConfig         `toml:"pipeline"`
	Sandbox       SandboxConfig          `toml:"sandbox"`
	Notifications NotificationsConfig    `toml:"notifications"`
	Web           WebConfig              `toml:"web"`
	Backends      []domain.BackendConfig `toml:"backend" validate:"dive"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkDir         string `toml:"work_dir" validate:"required"`
	DatabasePath    string `toml:"database_path" validate:"required"`
	MaxParallelRuns int    `toml:"max_parallel_runs" validate:"gt=0"`
	PauseFile       string `toml:"pause_file" validate:"required"`
	WatchPauseFile  bool   `toml:"watch_pause_file"`
}

// PipelineConfig holds the generation pipeline knobs
type PipelineConfig struct {
	domain.Knobs
	Variant       domain.Variant `toml:"variant" validate:"oneof=catalog proposed"`
	SystemMessage string         `toml:"system_message"`
	PromptDirs    []string       `toml:"prompt_dirs"`
}

// SandboxConfig configures the code-execution service
type SandboxConfig struct {
	Runner              string `toml:"runner" validate:"oneof=local docker"`
	Image               string `toml:"image"`
	Memory              string `toml:"memory"`
	CPUs                string `toml:"cpus"`
	Python              string `toml:"python" validate:"required"`
	ScriptTimeoutSecs   int    `toml:"script_timeout_secs" validate:"gt=0"`
	TestTimeoutSecs     int    `toml:"test_timeout_secs" validate:"gt=0"`
	MutationTimeoutSecs int    `toml:"mutation_timeout_secs" validate:"gt=0"`
	MutationCommand     string `toml:"mutation_command" validate:"required"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port" validate:"gte=0,lte=65535"`
	Host    string `toml:"host"`
}

// Addr returns the listen address of the status server
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// DefaultMutationCommand runs the mutation pass and writes a JSON report plus
// coverage.py JSON data. It is a text/template over sandbox.MutationSpec.
const DefaultMutationCommand = `{{.Python}} -m pbt_mutation --tests {{.TestDir}} --module {{.Module}} ` +
	`--lines {{.Lines.Start}}-{{.Lines.End}} --report {{.ReportPath}} --coverage {{.CoveragePath}}`

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".pbt-orchestrator")
	return &Config{
		General: GeneralConfig{
			WorkDir:         filepath.Join(base, "work"),
			DatabasePath:    filepath.Join(base, "results.db"),
			MaxParallelRuns: 4,
			PauseFile:       filepath.Join("control", "pause"),
		},
		Pipeline: PipelineConfig{
			Knobs:   domain.DefaultKnobs(),
			Variant: domain.VariantCatalog,
		},
		Sandbox: SandboxConfig{
			Runner:              "local",
			Image:               "python:3.12-slim",
			Memory:              "2g",
			CPUs:                "1",
			Python:              "python3",
			ScriptTimeoutSecs:   120,
			TestTimeoutSecs:     300,
			MutationTimeoutSecs: 3600,
			MutationCommand:     DefaultMutationCommand,
		},
		Web: WebConfig{
			Port: 8090,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PauseFile = ExpandPath(cfg.General.PauseFile)
	for i, dir := range cfg.Pipeline.PromptDirs {
		cfg.Pipeline.PromptDirs[i] = ExpandPath(dir)
	}
	for i := range cfg.Backends {
		cfg.Backends[i].Credential = expandEnv(cfg.Backends[i].Credential)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and backend uniqueness
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if seen[b.Name] {
			return fmt.Errorf("invalid config: duplicate backend %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandEnv resolves credentials written as "env:VAR_NAME"
func expandEnv(value string) string {
	if name, ok := strings.CutPrefix(value, "env:"); ok {
		return os.Getenv(name)
	}
	return value
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pbt-orchestrator", "config.toml")
}
