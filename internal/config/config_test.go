package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxParallelRuns != 4 {
		t.Errorf("MaxParallelRuns = %d, want 4", cfg.General.MaxParallelRuns)
	}
	if cfg.Pipeline.Variant != domain.VariantCatalog {
		t.Errorf("Variant = %q, want catalog", cfg.Pipeline.Variant)
	}
	if cfg.Sandbox.Runner != "local" {
		t.Errorf("Sandbox.Runner = %q, want local", cfg.Sandbox.Runner)
	}
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().General.MaxParallelRuns, cfg.General.MaxParallelRuns)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	t.Setenv("PBT_TEST_KEY", "sk-test")

	content := `
[general]
work_dir = "/data/work"
database_path = "/data/results.db"
max_parallel_runs = 8
pause_file = "/data/pause"

[pipeline]
max_fix = 5
max_strategy_retry = 2
variant = "proposed"

[[backend]]
name = "fast"
endpoint = "http://localhost:8000/v1"
model = "small-model"
credential = "env:PBT_TEST_KEY"
concurrency = 2
retry_budget = 1
accepted_classes = ["short"]

[[backend]]
name = "big"
endpoint = "https://api.example.com/v1"
model = "large-model"
concurrency = 4
retry_budget = 3
accepted_classes = ["long", "short"]
requests_per_minute = 60
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/data/work", cfg.General.WorkDir)
	assert.Equal(t, 8, cfg.General.MaxParallelRuns)
	assert.Equal(t, 5, cfg.Pipeline.MaxFix)
	assert.Equal(t, 2, cfg.Pipeline.MaxStrategyRetry)
	assert.Equal(t, domain.VariantProposed, cfg.Pipeline.Variant)
	// untouched knobs keep defaults
	assert.Equal(t, 100, cfg.Pipeline.MaxHypothesisExamples)

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "sk-test", cfg.Backends[0].Credential)
	assert.Equal(t, []domain.RequestClass{domain.LongAnswer, domain.ShortAnswer}, cfg.Backends[1].AcceptedClasses)
	assert.Equal(t, 60, cfg.Backends[1].RequestsPerMinute)
}

func TestLoad_RejectsUnknownRequestClass(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[[backend]]
name = "fast"
endpoint = "http://localhost:8000/v1"
model = "m"
concurrency = 1
accepted_classes = ["medium"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "medium")
}

func TestValidate_Backends(t *testing.T) {
	valid := domain.BackendConfig{
		Name:            "a",
		Endpoint:        "http://localhost:1234/v1",
		Model:           "m",
		Concurrency:     1,
		AcceptedClasses: []domain.RequestClass{domain.ShortAnswer},
	}

	tests := []struct {
		name    string
		mutate  func(b *domain.BackendConfig)
		wantErr bool
	}{
		{"valid", func(b *domain.BackendConfig) {}, false},
		{"zero concurrency", func(b *domain.BackendConfig) { b.Concurrency = 0 }, true},
		{"negative retry budget", func(b *domain.BackendConfig) { b.RetryBudget = -1 }, true},
		{"no classes", func(b *domain.BackendConfig) { b.AcceptedClasses = nil }, true},
		{"bad endpoint", func(b *domain.BackendConfig) { b.Endpoint = "not a url" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			b := valid
			tt.mutate(&b)
			cfg.Backends = []domain.BackendConfig{b}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DuplicateBackend(t *testing.T) {
	cfg := Default()
	b := domain.BackendConfig{
		Name:            "a",
		Endpoint:        "http://localhost:1234/v1",
		Model:           "m",
		Concurrency:     1,
		AcceptedClasses: []domain.RequestClass{domain.ShortAnswer},
	}
	cfg.Backends = []domain.BackendConfig{b, b}
	assert.Error(t, cfg.Validate())
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
