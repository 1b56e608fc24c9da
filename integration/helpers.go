//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// Env is an isolated work area for one CLI invocation sequence
type Env struct {
	WorkDir    string
	DBPath     string
	ConfigPath string
	ProjectDir string
}

// EnvOptions tweak the generated config
type EnvOptions struct {
	// BackendURL adds a backend serving both request classes
	BackendURL string
	// MutationCommand overrides the default mutation template
	MutationCommand string
}

// NewEnv writes a config file and a Python project with a single module
func NewEnv(t *testing.T, opts EnvOptions) *Env {
	t.Helper()
	root := t.TempDir()
	env := &Env{
		WorkDir:    filepath.Join(root, "work"),
		DBPath:     TempDBPath(t),
		ConfigPath: TempConfigPath(t),
		ProjectDir: filepath.Join(root, "project"),
	}

	if err := os.MkdirAll(env.ProjectDir, 0755); err != nil {
		t.Fatalf("Failed to create project dir: %v", err)
	}
	module := "def clamp(x, lo, hi):\n    if x < lo:\n        return lo\n    if x > hi:\n        return hi\n    return x\n"
	if err := os.WriteFile(filepath.Join(env.ProjectDir, "mathx.py"), []byte(module), 0644); err != nil {
		t.Fatalf("Failed to write module: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[general]\nwork_dir = %q\ndatabase_path = %q\nmax_parallel_runs = 2\npause_file = \"control/pause\"\n\n", env.WorkDir, env.DBPath)
	b.WriteString("[pipeline]\nmax_retry = 1\nmax_fix = 1\nmax_strategy_retry = 1\nmax_strategy_fix = 1\nmax_hypothesis_examples = 20\nvariant = \"catalog\"\n\n")
	b.WriteString("[sandbox]\nrunner = \"local\"\npython = \"python3\"\nscript_timeout_secs = 60\ntest_timeout_secs = 120\nmutation_timeout_secs = 60\n")
	if opts.MutationCommand != "" {
		fmt.Fprintf(&b, "mutation_command = '''%s'''\n", opts.MutationCommand)
	}
	b.WriteString("\n[web]\nenabled = false\n\n")
	if opts.BackendURL != "" {
		fmt.Fprintf(&b, "[[backend]]\nname = \"fake\"\nendpoint = %q\nmodel = \"fake-model\"\ncredential = \"test\"\nconcurrency = 2\nretry_budget = 1\naccepted_classes = [\"short\", \"long\"]\n", opts.BackendURL)
	}

	if err := os.WriteFile(env.ConfigPath, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// WriteManifest writes a manifest listing mathx::clamp
func (e *Env) WriteManifest(t *testing.T) string {
	t.Helper()
	manifest := fmt.Sprintf(`project: %q
cuts:
  - id: "mathx::clamp"
    signature: "def clamp(x, lo, hi)"
    body: |
      def clamp(x, lo, hi):
          if x < lo:
              return lo
          if x > hi:
              return hi
          return x
    lines:
      start: 1
      end: 6
`, e.ProjectDir)
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return path
}

// TestsDir is where the batch driver places generated tests for mathx::clamp
func (e *Env) TestsDir() string {
	return filepath.Join(e.WorkDir, "runs", "mathx__clamp", "tests")
}

// Run executes the CLI with the env's config and returns combined output
func (e *Env) Run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--config", e.ConfigPath)
	out, err := exec.Command(binaryPath(t), args...).CombinedOutput()
	return string(out), err
}

// Route maps a marker phrase in the last user message to a reply
type Route struct {
	Marker string
	Reply  string
}

// FakeChatServer is an OpenAI-compatible endpoint answering by route
type FakeChatServer struct {
	*httptest.Server
	mu    sync.Mutex
	calls int
}

// NewFakeChatServer serves /v1/chat/completions. Messages matching no route
// get fallback.
func NewFakeChatServer(t *testing.T, routes []Route, fallback string) *FakeChatServer {
	t.Helper()
	f := &FakeChatServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()

		last := req.Messages[len(req.Messages)-1].Content
		reply := fallback
		for _, route := range routes {
			if strings.Contains(last, route.Marker) {
				reply = route.Reply
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 0,
			"model":   "fake-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(f.Close)
	return f
}

// Calls returns the number of completions served
func (f *FakeChatServer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// HavePythonDeps reports whether python3 can import hypothesis and pytest
func HavePythonDeps() bool {
	return exec.Command("python3", "-c", "import hypothesis, pytest").Run() == nil
}
