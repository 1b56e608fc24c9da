package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often a running execution flushes its progress
const DefaultPollInterval = 5 * time.Second

// RunnerConfig configures the process runner
type RunnerConfig struct {
	Docker       bool
	DockerBinary string
	Image        string
	Memory       string
	CPUs         string
	PollInterval time.Duration
}

// Runner executes specs as local processes or inside throwaway containers
type Runner struct {
	config RunnerConfig
	logger *zap.Logger
}

// NewRunner creates a runner
func NewRunner(config RunnerConfig, logger *zap.Logger) *Runner {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.DockerBinary == "" {
		config.DockerBinary = "docker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{config: config, logger: logger.Named("sandbox")}
}

// syncBuffer lets the wait loop read output while the process writes it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Execute implements Executor
func (r *Runner) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}

	argv, container := r.command(spec)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	setProcessGroup(cmd)
	if !r.config.Docker {
		for k, v := range r.env(spec) {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr syncBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren may keep the output pipes open after a kill
	cmd.WaitDelay = 2 * time.Second

	logger := r.logger.With(zap.String("label", spec.Label))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	logger.Debug("execution started", zap.Strings("argv", argv), zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	result := &Result{}
	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-ticker.C:
			logger.Debug("execution running",
				zap.Duration("elapsed", time.Since(start)),
				zap.Int("stdout_bytes", stdout.Len()),
				zap.Int("stderr_bytes", stderr.Len()))
		case <-deadline:
			result.TimedOut = true
			r.kill(cmd, container)
			waitErr = <-done
			logger.Warn("execution timed out", zap.Duration("timeout", spec.Timeout))
			break wait
		case <-ctx.Done():
			r.kill(cmd, container)
			<-done
			return nil, ctx.Err()
		}
	}

	result.Elapsed = time.Since(start).Seconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if result.TimedOut && result.ExitCode == 0 {
		result.ExitCode = -1
	}

	logger.Debug("execution finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Float64("elapsed", result.Elapsed))
	return result, nil
}

func (r *Runner) env(spec Spec) map[string]string {
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if spec.ProjectMount != "" {
		env["PYTHONPATH"] = spec.ProjectMount
	}
	return env
}

// command returns the argv to start and, for docker, the container name.
// Containers mount directories at their host paths so paths stay valid.
func (r *Runner) command(spec Spec) ([]string, string) {
	if !r.config.Docker {
		return spec.Command, ""
	}

	name := "pbt-" + uuid.NewString()[:12]
	dir := spec.Dir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	dir, _ = filepath.Abs(dir)

	argv := []string{r.config.DockerBinary, "run", "--rm", "--name", name, "--network", "none"}
	if r.config.Memory != "" {
		argv = append(argv, "--memory", r.config.Memory)
	}
	if r.config.CPUs != "" {
		argv = append(argv, "--cpus", r.config.CPUs)
	}
	argv = append(argv, "-v", dir+":"+dir, "-w", dir)
	if spec.ProjectMount != "" {
		mount, _ := filepath.Abs(spec.ProjectMount)
		argv = append(argv, "-v", mount+":"+mount+":ro")
	}
	for k, v := range r.env(spec) {
		if k == "PYTHONPATH" {
			v, _ = filepath.Abs(v)
		}
		argv = append(argv, "-e", k+"="+v)
	}
	argv = append(argv, r.config.Image)
	argv = append(argv, spec.Command...)
	return argv, name
}

func (r *Runner) kill(cmd *exec.Cmd, container string) {
	if container != "" {
		// the docker client exiting does not stop the container
		exec.Command(r.config.DockerBinary, "kill", container).Run()
	}
	if cmd.Process != nil {
		killProcessGroup(cmd)
	}
}
