package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"text/template"
	"time"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// ServiceConfig holds the interpreter and per-shape timeouts
type ServiceConfig struct {
	Python          string
	ScriptTimeout   time.Duration
	TestTimeout     time.Duration
	MutationTimeout time.Duration
	MutationCommand string // text/template over MutationSpec
}

// MutationSpec parameterizes the mutation-testing and coverage pass
type MutationSpec struct {
	Python       string
	TestDir      string
	Module       string
	Lines        domain.LineRange
	ReportPath   string
	CoveragePath string
	ProjectDir   string
}

// Service exposes the three call shapes the pipeline uses
type Service struct {
	exec     Executor
	config   ServiceConfig
	mutation *template.Template
}

// NewService wraps an Executor
func NewService(exec Executor, config ServiceConfig) (*Service, error) {
	if config.Python == "" {
		config.Python = "python3"
	}
	tmpl, err := template.New("mutation").Option("missingkey=error").Parse(config.MutationCommand)
	if err != nil {
		return nil, fmt.Errorf("parse mutation command: %w", err)
	}
	return &Service{exec: exec, config: config, mutation: tmpl}, nil
}

// RunScript runs a standalone python script
func (s *Service) RunScript(ctx context.Context, script, projectDir string) (*Result, error) {
	return s.exec.Execute(ctx, Spec{
		Label:        "script:" + filepath.Base(script),
		Command:      []string{s.config.Python, filepath.Base(script)},
		Dir:          filepath.Dir(script),
		ProjectMount: projectDir,
		Timeout:      s.config.ScriptTimeout,
	})
}

// RunTest runs a single test file with pytest
func (s *Service) RunTest(ctx context.Context, testFile, projectDir string) (*Result, error) {
	return s.exec.Execute(ctx, Spec{
		Label:        "test:" + filepath.Base(testFile),
		Command:      []string{s.config.Python, "-m", "pytest", "-x", "-q", "-p", "no:cacheprovider", filepath.Base(testFile)},
		Dir:          filepath.Dir(testFile),
		ProjectMount: projectDir,
		Timeout:      s.config.TestTimeout,
	})
}

// RunMutation runs the mutation-testing and coverage pass over a test directory
func (s *Service) RunMutation(ctx context.Context, spec MutationSpec) (*Result, error) {
	if spec.Python == "" {
		spec.Python = s.config.Python
	}
	var buf bytes.Buffer
	if err := s.mutation.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("render mutation command: %w", err)
	}
	return s.exec.Execute(ctx, Spec{
		Label:        "mutation:" + spec.Module,
		Command:      []string{"sh", "-c", buf.String()},
		Dir:          spec.TestDir,
		ProjectMount: spec.ProjectDir,
		Timeout:      s.config.MutationTimeout,
	})
}
