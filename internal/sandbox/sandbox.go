// Package sandbox provides the code-execution service used to validate
// generated code and to run the mutation-testing pass.
package sandbox

import (
	"context"
	"time"
)

// Spec describes one sandboxed execution
type Spec struct {
	Label        string
	Command      []string
	Dir          string // working directory
	ProjectMount string // optional project root made importable
	Env          map[string]string
	Timeout      time.Duration
}

// Result is what came out of an execution. On timeout the output captured so
// far is kept and TimedOut is set.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  float64
	TimedOut bool
}

// OK reports a clean exit
func (r *Result) OK() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Output returns stdout followed by stderr
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return r.Stdout + r.Stderr
}

// Executor runs a Spec to completion
type Executor interface {
	Execute(ctx context.Context, spec Spec) (*Result, error)
}
