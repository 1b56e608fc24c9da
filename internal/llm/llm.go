// Package llm provides completion clients for the model backends the
// scheduler dispatches to.
package llm

import (
	"context"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// Completer performs a single chat completion call
type Completer interface {
	Complete(ctx context.Context, messages []domain.Message) (string, error)
}

// CompleterFunc adapts a function to the Completer interface
type CompleterFunc func(ctx context.Context, messages []domain.Message) (string, error)

// Complete calls f
func (f CompleterFunc) Complete(ctx context.Context, messages []domain.Message) (string, error) {
	return f(ctx, messages)
}

// Factory builds a Completer for a backend
type Factory func(cfg domain.BackendConfig) (Completer, error)
