package domain

import (
	"fmt"
	"strings"
)

// RequestClass tiers completion calls so a backend can restrict what it serves
type RequestClass string

const (
	ShortAnswer RequestClass = "short"
	LongAnswer  RequestClass = "long"
)

// AllRequestClasses lists every recognized class
var AllRequestClasses = []RequestClass{ShortAnswer, LongAnswer}

// ParseRequestClass parses a class name, rejecting anything unrecognized
func ParseRequestClass(s string) (RequestClass, error) {
	switch c := RequestClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ShortAnswer, LongAnswer:
		return c, nil
	}
	return "", fmt.Errorf("unknown request class %q (expected one of short, long)", s)
}

// UnmarshalText makes unknown classes fail at config-load time.
func (c *RequestClass) UnmarshalText(text []byte) error {
	parsed, err := ParseRequestClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (c RequestClass) MarshalText() ([]byte, error) {
	return []byte(c), nil
}

// RunStatus represents the terminal state of a pipeline run for one CUT
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunStrategyFailed RunStatus = "strategy_failed"
	RunFailed         RunStatus = "failed"
)

// Variant selects how property candidates are obtained
type Variant string

const (
	// VariantCatalog asks the model to pick from the built-in property catalog
	VariantCatalog Variant = "catalog"
	// VariantProposed asks the model to propose its own properties
	VariantProposed Variant = "proposed"
)
