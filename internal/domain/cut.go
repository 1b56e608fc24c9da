package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var cutIDRegex = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)::([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)$`)

// CUTID identifies a function under test as module::qualname
type CUTID struct {
	Module   string
	QualName string
}

// ParseCUTID parses a string like "pkg.codec::Encoder.encode"
func ParseCUTID(s string) (CUTID, error) {
	matches := cutIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return CUTID{}, fmt.Errorf("invalid CUT ID format: %q (expected module::name)", s)
	}
	return CUTID{Module: matches[1], QualName: matches[2]}, nil
}

// String returns the canonical string representation
func (c CUTID) String() string {
	return c.Module + "::" + c.QualName
}

// Slug returns a filesystem-safe form of the ID
func (c CUTID) Slug() string {
	r := strings.NewReplacer(".", "_", "::", "__")
	return r.Replace(c.String())
}

// LineRange is an inclusive source line range
type LineRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether line falls inside the range
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

// Valid reports whether the range is non-empty and positive
func (r LineRange) Valid() bool {
	return r.Start > 0 && r.End >= r.Start
}

// WorkDirs are the per-CUT working directories
type WorkDirs struct {
	Project string `yaml:"project"`
	Tests   string `yaml:"tests"`
	Results string `yaml:"results"`
	Logs    string `yaml:"logs"`
}

// CUT describes a function under test as delivered by the loader
type CUT struct {
	ID            CUTID     `yaml:"-"`
	EntryPoint    string    `yaml:"entry_point"`
	Signature     string    `yaml:"signature"`
	Body          string    `yaml:"body"`
	TestExcerpt   string    `yaml:"test_excerpt"`
	ClassSkeleton string    `yaml:"class_skeleton"`
	Module        string    `yaml:"module"`
	Lines         LineRange `yaml:"lines"`
	Dirs          WorkDirs  `yaml:"dirs"`
}

// Validate checks the fields the pipeline depends on
func (c *CUT) Validate() error {
	if c.EntryPoint == "" {
		return fmt.Errorf("cut %s: entry point is required", c.ID)
	}
	if c.Body == "" {
		return fmt.Errorf("cut %s: function body is required", c.ID)
	}
	if c.Module == "" {
		return fmt.Errorf("cut %s: module is required", c.ID)
	}
	if !c.Lines.Valid() {
		return fmt.Errorf("cut %s: invalid line range %d-%d", c.ID, c.Lines.Start, c.Lines.End)
	}
	if c.Dirs.Tests == "" || c.Dirs.Results == "" || c.Dirs.Logs == "" {
		return fmt.Errorf("cut %s: tests, results and logs directories are required", c.ID)
	}
	return nil
}

// Knobs bound the retry and fix loops of a pipeline run
type Knobs struct {
	MaxRetry              int `toml:"max_retry" validate:"gte=0"`
	MaxFix                int `toml:"max_fix" validate:"gte=0"`
	MaxStrategyRetry      int `toml:"max_strategy_retry" validate:"gt=0"`
	MaxStrategyFix        int `toml:"max_strategy_fix" validate:"gte=0"`
	MaxHypothesisExamples int `toml:"max_hypothesis_examples" validate:"gt=0"`
}

// DefaultKnobs returns the knob values used when none are configured
func DefaultKnobs() Knobs {
	return Knobs{
		MaxRetry:              3,
		MaxFix:                3,
		MaxStrategyRetry:      3,
		MaxStrategyFix:        3,
		MaxHypothesisExamples: 100,
	}
}

// PropertyDescriptor names a property a test should assert
type PropertyDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Explanation string `json:"explanation" yaml:"explanation"`
}
