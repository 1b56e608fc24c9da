package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/sandbox"
)

// ErrorCode classifies why an evaluation produced no score
type ErrorCode string

const (
	CodeNoTests          ErrorCode = "no_tests"
	CodeBaselineFailed   ErrorCode = "baseline_failed"
	CodeMissingReport    ErrorCode = "missing_report"
	CodeUnreadableReport ErrorCode = "unreadable_report"
	CodeTimeout          ErrorCode = "timeout"
)

// ExitBaselineFailed is the exit code the mutation command uses when the
// generated tests do not pass on the unmutated code.
const ExitBaselineFailed = 3

const (
	resultFile   = "result.json"
	reportFile   = "report.json"
	coverageFile = "coverage.json"
	mutationLog  = "mutation.log"
	finishedFile = "finished"
)

// MutationReport is the report the mutation command writes
type MutationReport struct {
	Total      int `json:"total"`
	Killed     int `json:"killed"`
	Survived   int `json:"survived"`
	Timeout    int `json:"timeout"`
	NoCoverage int `json:"no_coverage"`
}

// Score is the fraction of mutants killed
func (r MutationReport) Score() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Killed) / float64(r.Total)
}

// Result is the evaluation record persisted per CUT
type Result struct {
	CUT             string          `json:"cut"`
	TestFiles       []string        `json:"test_files"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	Report          *MutationReport `json:"report,omitempty"`
	MutationScore   *float64        `json:"mutation_score,omitempty"`
	CoveragePercent *float64        `json:"coverage_percent,omitempty"`
	ElapsedSeconds  float64         `json:"elapsed_seconds"`
}

// Evaluate runs S4. If a result and the finished marker were already
// recorded the result is loaded and returned without touching the sandbox. Evaluation failures are recorded as
// an ErrorCode; only context cancellation and filesystem errors are returned.
func (p *Pipeline) Evaluate(ctx context.Context) (*Result, error) {
	if p.HaveFinished() {
		if res, err := p.loadResult(); err == nil {
			p.logger.Info("evaluation already recorded", zap.String("error_code", string(res.ErrorCode)))
			return res, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	res := &Result{CUT: p.cut.ID.String()}
	tests, err := p.producedTests()
	if err != nil {
		return nil, err
	}
	res.TestFiles = tests

	if len(tests) == 0 {
		res.ErrorCode = CodeNoTests
	} else if err := p.mutate(ctx, res); err != nil {
		return nil, err
	}

	if err := p.saveResult(res); err != nil {
		return nil, err
	}
	p.logger.Info("evaluation finished",
		zap.String("error_code", string(res.ErrorCode)),
		zap.Int("tests", len(tests)))
	return res, nil
}

// HaveFinished reports whether Evaluate already recorded a result.
func (p *Pipeline) HaveFinished() bool {
	_, err := os.Stat(p.resultPath(finishedFile))
	return err == nil
}

// Reset removes the tests, archives and evaluation artifacts of an earlier
// run so that a fresh Run is scored on its own suite.
func (p *Pipeline) Reset() error {
	tests, err := p.producedTests()
	if err != nil {
		return err
	}
	for _, name := range tests {
		if err := os.Remove(filepath.Join(p.cut.Dirs.Tests, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old test: %w", err)
		}
	}
	for _, name := range []string{finishedFile, resultFile, reportFile, coverageFile, mutationLog, strategyNoteFile} {
		if err := os.Remove(p.resultPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old %s: %w", name, err)
		}
	}
	if err := os.RemoveAll(p.resultPath(failDir)); err != nil {
		return fmt.Errorf("remove old archives: %w", err)
	}
	p.failCount = 0
	return nil
}

// producedTests lists the test files directly in the tests directory
func (p *Pipeline) producedTests() ([]string, error) {
	entries, err := os.ReadDir(p.cut.Dirs.Tests)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tests: %w", err)
	}
	var tests []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "test_") && strings.HasSuffix(e.Name(), ".py") {
			tests = append(tests, e.Name())
		}
	}
	sort.Strings(tests)
	return tests, nil
}

func (p *Pipeline) mutate(ctx context.Context, res *Result) error {
	reportPath := p.resultPath(reportFile)
	coveragePath := p.resultPath(coverageFile)
	// stale artifacts from an interrupted evaluation must not be scored
	for _, path := range []string{reportPath, coveragePath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %s: %w", filepath.Base(path), err)
		}
	}

	out, err := p.sandbox.RunMutation(ctx, sandbox.MutationSpec{
		TestDir:      p.cut.Dirs.Tests,
		Module:       p.cut.Module,
		Lines:        p.cut.Lines,
		ReportPath:   reportPath,
		CoveragePath: coveragePath,
		ProjectDir:   p.cut.Dirs.Project,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("mutation pass could not run", zap.Error(err))
		res.ErrorCode = CodeMissingReport
		return nil
	}
	res.ElapsedSeconds = out.Elapsed
	if err := os.WriteFile(p.resultPath(mutationLog), []byte(out.Output()), 0644); err != nil {
		return fmt.Errorf("write mutation log: %w", err)
	}

	switch {
	case out.TimedOut:
		res.ErrorCode = CodeTimeout
	case out.ExitCode == ExitBaselineFailed:
		res.ErrorCode = CodeBaselineFailed
	default:
		report, code := readReport(reportPath)
		if code != "" {
			res.ErrorCode = code
			break
		}
		score := report.Score()
		res.Report = report
		res.MutationScore = &score
	}

	if pct, ok := lineCoverage(coveragePath, p.cut.Module, p.cut.Lines); ok {
		res.CoveragePercent = &pct
	}
	return nil
}

func readReport(path string) (*MutationReport, ErrorCode) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, CodeMissingReport
	}
	var report MutationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, CodeUnreadableReport
	}
	return &report, ""
}

func (p *Pipeline) loadResult() (*Result, error) {
	data, err := os.ReadFile(p.resultPath(resultFile))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", resultFile, err)
	}
	return &res, nil
}

func (p *Pipeline) saveResult(res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(p.resultPath(resultFile), data, 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.WriteFile(p.resultPath(finishedFile), nil, 0644); err != nil {
		return fmt.Errorf("write finished marker: %w", err)
	}
	return nil
}
