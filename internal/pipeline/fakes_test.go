package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
	"github.com/hochfrequenz/pbt-orchestrator/internal/sandbox"
)

const strategyReply = "Here you go:\n```python\nfrom hypothesis import strategies as st\n\ndef strategy():\n    return st.tuples(st.text())\n```\n"

func testReply(name string) string {
	return fmt.Sprintf("```python\ndef test_%s():\n    assert True\n```", name)
}

// scriptedAsker answers by step label. The last reply of a label repeats.
type scriptedAsker struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   []string
	elapsed float64
}

func newScriptedAsker(replies map[string][]string) *scriptedAsker {
	return &scriptedAsker{replies: replies}
}

func (a *scriptedAsker) Ask(ctx context.Context, history []domain.Message, label string, class domain.RequestClass) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, label)
	a.elapsed += 0.5
	q := a.replies[label]
	if len(q) == 0 {
		return "", fmt.Errorf("unexpected ask %q", label)
	}
	if len(q) > 1 {
		a.replies[label] = q[1:]
	}
	return q[0], nil
}

func (a *scriptedAsker) Elapsed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.elapsed
}

func (a *scriptedAsker) count(label string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == label {
			n++
		}
	}
	return n
}

// fakeSandbox records calls; nil hooks mean a clean exit
type fakeSandbox struct {
	mu        sync.Mutex
	script    func(path string) *sandbox.Result
	test      func(path string) *sandbox.Result
	mutation  func(spec sandbox.MutationSpec) *sandbox.Result
	scripts   int
	tests     int
	mutations int
}

func (s *fakeSandbox) RunScript(ctx context.Context, script, projectDir string) (*sandbox.Result, error) {
	s.mu.Lock()
	s.scripts++
	s.mu.Unlock()
	if s.script != nil {
		return s.script(script), nil
	}
	return &sandbox.Result{}, nil
}

func (s *fakeSandbox) RunTest(ctx context.Context, testFile, projectDir string) (*sandbox.Result, error) {
	s.mu.Lock()
	s.tests++
	s.mu.Unlock()
	if s.test != nil {
		return s.test(testFile), nil
	}
	return &sandbox.Result{}, nil
}

func (s *fakeSandbox) RunMutation(ctx context.Context, spec sandbox.MutationSpec) (*sandbox.Result, error) {
	s.mu.Lock()
	s.mutations++
	s.mu.Unlock()
	if s.mutation != nil {
		return s.mutation(spec), nil
	}
	return &sandbox.Result{Elapsed: 1}, nil
}

func failing(msg string) *sandbox.Result {
	return &sandbox.Result{ExitCode: 1, Stderr: msg}
}

func newCUT(t *testing.T) *domain.CUT {
	t.Helper()
	root := t.TempDir()
	return &domain.CUT{
		ID:          domain.CUTID{Module: "textutil", QualName: "slugify"},
		EntryPoint:  "slugify",
		Signature:   "def slugify(text: str) -> str",
		Body:        "def slugify(text):\n    return text.lower()",
		TestExcerpt: "assert slugify('A') == 'a'",
		Module:      "textutil",
		Lines:       domain.LineRange{Start: 10, End: 20},
		Dirs: domain.WorkDirs{
			Project: filepath.Join(root, "project"),
			Tests:   filepath.Join(root, "tests"),
			Results: filepath.Join(root, "results"),
			Logs:    filepath.Join(root, "logs"),
		},
	}
}

func testKnobs() domain.Knobs {
	return domain.Knobs{MaxRetry: 2, MaxFix: 2, MaxStrategyRetry: 2, MaxStrategyFix: 2, MaxHypothesisExamples: 50}
}

func newPipeline(t *testing.T, cut *domain.CUT, variant domain.Variant, asker Asker, sb Sandbox) *Pipeline {
	t.Helper()
	p, err := New(Config{
		CUT:     cut,
		Knobs:   testKnobs(),
		Variant: variant,
		Asker:   asker,
		Sandbox: sb,
		Prompts: prompts.NewLoader(),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return p
}

// baseReplies answers every step so that a single catalog property passes
func baseReplies(selection string) map[string][]string {
	return map[string][]string{
		"explain":            {"It lowercases text."},
		"summary":            {"FUNCTION: slugify"},
		"strategy":           {strategyReply},
		"strategy_fix":       {strategyReply},
		"property_select":    {selection},
		"property_rationale": {"It holds because lower is idempotent."},
		"property_confirm":   {"Yes"},
		"test_generate":      {testReply("prop")},
		"test_fix":           {testReply("prop")},
	}
}
