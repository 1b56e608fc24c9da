package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/notify"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/pbt-orchestrator/internal/sandbox"
)

// answeringSubmitter replies to each prompt by its opening words. It selects
// pick, or idempotence when pick is empty.
type answeringSubmitter struct {
	pick string
}

func (a answeringSubmitter) Submit(req *domain.GenerationRequest) error {
	pick := a.pick
	if pick == "" {
		pick = "idempotence"
	}
	last := req.Messages[len(req.Messages)-1].Content
	var reply string
	switch {
	case strings.Contains(last, "Write a Hypothesis strategy"):
		reply = "```python\nfrom hypothesis import strategies as st\n\ndef strategy():\n    return st.tuples(st.integers())\n```"
	case strings.Contains(last, "Which of the following property templates"):
		reply = fmt.Sprintf("[%q]", pick)
	case strings.Contains(last, "Answer with a single word"):
		reply = "yes"
	case strings.Contains(last, "Write a Hypothesis property-based test"):
		reply = "```python\ndef test_" + pick + "():\n    assert True\n```"
	default:
		reply = "fine"
	}
	go req.Callback(req.ID, reply, 0.1)
	return nil
}

// trackingSandbox panics for CUTs whose path contains "boom" and records
// the peak number of concurrent calls.
type trackingSandbox struct {
	active    atomic.Int32
	peak      atomic.Int32
	mutations atomic.Int32
}

func (s *trackingSandbox) enter() func() {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return func() { s.active.Add(-1) }
}

func (s *trackingSandbox) RunScript(ctx context.Context, script, projectDir string) (*sandbox.Result, error) {
	defer s.enter()()
	if strings.Contains(script, "boom") {
		panic("sandbox exploded")
	}
	return &sandbox.Result{}, nil
}

func (s *trackingSandbox) RunTest(ctx context.Context, testFile, projectDir string) (*sandbox.Result, error) {
	defer s.enter()()
	return &sandbox.Result{}, nil
}

func (s *trackingSandbox) RunMutation(ctx context.Context, spec sandbox.MutationSpec) (*sandbox.Result, error) {
	s.mutations.Add(1)
	return &sandbox.Result{ExitCode: 2}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func makeCUTs(t *testing.T, names ...string) []*domain.CUT {
	t.Helper()
	root := t.TempDir()
	var cuts []*domain.CUT
	for _, name := range names {
		base := filepath.Join(root, name)
		cuts = append(cuts, &domain.CUT{
			ID:         domain.CUTID{Module: "mod", QualName: name},
			EntryPoint: name,
			Body:       "def " + name + "(x): return x",
			Module:     "mod",
			Lines:      domain.LineRange{Start: 1, End: 2},
			Dirs: domain.WorkDirs{
				Tests:   filepath.Join(base, "tests"),
				Results: filepath.Join(base, "results"),
				Logs:    filepath.Join(base, "logs"),
			},
		})
	}
	return cuts
}

func newStore(t *testing.T) *resultstore.Store {
	t.Helper()
	store, err := resultstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func baseOptions(t *testing.T, sb *trackingSandbox, store *resultstore.Store, n notify.Notifier) Options {
	opts := Options{
		Name:        "test",
		Submitter:   answeringSubmitter{},
		Sandbox:     sb,
		Prompts:     prompts.NewLoader(),
		Knobs:       domain.DefaultKnobs(),
		Variant:     domain.VariantCatalog,
		MaxParallel: 2,
		Notifier:    n,
		Logger:      zaptest.NewLogger(t),
	}
	if store != nil {
		opts.Store = store
	}
	return opts
}

func TestRun_IsolatesPanickingCUT(t *testing.T) {
	ctx := context.Background()
	sb := &trackingSandbox{}
	store := newStore(t)
	notifier := &recordingNotifier{}

	cuts := makeCUTs(t, "alpha", "boom", "gamma", "delta")
	summary, err := Run(ctx, cuts, baseOptions(t, sb, store, notifier))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 4)
	assert.ErrorContains(t, summary.Results[1].Err, "sandbox exploded")
	assert.Equal(t, domain.RunFailed, summary.Results[1].Status)

	rec, err := store.GetResult(ctx, "mod::boom")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, rec.Status)
	assert.Contains(t, rec.Error, "panic")

	rec, err = store.GetResult(ctx, "mod::alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.Equal(t, 1, rec.Tests)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, "missing_report", rec.ErrorCode)
	assert.InDelta(t, 0.7, rec.ElapsedSeconds, 1e-9, "seven asks at 0.1s each")

	batches, err := store.ListBatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].CutsCompleted)
	assert.Equal(t, 1, batches[0].CutsFailed)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Batch finished", notifier.sent[0].Title)
	assert.Equal(t, notify.NotifyWarning, notifier.sent[0].Type)
}

func TestRun_RespectsParallelLimit(t *testing.T) {
	sb := &trackingSandbox{}
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	opts := baseOptions(t, sb, nil, nil)
	opts.MaxParallel = 3
	var seen atomic.Int32
	opts.OnResult = func(CUTResult) { seen.Add(1) }

	summary, err := Run(context.Background(), makeCUTs(t, names...), opts)
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Completed)
	assert.LessOrEqual(t, sb.peak.Load(), int32(3))
	assert.Equal(t, int32(8), seen.Load())
}

func TestRun_SkipsFinishedCUTs(t *testing.T) {
	sb := &trackingSandbox{}
	cuts := makeCUTs(t, "alpha")
	opts := baseOptions(t, sb, nil, nil)

	_, err := Run(context.Background(), cuts, opts)
	require.NoError(t, err)
	require.Equal(t, int32(1), sb.mutations.Load())

	opts.SkipFinished = true
	summary, err := Run(context.Background(), cuts, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, int32(1), sb.mutations.Load())
}

func TestRun_WithoutStore(t *testing.T) {
	sb := &trackingSandbox{}
	opts := baseOptions(t, sb, nil, nil)
	require.Nil(t, opts.Store)

	summary, err := Run(context.Background(), makeCUTs(t, "alpha"), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)
}

func TestRun_RerunScoresOnlyNewTests(t *testing.T) {
	ctx := context.Background()
	sb := &trackingSandbox{}
	cuts := makeCUTs(t, "alpha")
	opts := baseOptions(t, sb, nil, nil)

	first, err := Run(ctx, cuts, opts)
	require.NoError(t, err)
	require.NotNil(t, first.Results[0].Evaluation)
	assert.Equal(t, []string{"test_idempotence.py"}, first.Results[0].Evaluation.TestFiles)

	opts.Submitter = answeringSubmitter{pick: "round_trip"}
	second, err := Run(ctx, cuts, opts)
	require.NoError(t, err)
	require.NotNil(t, second.Results[0].Evaluation)
	assert.Equal(t, []string{"test_round_trip.py"}, second.Results[0].Evaluation.TestFiles)
	assert.Equal(t, int32(2), sb.mutations.Load())

	entries, err := os.ReadDir(cuts[0].Dirs.Tests)
	require.NoError(t, err)
	var tests []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test_") {
			tests = append(tests, e.Name())
		}
	}
	assert.Equal(t, []string{"test_round_trip.py"}, tests)
}

func TestRun_EvaluateOnly(t *testing.T) {
	sb := &trackingSandbox{}
	opts := baseOptions(t, sb, nil, nil)
	opts.Mode = ModeEvaluate

	summary, err := Run(context.Background(), makeCUTs(t, "alpha"), opts)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	r := summary.Results[0]
	require.NotNil(t, r.Evaluation)
	assert.Equal(t, "no_tests", string(r.Evaluation.ErrorCode))
	assert.Equal(t, int32(0), sb.mutations.Load())
	assert.Equal(t, int32(0), sb.peak.Load(), "no generation in evaluate mode")
}

func TestRun_RequiresCollaborators(t *testing.T) {
	_, err := Run(context.Background(), nil, Options{})
	assert.Error(t, err)
}
