// Package batch runs pipelines for many functions under test concurrently,
// loads CUT manifests and schedules periodic reruns.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/notify"
	"github.com/hochfrequenz/pbt-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/pbt-orchestrator/internal/session"
)

// Mode selects which pipeline stages a batch runs
type Mode int

const (
	// ModeFull generates tests and then evaluates them
	ModeFull Mode = iota
	// ModeEvaluate only evaluates tests produced earlier
	ModeEvaluate
)

// Recorder persists per-CUT outcomes; *resultstore.Store satisfies it
type Recorder interface {
	UpsertResult(ctx context.Context, r *resultstore.Record) error
	StartBatch(ctx context.Context, name string) (int64, error)
	FinishBatch(ctx context.Context, id int64, completed, failed int) error
}

// Options configure a batch
type Options struct {
	Name          string
	Submitter     session.Submitter
	Sandbox       pipeline.Sandbox
	Prompts       *prompts.Loader
	Knobs         domain.Knobs
	Variant       domain.Variant
	SystemMessage string
	MaxParallel   int
	Mode          Mode
	SkipFinished  bool
	// Store may be left nil. A nil *resultstore.Store must not be assigned
	// here, since the interface would then compare non-nil.
	Store    Recorder
	Notifier notify.Notifier
	Logger   *zap.Logger
	// OnResult, if set, is called from the CUT's goroutine once it is done
	OnResult func(CUTResult)
}

// CUTResult is the outcome of one CUT within a batch
type CUTResult struct {
	CUT        string
	Status     domain.RunStatus
	Elapsed    float64
	Outcome    pipeline.Outcome
	Evaluation *pipeline.Result
	Skipped    bool
	Err        error
}

// Summary aggregates a batch
type Summary struct {
	Results        []CUTResult
	Completed      int
	StrategyFailed int
	Failed         int
	Skipped        int
}

// Run processes cuts with at most MaxParallel pipelines at a time. A failure
// or panic in one CUT is recorded for that CUT and does not stop the others.
// The returned error is only set when ctx ended before all CUTs ran.
func Run(ctx context.Context, cuts []*domain.CUT, opts Options) (*Summary, error) {
	if opts.Submitter == nil || opts.Sandbox == nil || opts.Prompts == nil {
		return nil, fmt.Errorf("submitter, sandbox and prompts are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.Name == "" {
		opts.Name = "adhoc"
	}
	logger := opts.Logger.Named("batch").With(zap.String("batch", opts.Name))

	var batchID int64
	if opts.Store != nil {
		id, err := opts.Store.StartBatch(ctx, opts.Name)
		if err != nil {
			return nil, err
		}
		batchID = id
	}

	logger.Info("batch started", zap.Int("cuts", len(cuts)), zap.Int("parallel", opts.MaxParallel))
	results := make([]CUTResult, len(cuts))

	var g errgroup.Group
	g.SetLimit(opts.MaxParallel)
	for i, cut := range cuts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = runOne(ctx, cut, opts, logger)
			if opts.OnResult != nil {
				opts.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{}
	for _, r := range results {
		if r.CUT == "" {
			continue // not started before cancellation
		}
		summary.Results = append(summary.Results, r)
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Err != nil || r.Status == domain.RunFailed:
			summary.Failed++
		case r.Status == domain.RunStrategyFailed:
			summary.StrategyFailed++
		default:
			summary.Completed++
		}
	}

	// bookkeeping must survive a cancelled batch
	finishCtx := context.WithoutCancel(ctx)
	if opts.Store != nil {
		if err := opts.Store.FinishBatch(finishCtx, batchID, summary.Completed+summary.StrategyFailed, summary.Failed); err != nil {
			logger.Error("failed to record batch end", zap.Error(err))
		}
	}
	n := notify.BatchFinished(opts.Name, summary.Completed, summary.StrategyFailed, summary.Failed, summary.Skipped)
	if err := opts.Notifier.Send(finishCtx, n); err != nil {
		logger.Warn("batch notification failed", zap.Error(err))
	}

	logger.Info("batch finished",
		zap.Int("completed", summary.Completed),
		zap.Int("strategy_failed", summary.StrategyFailed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("batch interrupted: %w", err)
	}
	return summary, nil
}

func runOne(ctx context.Context, cut *domain.CUT, opts Options, logger *zap.Logger) (res CUTResult) {
	res = CUTResult{CUT: cut.ID.String(), Status: domain.RunRunning}
	logger = logger.With(zap.String("cut", res.CUT))

	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.RunFailed
			res.Err = fmt.Errorf("panic: %v", r)
			logger.Error("pipeline panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		if res.Skipped {
			return
		}
		if opts.Store != nil {
			if err := opts.Store.UpsertResult(context.WithoutCancel(ctx), record(cut, res)); err != nil {
				logger.Error("failed to record result", zap.Error(err))
			}
		}
	}()

	sess, err := session.New(opts.Submitter, cut.Dirs.Logs,
		session.WithSystemMessage(opts.SystemMessage),
		session.WithLogger(opts.Logger))
	if err != nil {
		return failed(res, err, logger)
	}
	p, err := pipeline.New(pipeline.Config{
		CUT:     cut,
		Knobs:   opts.Knobs,
		Variant: opts.Variant,
		Asker:   sess,
		Sandbox: opts.Sandbox,
		Prompts: opts.Prompts,
		Logger:  opts.Logger,
	})
	if err != nil {
		return failed(res, err, logger)
	}

	if opts.SkipFinished && p.HaveFinished() {
		logger.Info("already finished, skipping")
		res.Skipped = true
		res.Status = domain.RunCompleted
		return res
	}

	if opts.Mode == ModeFull {
		if err := p.Reset(); err != nil {
			return failed(res, err, logger)
		}
		elapsed, err := p.Run(ctx)
		res.Elapsed = elapsed
		res.Outcome = p.Outcome()
		res.Status = res.Outcome.Status
		if err != nil {
			return failed(res, err, logger)
		}
	}

	eval, err := p.Evaluate(ctx)
	if err != nil {
		return failed(res, err, logger)
	}
	res.Evaluation = eval
	if opts.Mode == ModeEvaluate {
		res.Status = domain.RunCompleted
	}
	return res
}

func failed(res CUTResult, err error, logger *zap.Logger) CUTResult {
	logger.Error("pipeline failed", zap.Error(err))
	res.Status = domain.RunFailed
	res.Err = err
	return res
}

func record(cut *domain.CUT, res CUTResult) *resultstore.Record {
	r := &resultstore.Record{
		CUTID:          res.CUT,
		Module:         cut.Module,
		Status:         res.Status,
		ElapsedSeconds: res.Elapsed,
		Tests:          len(res.Outcome.TestFiles),
		Skipped:        len(res.Outcome.Skipped),
		Archived:       len(res.Outcome.Archived),
		UpdatedAt:      time.Now(),
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if e := res.Evaluation; e != nil {
		r.ErrorCode = string(e.ErrorCode)
		r.MutationScore = e.MutationScore
		r.CoveragePercent = e.CoveragePercent
		if r.Tests == 0 {
			r.Tests = len(e.TestFiles)
		}
		finished := r.UpdatedAt
		r.FinishedAt = &finished
	}
	return r
}
