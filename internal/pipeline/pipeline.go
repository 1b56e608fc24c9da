// Package pipeline drives one function under test through explanation,
// strategy synthesis, property selection and per-property test generation,
// and scores the produced tests with a mutation-testing pass.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
	"github.com/hochfrequenz/pbt-orchestrator/internal/sandbox"
)

// StrategyDraws is how many examples a candidate strategy must produce
// without error before it is accepted.
const StrategyDraws = 100

// MaxProperties caps the properties taken from one selection step.
const MaxProperties = 3

var (
	// ErrNoCodeBlock means a reply held no single code block even after the re-ask
	ErrNoCodeBlock = errors.New("reply does not contain exactly one code block")
	// ErrStrategyFailed means no strategy attempt validated
	ErrStrategyFailed = errors.New("no valid input strategy")
)

// Asker is the blocking conversation interface; *session.Session satisfies it.
type Asker interface {
	Ask(ctx context.Context, history []domain.Message, stepLabel string, class domain.RequestClass) (string, error)
	Elapsed() float64
}

// Sandbox runs generated code; *sandbox.Service satisfies it.
type Sandbox interface {
	RunScript(ctx context.Context, script, projectDir string) (*sandbox.Result, error)
	RunTest(ctx context.Context, testFile, projectDir string) (*sandbox.Result, error)
	RunMutation(ctx context.Context, spec sandbox.MutationSpec) (*sandbox.Result, error)
}

// Config wires a Pipeline to its collaborators.
type Config struct {
	CUT     *domain.CUT
	Knobs   domain.Knobs
	Variant domain.Variant
	Asker   Asker
	Sandbox Sandbox
	Prompts *prompts.Loader
	Logger  *zap.Logger
}

// Outcome summarizes what Run produced.
type Outcome struct {
	Status    domain.RunStatus
	TestFiles []string
	Skipped   []string
	Archived  []string
}

// Pipeline is the generation and verification state machine for one CUT.
// Run is sequential; Evaluate may be called independently afterwards.
type Pipeline struct {
	cut     *domain.CUT
	knobs   domain.Knobs
	variant domain.Variant
	asker   Asker
	sandbox Sandbox
	prompts *prompts.Loader
	logger  *zap.Logger

	explanation string
	summary     string
	strategy    string
	failCount   int

	mu      sync.Mutex
	outcome Outcome
}

// New validates cfg and prepares the CUT's working directories.
func New(cfg Config) (*Pipeline, error) {
	if cfg.CUT == nil {
		return nil, fmt.Errorf("cut is required")
	}
	if err := cfg.CUT.Validate(); err != nil {
		return nil, err
	}
	if cfg.Asker == nil || cfg.Sandbox == nil || cfg.Prompts == nil {
		return nil, fmt.Errorf("cut %s: asker, sandbox and prompts are required", cfg.CUT.ID)
	}
	if cfg.Knobs.MaxStrategyRetry <= 0 || cfg.Knobs.MaxHypothesisExamples <= 0 {
		return nil, fmt.Errorf("cut %s: max_strategy_retry and max_hypothesis_examples must be positive", cfg.CUT.ID)
	}
	switch cfg.Variant {
	case "":
		cfg.Variant = domain.VariantCatalog
	case domain.VariantCatalog, domain.VariantProposed:
	default:
		return nil, fmt.Errorf("unknown variant %q", cfg.Variant)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	for _, dir := range []string{cfg.CUT.Dirs.Tests, cfg.CUT.Dirs.Results, cfg.CUT.Dirs.Logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &Pipeline{
		cut:     cfg.CUT,
		knobs:   cfg.Knobs,
		variant: cfg.Variant,
		asker:   cfg.Asker,
		sandbox: cfg.Sandbox,
		prompts: cfg.Prompts,
		logger:  cfg.Logger.Named("pipeline").With(zap.String("cut", cfg.CUT.ID.String())),
		outcome: Outcome{Status: domain.RunQueued},
	}, nil
}

// Run generates property-based tests for the CUT and returns the cumulative
// completion time in seconds. Strategy and property failures are recorded in
// the Outcome, not returned; an error means the run itself broke.
func (p *Pipeline) Run(ctx context.Context) (float64, error) {
	p.setStatus(domain.RunRunning)
	p.logger.Info("pipeline started", zap.String("variant", string(p.variant)))

	if err := p.explain(ctx); err != nil {
		p.setStatus(domain.RunFailed)
		return p.asker.Elapsed(), fmt.Errorf("explain: %w", err)
	}

	if err := p.synthesizeStrategy(ctx); err != nil {
		if errors.Is(err, ErrStrategyFailed) {
			p.setStatus(domain.RunStrategyFailed)
			p.logger.Warn("strategy synthesis exhausted, no tests produced")
			return p.asker.Elapsed(), nil
		}
		p.setStatus(domain.RunFailed)
		return p.asker.Elapsed(), fmt.Errorf("strategy: %w", err)
	}

	properties, err := p.selectProperties(ctx)
	if err != nil {
		p.setStatus(domain.RunFailed)
		return p.asker.Elapsed(), fmt.Errorf("select properties: %w", err)
	}

	for _, prop := range properties {
		if err := p.generateTest(ctx, prop); err != nil {
			p.setStatus(domain.RunFailed)
			return p.asker.Elapsed(), fmt.Errorf("property %s: %w", prop.Name, err)
		}
	}

	p.setStatus(domain.RunCompleted)
	out := p.Outcome()
	p.logger.Info("pipeline finished",
		zap.Int("tests", len(out.TestFiles)),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("archived", len(out.Archived)),
		zap.Float64("elapsed_seconds", p.asker.Elapsed()))
	return p.asker.Elapsed(), nil
}

// Outcome returns a copy of the run's current outcome.
func (p *Pipeline) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outcome
	out.TestFiles = append([]string(nil), p.outcome.TestFiles...)
	out.Skipped = append([]string(nil), p.outcome.Skipped...)
	out.Archived = append([]string(nil), p.outcome.Archived...)
	return out
}

func (p *Pipeline) setStatus(s domain.RunStatus) {
	p.mu.Lock()
	p.outcome.Status = s
	p.mu.Unlock()
}

func (p *Pipeline) record(fn func(*Outcome)) {
	p.mu.Lock()
	fn(&p.outcome)
	p.mu.Unlock()
}

// explain runs S0. Neither answer is verified.
func (p *Pipeline) explain(ctx context.Context) error {
	conv := p.conversation()
	explanation, err := conv.ask(ctx, "explain", p.data())
	if err != nil {
		return err
	}
	p.explanation = explanation

	summary, err := conv.ask(ctx, "summary", p.data())
	if err != nil {
		return err
	}
	p.summary = summary
	return nil
}

// data returns template data populated with everything learned so far.
func (p *Pipeline) data() prompts.Data {
	return prompts.Data{
		CUT:           p.cut,
		Explanation:   p.explanation,
		Summary:       p.summary,
		Strategy:      p.strategy,
		MaxProperties: MaxProperties,
		MaxExamples:   p.knobs.MaxHypothesisExamples,
	}
}

func (p *Pipeline) resultPath(name string) string {
	return filepath.Join(p.cut.Dirs.Results, name)
}
