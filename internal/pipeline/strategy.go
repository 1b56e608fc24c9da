package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	strategyFile      = "strategy.py"
	strategyCheckFile = "strategy_check.py"
	strategyNoteFile  = "strategy_failed.txt"
)

// synthesizeStrategy runs S1: outer attempts, each with an inner fix loop.
func (p *Pipeline) synthesizeStrategy(ctx context.Context) error {
	var lastCode, lastLog string

	for attempt := 1; attempt <= p.knobs.MaxStrategyRetry; attempt++ {
		logger := p.logger.With(zap.Int("attempt", attempt))
		conv := p.conversation()

		code, err := conv.askCode(ctx, "strategy", p.data())
		if errors.Is(err, ErrNoCodeBlock) {
			logger.Warn("strategy reply had no usable code block")
			lastLog = err.Error()
			continue
		}
		if err != nil {
			return err
		}

		ok, log, err := p.validateStrategy(ctx, code)
		if err != nil {
			return err
		}

		for fix := 1; !ok && fix <= p.knobs.MaxStrategyFix; fix++ {
			logger.Info("strategy failed validation, asking for a fix", zap.Int("fix", fix))
			data := p.data()
			data.Code = code
			data.Log = collapseLog(log)
			data.MaxExamples = StrategyDraws

			fixed, err := conv.askCode(ctx, "strategy_fix", data)
			if errors.Is(err, ErrNoCodeBlock) {
				log = err.Error()
				continue
			}
			if err != nil {
				return err
			}
			code = fixed
			if ok, log, err = p.validateStrategy(ctx, code); err != nil {
				return err
			}
		}

		if ok {
			p.strategy = code
			logger.Info("strategy accepted")
			if err := os.WriteFile(p.resultPath(strategyFile), []byte(code), 0644); err != nil {
				return fmt.Errorf("write strategy: %w", err)
			}
			return nil
		}
		lastCode, lastLog = code, log
	}

	if err := p.writeStrategyNote(lastCode, lastLog); err != nil {
		return err
	}
	return ErrStrategyFailed
}

// validateStrategy draws StrategyDraws examples from code in the sandbox.
// The function under test is never called.
func (p *Pipeline) validateStrategy(ctx context.Context, code string) (bool, string, error) {
	data := p.data()
	data.Code = code
	data.MaxExamples = StrategyDraws
	script, err := p.prompts.StrategyHarness(data)
	if err != nil {
		return false, "", err
	}

	dir := p.resultPath("strategy")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, "", fmt.Errorf("create strategy dir: %w", err)
	}
	path := filepath.Join(dir, strategyCheckFile)
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		return false, "", fmt.Errorf("write strategy check: %w", err)
	}

	res, err := p.sandbox.RunScript(ctx, path, p.cut.Dirs.Project)
	if err != nil {
		return false, "", fmt.Errorf("run strategy check: %w", err)
	}
	if res.TimedOut {
		return false, res.Output() + "\nTimed out while drawing examples.", nil
	}
	return res.OK(), res.Output(), nil
}

func (p *Pipeline) writeStrategyNote(code, log string) error {
	note := fmt.Sprintf("No input strategy for %s validated after %d attempts.\n\n--- last code ---\n%s\n--- last log ---\n%s\n",
		p.cut.ID, p.knobs.MaxStrategyRetry, code, log)
	if err := os.WriteFile(p.resultPath(strategyNoteFile), []byte(note), 0644); err != nil {
		return fmt.Errorf("write strategy note: %w", err)
	}
	return nil
}
