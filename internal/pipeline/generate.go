package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

const failDir = "fail"

// generateTest runs S3 for one property. Only collaborator failures are
// returned; a property that cannot be made to pass is archived instead.
func (p *Pipeline) generateTest(ctx context.Context, prop domain.PropertyDescriptor) error {
	logger := p.logger.With(zap.String("property", prop.Name))
	conv := p.conversation()

	data := p.data()
	data.Property = prop
	rationale, err := conv.ask(ctx, "property_rationale", data)
	if err != nil {
		return err
	}
	data.Rationale = rationale

	answer, err := conv.ask(ctx, "property_confirm", data)
	if err != nil {
		return err
	}
	if rejects(answer) {
		logger.Info("property rejected by confirmation, skipping")
		p.record(func(o *Outcome) { o.Skipped = append(o.Skipped, prop.Name) })
		return nil
	}

	testPath := filepath.Join(p.cut.Dirs.Tests, testFileName(prop))

	code, err := conv.askCode(ctx, "test_generate", data)
	var ok bool
	var log string
	switch {
	case errors.Is(err, ErrNoCodeBlock):
		log = err.Error()
	case err != nil:
		return err
	default:
		if ok, log, err = p.runTest(ctx, testPath, code); err != nil {
			return err
		}
	}

	for fix := 1; !ok && fix <= p.knobs.MaxFix; fix++ {
		logger.Info("test failed, asking for a fix", zap.Int("fix", fix))
		fixData := data
		fixData.Code = code
		fixData.Log = collapseLog(log)

		fixed, err := conv.askCode(ctx, "test_fix", fixData)
		if errors.Is(err, ErrNoCodeBlock) {
			log = err.Error()
			continue
		}
		if err != nil {
			return err
		}
		code = fixed
		if ok, log, err = p.runTest(ctx, testPath, code); err != nil {
			return err
		}
	}

	if ok {
		logger.Info("test accepted", zap.String("path", testPath))
		p.record(func(o *Outcome) { o.TestFiles = append(o.TestFiles, testPath) })
		return nil
	}

	if err := os.Remove(testPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove failed test: %w", err)
	}
	archive, err := p.archive(prop, code, log)
	if err != nil {
		return err
	}
	logger.Warn("fix attempts exhausted, archived", zap.String("archive", archive))
	p.record(func(o *Outcome) { o.Archived = append(o.Archived, archive) })
	return nil
}

// rejects reports whether a confirmation answer declines the property.
// Any occurrence of "no" counts.
func rejects(answer string) bool {
	return strings.Contains(strings.ToLower(answer), "no")
}

func testFileName(prop domain.PropertyDescriptor) string {
	return "test_" + prop.Name + ".py"
}

// runTest writes code to path and runs it in the sandbox
func (p *Pipeline) runTest(ctx context.Context, path, code string) (bool, string, error) {
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return false, "", fmt.Errorf("write test: %w", err)
	}
	res, err := p.sandbox.RunTest(ctx, path, p.cut.Dirs.Project)
	if err != nil {
		return false, "", fmt.Errorf("run test: %w", err)
	}
	if res.TimedOut {
		return false, res.Output() + "\nThe test timed out.", nil
	}
	return res.OK(), res.Output(), nil
}

// archive stores the last code and log under fail/<n>_<property>/ in the
// results directory. n counts archives within this run, starting at 1.
func (p *Pipeline) archive(prop domain.PropertyDescriptor, code, log string) (string, error) {
	p.failCount++
	dir := p.resultPath(filepath.Join(failDir, fmt.Sprintf("%d_%s", p.failCount, prop.Name)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, testFileName(prop)), []byte(code), 0644); err != nil {
		return "", fmt.Errorf("archive code: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "error.log"), []byte(log), 0644); err != nil {
		return "", fmt.Errorf("archive log: %w", err)
	}
	return dir, nil
}
