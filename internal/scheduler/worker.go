package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/llm"
)

// worker is one replica of a backend
type worker struct {
	s         *Scheduler
	cfg       domain.BackendConfig
	replica   int
	completer llm.Completer
	limiter   *rate.Limiter // shared by the backend's replicas, nil if unlimited
	logger    *zap.Logger

	idleLog   *rate.Sometimes
	pausedLog *rate.Sometimes
}

func (w *worker) run(ctx context.Context) {
	err := w.loop(ctx)

	w.s.capacity.remove(w.cfg.Name)
	if err != nil {
		w.logger.Error("worker terminated, backend capacity reduced",
			zap.Error(err),
			zap.Int("live_workers", w.s.capacity.liveFor(w.cfg.Name)))
	} else {
		w.logger.Debug("worker stopped")
	}
	if w.s.opts.OnWorkerExit != nil {
		w.s.opts.OnWorkerExit(w.cfg.Name, w.replica, err)
	}
	w.s.wg.Done()
}

// loop returns nil on shutdown and an error once the retry budget of a
// request is exhausted.
func (w *worker) loop(ctx context.Context) error {
	for !w.s.stopped.Load() {
		if w.s.opts.Pause.Paused() {
			w.pausedLog.Do(func() { w.logger.Info("paused") })
			if !sleep(ctx, w.s.opts.PausedInterval) {
				return nil
			}
			continue
		}

		req := w.s.dequeue(w.cfg.AcceptedClasses)
		if req == nil {
			w.idleLog.Do(func() { w.logger.Info("waiting for requests") })
			if !sleep(ctx, w.s.opts.IdleInterval) {
				return nil
			}
			continue
		}

		if err := w.process(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// process runs one request with up to RetryBudget retries after the first
// attempt. The completion call itself is not cancelled by Stop.
func (w *worker) process(ctx context.Context, req *domain.GenerationRequest) error {
	callCtx := context.WithoutCancel(ctx)

	for attempt := 0; ; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.s.requeue(req)
				return nil
			}
		}

		start := time.Now()
		text, err := w.completer.Complete(callCtx, req.Messages)
		elapsed := time.Since(start).Seconds()

		if err == nil {
			completionsTotal.WithLabelValues(w.cfg.Name).Inc()
			callSeconds.WithLabelValues(w.cfg.Name).Observe(elapsed)
			req.Callback(req.ID, text, elapsed)
			return nil
		}

		callFailuresTotal.WithLabelValues(w.cfg.Name).Inc()
		if attempt >= w.cfg.RetryBudget {
			return fmt.Errorf("request %s failed after %d attempts: %w", req.ID, attempt+1, err)
		}

		w.logger.Warn("completion call failed, backing off",
			zap.String("request", req.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", w.s.opts.RetryBackoff),
			zap.Error(err))
		if !sleep(ctx, w.s.opts.RetryBackoff) {
			w.logger.Warn("dropping request during shutdown", zap.String("request", req.ID))
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
