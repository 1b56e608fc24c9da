// Package scheduler routes generation requests to model backends. Each
// backend runs a fixed number of worker loops that pull from per-class
// priority queues shared by every conversation in the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/llm"
	"github.com/hochfrequenz/pbt-orchestrator/internal/pause"
)

var (
	// ErrAlreadyInitialized is returned by a second Init call
	ErrAlreadyInitialized = errors.New("scheduler already initialized")
	// ErrStopped is returned when submitting to a stopped scheduler
	ErrStopped = errors.New("scheduler stopped")
)

// Default intervals of the worker loop
const (
	DefaultIdleInterval   = 5 * time.Second
	DefaultPausedInterval = 5 * time.Second
	DefaultRetryBackoff   = 600 * time.Second
	DefaultLogInterval    = 10 * time.Minute
)

// WorkerExitFunc is called when a worker loop terminates. err is nil for a
// regular shutdown and non-nil when the retry budget was exhausted.
type WorkerExitFunc func(backend string, replica int, err error)

// Options tune a Scheduler. Zero values select the defaults.
type Options struct {
	Factory        llm.Factory
	Pause          pause.Control
	Logger         *zap.Logger
	IdleInterval   time.Duration
	PausedInterval time.Duration
	RetryBackoff   time.Duration
	LogInterval    time.Duration
	OnWorkerExit   WorkerExitFunc
}

func (o *Options) applyDefaults() {
	if o.Factory == nil {
		o.Factory = llm.NewOpenAIClient
	}
	if o.Pause == nil {
		o.Pause = pause.Never{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.PausedInterval <= 0 {
		o.PausedInterval = DefaultPausedInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
}

// Scheduler owns the request queues and the backend worker loops
type Scheduler struct {
	opts     Options
	logger   *zap.Logger
	backends []domain.BackendConfig

	queues   map[domain.RequestClass]*requestQueue
	queuesMu sync.Mutex

	capacity *capacity
	stopped  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates the backends and starts Concurrency worker loops for each.
// The returned handle is independent of the process-wide default.
func New(ctx context.Context, backends []domain.BackendConfig, opts Options) (*Scheduler, error) {
	opts.applyDefaults()

	completers := make([]llm.Completer, len(backends))
	for i, b := range backends {
		if b.Concurrency <= 0 {
			return nil, fmt.Errorf("backend %s: concurrency must be positive", b.Name)
		}
		if b.RetryBudget < 0 {
			return nil, fmt.Errorf("backend %s: retry budget must not be negative", b.Name)
		}
		if len(b.AcceptedClasses) == 0 {
			return nil, fmt.Errorf("backend %s: no accepted request classes", b.Name)
		}
		c, err := opts.Factory(b)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		completers[i] = c
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		opts:     opts,
		logger:   opts.Logger.Named("scheduler"),
		backends: backends,
		queues:   make(map[domain.RequestClass]*requestQueue),
		capacity: newCapacity(func(backend string, live int) {
			liveWorkers.WithLabelValues(backend).Set(float64(live))
		}),
		cancel: cancel,
	}

	for i, b := range backends {
		var limiter *rate.Limiter
		if b.RequestsPerMinute > 0 {
			limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.RequestsPerMinute)), 1)
		}
		for replica := 0; replica < b.Concurrency; replica++ {
			w := &worker{
				s:         s,
				cfg:       b,
				replica:   replica,
				completer: completers[i],
				limiter:   limiter,
				logger:    s.logger.With(zap.String("backend", b.Name), zap.Int("replica", replica)),
				idleLog:   &rate.Sometimes{Interval: opts.LogInterval},
				pausedLog: &rate.Sometimes{Interval: opts.LogInterval},
			}
			s.capacity.add(b.Name)
			s.wg.Add(1)
			go w.run(ctx)
		}
	}

	s.logger.Info("scheduler started", zap.Int("backends", len(backends)))
	return s, nil
}

// Submit enqueues a request into its class queue. Queues are unbounded.
func (s *Scheduler) Submit(req *domain.GenerationRequest) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if req == nil || req.Callback == nil {
		return errors.New("request needs a completion callback")
	}
	if _, err := domain.ParseRequestClass(string(req.Class)); err != nil {
		return err
	}
	s.queue(req.Class).push(req)
	queueDepth.WithLabelValues(string(req.Class)).Inc()
	return nil
}

// queue returns the class queue, creating it on first use
func (s *Scheduler) queue(class domain.RequestClass) *requestQueue {
	s.queuesMu.Lock()
	defer s.queuesMu.Unlock()
	q, ok := s.queues[class]
	if !ok {
		q = &requestQueue{}
		s.queues[class] = q
	}
	return q
}

// dequeue tries the classes in order and returns the first pending request
func (s *Scheduler) dequeue(classes []domain.RequestClass) *domain.GenerationRequest {
	for _, class := range classes {
		s.queuesMu.Lock()
		q := s.queues[class]
		s.queuesMu.Unlock()
		if q == nil {
			continue
		}
		if req, ok := q.tryPop(); ok {
			queueDepth.WithLabelValues(string(class)).Dec()
			return req
		}
	}
	return nil
}

// requeue puts back a request a worker could not start
func (s *Scheduler) requeue(req *domain.GenerationRequest) {
	s.queue(req.Class).push(req)
	queueDepth.WithLabelValues(string(req.Class)).Inc()
}

// QueueDepth returns the number of pending requests for a class
func (s *Scheduler) QueueDepth(class domain.RequestClass) int {
	s.queuesMu.Lock()
	q := s.queues[class]
	s.queuesMu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

// LiveWorkers returns the number of worker loops still running for a backend
func (s *Scheduler) LiveWorkers(backend string) int {
	return s.capacity.liveFor(backend)
}

// Health returns per-backend capacity
func (s *Scheduler) Health() []BackendHealth {
	return s.capacity.snapshot()
}

// Paused reports the state of the pause control
func (s *Scheduler) Paused() bool {
	return s.opts.Pause.Paused()
}

// Stop prevents workers from picking up new work. In-flight calls finish.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Info("scheduler stopping")
		s.cancel()
	}
}

// Stopped reports whether Stop was called
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Wait blocks until every worker loop has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

var (
	defaultMu        sync.Mutex
	defaultScheduler *Scheduler
)

// Init creates the process-wide scheduler. It may only succeed once.
func Init(ctx context.Context, backends []domain.BackendConfig, opts Options) (*Scheduler, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultScheduler != nil {
		return nil, ErrAlreadyInitialized
	}
	s, err := New(ctx, backends, opts)
	if err != nil {
		return nil, err
	}
	defaultScheduler = s
	return s, nil
}

// Default returns the process-wide scheduler, or nil before Init
func Default() *Scheduler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultScheduler
}
