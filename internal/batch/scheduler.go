package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc executes one scheduled batch
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// Scheduler triggers batch reruns on their cron schedules
type Scheduler struct {
	configs map[string]BatchConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
	logger  *zap.Logger
	tick    time.Duration
	now     func() time.Time
}

// NewScheduler creates a new batch scheduler
func NewScheduler(configs []BatchConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		configs: make(map[string]BatchConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		logger:  logger.Named("schedule"),
		tick:    time.Minute,
		now:     time.Now,
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun returns true if a batch is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok || s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = s.now().Add(-24 * time.Hour)
	}

	return s.now().After(sched.Next(lastRun))
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// GetConfig returns the config for a batch
func (s *Scheduler) GetConfig(name string) (BatchConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListBatches returns all batch names, sorted
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start checks the schedules every tick until ctx ends, then waits for
// running batches. Each batch is bounded by its MaxDuration.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range s.ListBatches() {
				if !s.ShouldRun(name) {
					continue
				}
				cfg, _ := s.GetConfig(name)
				s.MarkRunning(name)
				s.wg.Add(1)
				go func(c BatchConfig) {
					defer s.wg.Done()
					defer s.MarkComplete(c.Name)

					runCtx, cancel := context.WithTimeout(ctx, c.MaxDuration)
					defer cancel()

					s.logger.Info("batch triggered", zap.String("batch", c.Name))
					if err := run(runCtx, c); err != nil {
						s.logger.Error("batch failed", zap.String("batch", c.Name), zap.Error(err))
					}
				}(cfg)
			}
		}
	}
}
