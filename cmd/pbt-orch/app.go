package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/batch"
	"github.com/hochfrequenz/pbt-orchestrator/internal/config"
	"github.com/hochfrequenz/pbt-orchestrator/internal/notify"
	"github.com/hochfrequenz/pbt-orchestrator/internal/pause"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/pbt-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/pbt-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/pbt-orchestrator/web/api"
)

// app holds the long-lived collaborators of a batch process
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *resultstore.Store
	sched    *scheduler.Scheduler
	service  *sandbox.Service
	prompts  *prompts.Loader
	notifier notify.Notifier
	// server is set after the scheduler workers are already running
	server atomic.Pointer[api.Server]

	bg sync.WaitGroup
}

// pauseFilePath resolves a relative pause file against the working directory
func pauseFilePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.General.PauseFile) {
		return cfg.General.PauseFile
	}
	return filepath.Join(cfg.General.WorkDir, cfg.General.PauseFile)
}

// setup opens the store, starts the scheduler workers and, when enabled, the
// status server. Background goroutines stop with ctx; close waits for them.
func setup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.General.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	rt := &app{cfg: cfg, logger: logger}

	store, err := resultstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	rt.store = store

	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Docker: cfg.Sandbox.Runner == "docker",
		Image:  cfg.Sandbox.Image,
		Memory: cfg.Sandbox.Memory,
		CPUs:   cfg.Sandbox.CPUs,
	}, logger)
	rt.service, err = sandbox.NewService(runner, sandbox.ServiceConfig{
		Python:          cfg.Sandbox.Python,
		ScriptTimeout:   time.Duration(cfg.Sandbox.ScriptTimeoutSecs) * time.Second,
		TestTimeout:     time.Duration(cfg.Sandbox.TestTimeoutSecs) * time.Second,
		MutationTimeout: time.Duration(cfg.Sandbox.MutationTimeoutSecs) * time.Second,
		MutationCommand: cfg.Sandbox.MutationCommand,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	cwd, _ := os.Getwd()
	rt.prompts = prompts.DefaultLoader(cwd, cfg.Pipeline.PromptDirs...)
	if _, err := rt.prompts.Catalog(); err != nil {
		store.Close()
		return nil, fmt.Errorf("load property catalog: %w", err)
	}

	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	rt.notifier = notify.NewMultiNotifier(notifiers...)

	control, err := rt.pauseControl(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	sched, err := scheduler.Init(ctx, cfg.Backends, scheduler.Options{
		Pause:        control,
		Logger:       logger,
		OnWorkerExit: rt.workerExited,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.sched = sched

	if cfg.Web.Enabled {
		server := api.NewServer(sched, store, pauseFilePath(cfg), cfg.Web.Addr(), logger)
		rt.server.Store(server)
		rt.bg.Add(1)
		go func() {
			defer rt.bg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	return rt, nil
}

func (rt *app) pauseControl(ctx context.Context) (pause.Control, error) {
	path := pauseFilePath(rt.cfg)
	if !rt.cfg.General.WatchPauseFile {
		return pause.NewFile(path), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pause dir: %w", err)
	}
	w, err := pause.NewWatcher(path, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("watch pause file: %w", err)
	}
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		w.Run(ctx)
	}()
	return w, nil
}

// workerExited runs on the exiting worker's goroutine
func (rt *app) workerExited(backend string, replica int, cause error) {
	live := 0
	if s := scheduler.Default(); s != nil {
		live = s.LiveWorkers(backend)
	}
	n := notify.WorkerExited(backend, replica, live, cause)
	if err := rt.notifier.Send(context.Background(), n); err != nil {
		rt.logger.Warn("worker exit notification failed", zap.Error(err))
	}
	rt.broadcast(api.SSEEvent{Type: "worker_exit", Data: map[string]any{
		"backend": backend,
		"replica": replica,
		"live":    live,
	}})
}

// broadcast is a no-op until the status server exists
func (rt *app) broadcast(event api.SSEEvent) {
	if server := rt.server.Load(); server != nil {
		server.Broadcast(event)
	}
}

// batchOptions returns the shared part of a batch configuration
func (rt *app) batchOptions(name string, mode batch.Mode) batch.Options {
	opts := batch.Options{
		Name:          name,
		Submitter:     rt.sched,
		Sandbox:       rt.service,
		Prompts:       rt.prompts,
		Knobs:         rt.cfg.Pipeline.Knobs,
		Variant:       rt.cfg.Pipeline.Variant,
		SystemMessage: rt.cfg.Pipeline.SystemMessage,
		MaxParallel:   rt.cfg.General.MaxParallelRuns,
		Mode:          mode,
		Notifier:      rt.notifier,
		Logger:        rt.logger,
	}
	if rt.store != nil {
		opts.Store = rt.store
	}
	if rt.server.Load() != nil {
		opts.OnResult = func(res batch.CUTResult) {
			rt.broadcast(api.SSEEvent{Type: "result", Data: map[string]any{
				"cut":     res.CUT,
				"status":  res.Status,
				"elapsed": res.Elapsed,
				"skipped": res.Skipped,
			}})
		}
	}
	return opts
}

// close stops the scheduler and waits for in-flight calls. ctx must already
// be cancelled for the background goroutines to return.
func (rt *app) close() {
	rt.sched.Stop()
	rt.sched.Wait()
	rt.bg.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing result store", zap.Error(err))
	}
}
