package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/batch"
	"github.com/hochfrequenz/pbt-orchestrator/internal/config"
	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/notify"
	"github.com/hochfrequenz/pbt-orchestrator/internal/pause"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
)

var (
	runVariant      string
	runParallel     int
	runSkipFinished bool
	listStatus      string
	listModule      string
	batchesLimit    int
	schedulePath    string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Generate and evaluate tests for every function in a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(args[0], batch.ModeFull)
		},
	}
	runCmd.Flags().StringVar(&runVariant, "variant", "", "property variant (catalog or proposed)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "maximum concurrent pipelines")
	runCmd.Flags().BoolVar(&runSkipFinished, "skip-finished", false, "skip functions that already have a result")
	rootCmd.AddCommand(runCmd)

	// evaluate command
	evaluateCmd := &cobra.Command{
		Use:   "evaluate MANIFEST",
		Short: "Run mutation testing on previously generated tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(args[0], batch.ModeEvaluate)
		},
	}
	evaluateCmd.Flags().IntVar(&runParallel, "parallel", 0, "maximum concurrent evaluations")
	rootCmd.AddCommand(evaluateCmd)

	// pause and resume commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Stop workers from starting new model calls",
		RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(true) },
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Let workers start model calls again",
		RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(false) },
	})

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List stored results",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	statusCmd.Flags().StringVar(&listModule, "module", "", "filter by module")
	rootCmd.AddCommand(statusCmd)

	// batches command
	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "Show recent batch runs",
		RunE:  runBatches,
	}
	batchesCmd.Flags().IntVar(&batchesLimit, "limit", 20, "number of batches to show")
	rootCmd.AddCommand(batchesCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Rerun manifests on cron schedules",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().StringVar(&schedulePath, "schedule", "schedule.toml", "batch schedule file")
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runManifest(manifest string, mode batch.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runVariant != "" {
		cfg.Pipeline.Variant = domain.Variant(runVariant)
	}
	if runParallel > 0 {
		cfg.General.MaxParallelRuns = runParallel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cuts, err := batch.LoadManifest(manifest, cfg.General.WorkDir)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	defer cancel()

	name := strings.TrimSuffix(filepath.Base(manifest), filepath.Ext(manifest))
	opts := rt.batchOptions(name, mode)
	opts.SkipFinished = runSkipFinished

	summary, err := batch.Run(ctx, cuts, opts)
	if summary != nil {
		printSummary(summary)
	}
	return err
}

func printSummary(summary *batch.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CUT\tSTATUS\tELAPSED\tTESTS\tSCORE\tERROR")
	for _, r := range summary.Results {
		status := string(r.Status)
		if r.Skipped {
			status = "skipped"
		}
		score, errText := "-", ""
		if r.Evaluation != nil {
			if r.Evaluation.MutationScore != nil {
				score = fmt.Sprintf("%.2f", *r.Evaluation.MutationScore)
			}
			errText = string(r.Evaluation.ErrorCode)
		}
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%.1fs\t%d\t%s\t%s\n",
			r.CUT, status, r.Elapsed, len(r.Outcome.TestFiles), score, errText)
	}
	w.Flush()

	fmt.Printf("\n%d completed | %d strategy failed | %d failed | %d skipped\n",
		summary.Completed, summary.StrategyFailed, summary.Failed, summary.Skipped)
}

func setPaused(paused bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := pauseFilePath(cfg)
	if err := pause.Write(path, paused); err != nil {
		return err
	}
	if paused {
		fmt.Printf("Paused (%s)\n", path)
	} else {
		fmt.Println("Resumed")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := resultstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListResults(cmd.Context(), resultstore.ListOptions{
		Module: listModule,
		Status: domain.RunStatus(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CUT\tSTATUS\tTESTS\tSKIPPED\tARCHIVED\tSCORE\tCOVERAGE\tERROR")
	for _, r := range records {
		score, coverage := "-", "-"
		if r.MutationScore != nil {
			score = fmt.Sprintf("%.2f", *r.MutationScore)
		}
		if r.CoveragePercent != nil {
			coverage = fmt.Sprintf("%.0f%%", *r.CoveragePercent)
		}
		errText := r.ErrorCode
		if r.Error != "" {
			errText = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.CUTID, r.Status, r.Tests, r.Skipped, r.Archived, score, coverage, errText)
	}
	w.Flush()

	return nil
}

func runBatches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := resultstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	batches, err := store.ListBatches(cmd.Context(), batchesLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTARTED\tFINISHED\tCOMPLETED\tFAILED")
	for _, b := range batches {
		finished := "-"
		if b.FinishedAt != nil {
			finished = b.FinishedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			b.ID, b.Name, b.StartedAt.Local().Format("2006-01-02 15:04"), finished, b.CutsCompleted, b.CutsFailed)
	}
	w.Flush()

	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	schedCfg, err := batch.LoadScheduleConfig(schedulePath)
	if err != nil {
		return err
	}
	if len(schedCfg.Batches) == 0 {
		return fmt.Errorf("no batches configured in %s", schedulePath)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	batches, err := batch.NewScheduler(schedCfg.Batches, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	defer cancel()

	for _, name := range batches.ListBatches() {
		logger.Info("batch scheduled", zap.String("batch", name), zap.Time("next", batches.NextRun(name)))
	}

	batches.Start(ctx, func(ctx context.Context, bc batch.BatchConfig) error {
		cuts, err := batch.LoadManifest(bc.Manifest, cfg.General.WorkDir)
		if err != nil {
			return err
		}
		if bc.MaxCUTs > 0 && len(cuts) > bc.MaxCUTs {
			cuts = cuts[:bc.MaxCUTs]
		}

		opts := rt.batchOptions(bc.Name, batch.ModeFull)
		opts.SkipFinished = true
		if !bc.NotifyOnComplete {
			opts.Notifier = notify.NoopNotifier{}
		}
		_, err = batch.Run(ctx, cuts, opts)
		return err
	})
	return nil
}
