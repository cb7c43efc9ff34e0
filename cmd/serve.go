package main

import (
	"context"
	"fmt"
	"time"

	"chatbackup/internal/app"
	"chatbackup/internal/config"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run backup passes on a cron schedule until stopped",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	serveCmd.Flags().String("schedule", "", `Cron schedule (5 fields, e.g. "0 */6 * * *")`)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	orchestrator, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			log.Error("Error closing orchestrator", zap.Error(err))
		}
	}()

	ctx, cancel := signalContext(log)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := orchestrator.Metrics().StartServer(ctx, cfg.MetricsAddr); err != nil {
				log.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
		log.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	id := scheduler.Schedule(schedule, cron.FuncJob(func() { pass(ctx, cfg, orchestrator, log) }))
	// The wrapped job shares the skip-if-running guard with scheduled ticks.
	wrapped := scheduler.Entry(id).WrappedJob

	scheduler.Start()
	log.Info("Scheduler started",
		zap.String("schedule", cfg.Schedule),
		zap.Time("next_run", schedule.Next(time.Now())),
	)

	if cfg.RunOnStart {
		go wrapped.Run()
	}

	<-ctx.Done()
	log.Info("Waiting for the running pass to finish")
	<-scheduler.Stop().Done()
	return nil
}

// pass runs one scheduled backup. Configuration problems are logged and
// left for the operator; the scheduler keeps running.
func pass(ctx context.Context, cfg *config.Config, orchestrator *app.Orchestrator, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	summary, err := orchestrator.Run(ctx, cfg.Targets())
	if err != nil {
		log.Error("Backup pass failed", zap.Error(err))
		return
	}
	if summary.NeedsAttention() {
		log.Error("Backup pass finished with targets needing attention", zap.String("run_id", summary.RunID))
	}
}
