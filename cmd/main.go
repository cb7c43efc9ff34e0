package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatbackup/internal/app"
	"chatbackup/internal/config"
	"chatbackup/internal/logger"
	"chatbackup/internal/progress"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errNeedsAttention makes the process exit non-zero without printing usage.
var errNeedsAttention = errors.New("one or more targets need attention (invalid configuration or authentication failure)")

var configFile string

var rootCmd = &cobra.Command{
	Use:   "chatbackup",
	Short: "Incremental monthly backups of chat servers and direct messages",
	Long: `Backs up configured chat servers month by month through an external exporter,
remembering finished months, throttling repeated attempts and deduplicating
downloaded media.`,
	SilenceUsage: true,
	RunE:         runBackup,
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run one backup pass (default)",
	SilenceUsage: true,
	RunE:         runBackup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", config.DefaultFile, "config file (YAML or JSON)")

	flags.String("export-dir", "", "Root directory for exports")
	flags.String("state-file", "", "Metadata file (default <export-dir>/metadata.json)")
	flags.String("exporter", "", "Path of the exporter executable")
	flags.Duration("timeout", 0, "Upper bound for a single export")
	flags.Int("retries", 0, "Immediate retries of transient export failures")
	flags.Bool("dry-run", false, "Plan and log exports without running them")
	flags.StringSlice("target", nil, "Only back up these target ids")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("log-format", "console", "Log format (console/json)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.Bool("show-progress", true, "Show a live status line on terminals")

	rootCmd.AddCommand(runCmd, planCmd, serveCmd)
}

// setup loads configuration and builds the logger shared by all commands.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	showProgress, _ := cmd.Flags().GetBool("show-progress")
	display := showProgress && cfg.LogFormat == "console" && progress.IsTerminalSupported()
	orchestrator, err := app.New(cfg, log, app.WithProgressDisplay(display))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := orchestrator.Metrics().StartServer(ctx, cfg.MetricsAddr); err != nil {
				log.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	summary, err := orchestrator.Run(ctx, cfg.Targets())

	// Close orchestrator resources after the pass completes or is cancelled
	if closeErr := orchestrator.Close(); closeErr != nil {
		log.Error("Error closing orchestrator", zap.Error(closeErr))
	}

	if err != nil {
		return err
	}
	if !summary.Locked && (!display || summary.DryRun) {
		progress.WriteSummary(cmd.OutOrStdout(), summary.Stats)
	}
	if summary.NeedsAttention() {
		return errNeedsAttention
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
