package main

import (
	"fmt"
	"io"
	"time"

	"chatbackup/internal/app"
	"chatbackup/internal/planner"
	"chatbackup/internal/progress"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var planCmd = &cobra.Command{
	Use:          "plan",
	Short:        "Show throttle status and pending months per target without exporting",
	SilenceUsage: true,
	RunE:         runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	orchestrator, err := app.New(cfg, log, app.WithDeduplicator(nil), app.WithUploader(nil))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			log.Error("Error closing orchestrator", zap.Error(err))
		}
	}()

	entries, err := orchestrator.Plan(cmd.Context(), cfg.Targets())
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	attention := writePlan(cmd.OutOrStdout(), entries, time.Now())
	if attention {
		return errNeedsAttention
	}
	return nil
}

// writePlan prints one block per target and reports whether any target is
// misconfigured.
func writePlan(w io.Writer, entries []app.PlanEntry, now time.Time) bool {
	attention := false
	for _, e := range entries {
		fmt.Fprintf(w, "%s (%s)\n", e.Target.Name, e.Target.ID)

		if e.Err != nil {
			attention = true
			fmt.Fprintf(w, "  error:     %v\n\n", e.Err)
			continue
		}

		last := "never"
		if e.LastAttemptAt != nil {
			last = fmt.Sprintf("%s (%s ago)", e.LastAttemptAt.Local().Format(time.DateTime), progress.FormatDuration(now.Sub(*e.LastAttemptAt)))
		}
		fmt.Fprintf(w, "  last run:  %s\n", last)
		fmt.Fprintf(w, "  completed: %d months\n", e.CompletedMonths)

		if e.Eligible {
			fmt.Fprintf(w, "  throttle:  eligible\n")
		} else {
			fmt.Fprintf(w, "  throttle:  wait %s\n", progress.FormatDuration(e.ThrottleRemaining))
		}
		fmt.Fprintf(w, "  pending:   %d %s\n\n", len(e.Chunks), planner.Describe(e.Chunks))
	}
	return attention
}
