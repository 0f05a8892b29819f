package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"water-quality-etl/internal/metadata"
	"water-quality-etl/internal/models"
	"water-quality-etl/internal/services"
	"water-quality-etl/pkg/logging"
)

var runCmd = &cobra.Command{
	Use:       "run <dashboard|exchange|metadata|all>",
	Short:     "Run one pipeline, or all three in order",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{models.RunDashboard, models.RunExchange, models.RunMetadata, "all"},
	RunE:      runPipeline,
}

func init() {
	runCmd.Flags().BoolVar(&includeDeletes, "include-deletes", false, "Keep rows marked as deleted in the export")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and check everything but write and publish nothing")
	runCmd.Flags().StringVar(&schedule, "schedule", "", "Cron spec; keep running and repeat on this schedule")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after each run")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	kinds := []string{args[0]}
	if args[0] == "all" {
		kinds = []string{models.RunDashboard, models.RunExchange, models.RunMetadata}
	}

	job := func(ctx context.Context) error {
		defer a.writeMetrics(ctx)
		for _, kind := range kinds {
			res, err := runKind(ctx, a.pipeline, kind)
			printSummary(kind, res, err)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if a.cfg.Pipeline.Schedule == "" {
		return job(ctx)
	}

	scheduler := services.NewScheduler(a.logger)
	if err := scheduler.Add(a.cfg.Pipeline.Schedule, args[0], job); err != nil {
		return err
	}
	scheduler.Start()

	a.logger.Info(ctx, "[INGESTER_SCHEDULED] Waiting for scheduled runs", logging.Fields{
		"schedule": a.cfg.Pipeline.Schedule,
		"pipeline": args[0],
	})
	<-ctx.Done()

	a.logger.Info(ctx, "[SHUTDOWN] Stopping scheduler", logging.Fields{})
	scheduler.Stop()
	return nil
}

func runKind(ctx context.Context, pipeline *services.PipelineService, kind string) (*services.RunResult, error) {
	switch kind {
	case models.RunDashboard:
		return pipeline.RunDashboard(ctx)
	case models.RunExchange:
		return pipeline.RunExchange(ctx)
	case models.RunMetadata:
		return pipeline.RunMetadata(ctx)
	}
	return nil, fmt.Errorf("unknown pipeline %q", kind)
}

func printSummary(kind string, res *services.RunResult, runErr error) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%s RUN\n", strings.ToUpper(kind))
	fmt.Println(strings.Repeat("=", 80))

	if res != nil && res.Run != nil {
		run := res.Run
		fmt.Printf("Run ID:         %s\n", run.RunID)
		fmt.Printf("Status:         %s\n", run.Status)
		fmt.Printf("Source Folder:  %s\n", run.SourceFolder)
		fmt.Printf("Result Rows:    %d\n", run.ResultRows)
		fmt.Printf("Output Rows:    %d\n", run.OutputRows)
		fmt.Printf("Advisories:     %d\n", run.AdvisoryCount)
		fmt.Printf("Duration:       %v\n", run.Duration())
		if run.DryRun {
			fmt.Println("Output:         (dry run, nothing written)")
		} else if res.OutputPath != "" {
			fmt.Printf("Output:         %s\n", res.OutputPath)
		}

		if len(res.Diagnostics) > 0 {
			fmt.Printf("\nFindings (%d):\n", len(res.Diagnostics))
			for i, d := range res.Diagnostics {
				if i == 10 {
					fmt.Printf("  ... and %d more findings\n", len(res.Diagnostics)-10)
					break
				}
				fmt.Printf("  - [%s] %s: %s (%d rows)\n", d.Severity, d.Kind, d.Description, d.RowCount)
			}
		}
	}

	var pending *metadata.PendingResolutionError
	switch {
	case errors.As(runErr, &pending):
		fmt.Println("\nNew monitoring sites need values under pipeline.site_overrides:")
		for site, fields := range pending.Fields {
			fmt.Printf("  %s: %s\n", site, strings.Join(fields, ", "))
		}
	case runErr != nil:
		fmt.Printf("\nFailed: %v\n", runErr)
	}
}
