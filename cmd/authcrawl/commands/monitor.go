package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/monitor"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var monitorOnce *bool

func init() {
	monitorOnce = monitorCmd.Flags().Bool("once", false, "Check every job once and exit instead of running on the schedule.")
	rootCmd.AddCommand(monitorCmd)
}

var errNoJobs = errors.New("no monitor jobs are configured")

var monitorCmd = &cobra.Command{
	Use:   "monitor [--once]",
	Short: "Watches the configured pages and notifies when their extracted content changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Monitor.Jobs) == 0 {
			return errNoJobs
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		err = a.withExtraction()
		if err != nil {
			return err
		}

		m := monitor.New(
			a.db,
			a.fetcher(),
			a.extraction,
			cfg.Notifier(a.tel),
			monitor.WithClock(a.clock),
			monitor.WithTelemetry(a.tel),
		)

		if *monitorOnce {
			checks, err := m.Run(cmd.Context(), cfg.Monitor.Jobs)
			printChecks(checks)
			return err
		}

		cron := chrono.NewCron(a.tel, a.clock.Location())
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), time.Minute)
			defer cancel()
			if err := cron.Stop(ctx); err != nil {
				a.tel.ReportWarning("monitor.stop", err)
			}
		}()

		err = m.Schedule(cron, cfg.Monitor.Schedule, cfg.Monitor.Jobs)
		if err != nil {
			return fmt.Errorf("monitor schedule: %w", err)
		}
		if cfg.Sessions.SweepSchedule != "" {
			err = a.sessions.ScheduleSweep(cron, cfg.Sessions.SweepSchedule)
			if err != nil {
				return fmt.Errorf("sweep schedule: %w", err)
			}
		}
		telemetry.InstrumentPerfStats(cmd.Context(), a.tel, time.Minute)

		<-cmd.Context().Done()
		return nil
	},
}

func printChecks(checks []monitor.Check) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Job", "Hash", "Baseline", "Changed"})
	for _, c := range checks {
		key := c.Job.Key
		if key == "" {
			key = c.Job.URL
		}
		t.AppendRow(table.Row{key, c.Hash[:12], yesNo(c.First), yesNo(c.Changed)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
