package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sendguard/sendguard/internal/core/engine"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/output"
)

var (
	rateLimitSweepDryRun    bool
	rateLimitSweepRetention time.Duration
)

var rateLimitSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove blocked and paused records idle past the retention period",
	Long: `Remove blocked and paused records that have not been updated within the
retention period, then report connection counts per status. Active and
warning records are never swept.

serve runs the same sweep on sweeper.interval when sweeper.enabled is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, sink, err := commandOutput(cmd, "rate-limit.sweep")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return withServices(cmd.Context(), func(svc *services) error {
			sweeper := svc.sweeper(observability.CLILogger, nil)
			if rateLimitSweepRetention > 0 {
				sweeper.Retention = rateLimitSweepRetention
			}

			var report engine.SweepReport
			if rateLimitSweepDryRun {
				report, err = sweeper.Preview(cmd.Context())
			} else {
				report, err = sweeper.SweepOnce(cmd.Context())
			}
			if err != nil {
				return err
			}

			return output.Write(sink.writer, format, report, func() string {
				return output.SweepTable(report)
			})
		})
	},
}

func init() {
	rateLimitSweepCmd.Flags().BoolVar(&rateLimitSweepDryRun, "dry-run", false, "Count what would be removed without deleting")
	rateLimitSweepCmd.Flags().DurationVar(&rateLimitSweepRetention, "retention", 0, "Override sweeper.retention (e.g. 720h)")
	addOutputFlags(rateLimitSweepCmd)

	rateLimitCmd.AddCommand(rateLimitSweepCmd)
}
