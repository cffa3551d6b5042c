package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/output"
)

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status <connection-id>...",
	Short: "Show the current state of one or more connections",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := requireConnectionIDs(args)
		if err != nil {
			return err
		}
		format, sink, err := commandOutput(cmd, "rate-limit.status")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return withServices(cmd.Context(), func(svc *services) error {
			snapshots := make([]core.Stats, 0, len(ids))
			for _, id := range ids {
				stats, err := svc.engine.GetStatus(cmd.Context(), id)
				if err != nil {
					return err
				}
				snapshots = append(snapshots, stats)
			}
			return output.Write(sink.writer, format, snapshots, func() string {
				rendered := ""
				for i, stats := range snapshots {
					if i > 0 {
						rendered += "\n"
					}
					rendered += output.StatsTable(stats)
				}
				return rendered
			})
		})
	},
}

var rateLimitCheckCmd = &cobra.Command{
	Use:   "check <connection-id>",
	Short: "Ask whether a connection may send now",
	Long: `Ask whether a connection may send now. The answer is the same one the
HTTP /check route gives; nothing is counted as sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, sink, err := commandOutput(cmd, "rate-limit.check")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return withServices(cmd.Context(), func(svc *services) error {
			decision, err := svc.engine.CheckCanSend(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, core.ErrStoreUnavailable) {
				return err
			}
			if writeErr := output.Write(sink.writer, format, decision, func() string {
				if decision.CanSend {
					return "ALLOWED\n" + output.StatsTable(decision.Stats)
				}
				return "DENIED: " + decision.Reason + "\n" + output.StatsTable(decision.Stats)
			}); writeErr != nil {
				return writeErr
			}
			return err
		})
	},
}

func controlCommand(use, short string, op func(svc *services) func(context.Context, string) (core.Result, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <connection-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, sink, err := commandOutput(cmd, "rate-limit."+use)
			if err != nil {
				return err
			}
			defer func() { _ = sink.close() }()

			return withServices(cmd.Context(), func(svc *services) error {
				result, opErr := op(svc)(cmd.Context(), args[0])
				if err := output.Write(sink.writer, format, result, func() string {
					return output.ResultTable(result)
				}); err != nil {
					return err
				}
				return opErr
			})
		},
	}
	addOutputFlags(c)
	return c
}

func init() {
	addOutputFlags(rateLimitStatusCmd)
	addOutputFlags(rateLimitCheckCmd)

	rateLimitCmd.AddCommand(rateLimitStatusCmd)
	rateLimitCmd.AddCommand(rateLimitCheckCmd)
	rateLimitCmd.AddCommand(controlCommand("pause", "Pause a connection until it is resumed",
		func(svc *services) func(context.Context, string) (core.Result, error) { return svc.engine.Pause }))
	rateLimitCmd.AddCommand(controlCommand("resume", "Resume a paused connection",
		func(svc *services) func(context.Context, string) (core.Result, error) { return svc.engine.Resume }))
	rateLimitCmd.AddCommand(controlCommand("reset", "Zero a connection's counters and allow an immediate send",
		func(svc *services) func(context.Context, string) (core.Result, error) { return svc.engine.Reset }))
}
