package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/store"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/output"
)

var (
	rateLimitDeleteAll    bool
	rateLimitDeletePrefix string
	rateLimitDeleteStatus string
	rateLimitDeleteYes    bool
	rateLimitDeleteDryRun bool
)

// deleteResult reports a delete run.
type deleteResult struct {
	Matched int      `json:"matched"`
	Deleted int      `json:"deleted"`
	DryRun  bool     `json:"dryRun"`
	IDs     []string `json:"connectionIds"`
}

var rateLimitDeleteCmd = &cobra.Command{
	Use:   "delete [connection-id]",
	Short: "Delete stored connection records",
	Long: `Delete stored connection records. A deleted connection starts over with
default limits on its next check.

Select a single connection by id, or many with --prefix, --status or --all.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.RecordQuery{
			Prefix: strings.TrimSpace(rateLimitDeletePrefix),
			Status: core.Status(strings.ToLower(strings.TrimSpace(rateLimitDeleteStatus))),
		}
		if len(args) == 1 {
			id, err := core.NormalizeConnectionID(args[0])
			if err != nil {
				return err
			}
			query.ConnectionID = id
		}
		if err := query.Validate(); err != nil {
			return err
		}

		selective := query.ConnectionID != "" || query.Prefix != "" || query.Status != ""
		switch {
		case !selective && !rateLimitDeleteAll:
			return errors.New("specify a connection id, --prefix, --status or --all")
		case rateLimitDeleteAll && selective:
			return errors.New("--all cannot be combined with a connection id, --prefix or --status")
		case rateLimitDeleteAll && !rateLimitDeleteYes && !rateLimitDeleteDryRun:
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		format, sink, err := commandOutput(cmd, "rate-limit.delete")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return withServices(cmd.Context(), func(svc *services) error {
			records, err := svc.backend.List(cmd.Context(), query)
			if err != nil {
				return err
			}

			result := deleteResult{Matched: len(records), DryRun: rateLimitDeleteDryRun, IDs: []string{}}
			for _, rec := range records {
				if rateLimitDeleteDryRun {
					result.IDs = append(result.IDs, rec.ConnectionID)
					continue
				}
				if err := svc.backend.Delete(cmd.Context(), rec.ConnectionID); err != nil {
					if errors.Is(err, core.ErrNotFound) {
						continue
					}
					return err
				}
				if err := svc.cache.Delete(cmd.Context(), rec.ConnectionID); err != nil {
					observability.CLILogger.Warn("Failed to evict deleted record from cache",
						zap.String("connection_id", rec.ConnectionID),
						zap.Error(err))
				}
				result.IDs = append(result.IDs, rec.ConnectionID)
				result.Deleted++
			}

			return output.Write(sink.writer, format, result, func() string {
				return deleteSummary(result)
			})
		})
	},
}

func deleteSummary(result deleteResult) string {
	summary := fmt.Sprintf("Deleted %d/%d connection record(s)", result.Deleted, result.Matched)
	if result.DryRun {
		summary = fmt.Sprintf("Would delete %d connection record(s)", result.Matched)
	}
	if len(result.IDs) > 0 {
		summary += ": " + strings.Join(result.IDs, ", ")
	}
	return summary
}

func init() {
	rateLimitDeleteCmd.Flags().BoolVar(&rateLimitDeleteAll, "all", false, "Delete every record")
	rateLimitDeleteCmd.Flags().StringVar(&rateLimitDeletePrefix, "prefix", "", "Delete connection ids with this prefix")
	rateLimitDeleteCmd.Flags().StringVar(&rateLimitDeleteStatus, "status", "", "Delete records in this status: active|warning|blocked|paused")
	rateLimitDeleteCmd.Flags().BoolVar(&rateLimitDeleteYes, "yes", false, "Confirm deleting every record")
	rateLimitDeleteCmd.Flags().BoolVar(&rateLimitDeleteDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(rateLimitDeleteCmd)

	rateLimitCmd.AddCommand(rateLimitDeleteCmd)
}
