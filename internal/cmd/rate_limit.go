package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/store"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/output"
)

var rateLimitCmd = &cobra.Command{
	Use:     "rate-limit",
	Aliases: []string{"rl"},
	Short:   "Inspect and manage stored connection rate limit state",
}

var (
	rateLimitListConnection string
	rateLimitListPrefix     string
	rateLimitListStatus     string
	rateLimitListLimit      int
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored connection records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.RecordQuery{
			ConnectionID: strings.TrimSpace(rateLimitListConnection),
			Prefix:       strings.TrimSpace(rateLimitListPrefix),
			Status:       core.Status(strings.ToLower(strings.TrimSpace(rateLimitListStatus))),
			Limit:        rateLimitListLimit,
		}
		if err := query.Validate(); err != nil {
			return err
		}

		format, sink, err := commandOutput(cmd, "rate-limit.list")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return withServices(cmd.Context(), func(svc *services) error {
			records, err := svc.backend.List(cmd.Context(), query)
			if err != nil {
				return err
			}
			return output.Write(sink.writer, format, records, func() string {
				if len(records) == 0 {
					return ascii.DrawBox("Rate Limits\n\n(no stored connection records)", 0)
				}
				return output.RecordsTable(records)
			})
		})
	},
}

// withServices opens store, cache and engine for a short-lived command.
func withServices(ctx context.Context, fn func(svc *services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := openServices(ctx, cfg, observability.CLILogger, nil, false)
	if err != nil {
		return err
	}
	defer svc.Close() // nolint:errcheck // best-effort cleanup
	return fn(svc)
}

func requireConnectionIDs(args []string) ([]string, error) {
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		id, err := core.NormalizeConnectionID(arg)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	rateLimitListCmd.Flags().StringVar(&rateLimitListConnection, "connection", "", "Only the record with this exact connection id")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "Only connection ids with this prefix")
	rateLimitListCmd.Flags().StringVar(&rateLimitListStatus, "status", "", "Only records in this status: active|warning|blocked|paused")
	rateLimitListCmd.Flags().IntVar(&rateLimitListLimit, "limit", 0, "Maximum records to list (0 for all)")
	addOutputFlags(rateLimitListCmd)

	rateLimitCmd.AddCommand(rateLimitListCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
