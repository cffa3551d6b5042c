package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/engine"
)

var statusOrder = []core.Status{core.StatusActive, core.StatusWarning, core.StatusBlocked, core.StatusPaused}

// RecordsTable renders records one row per connection.
func RecordsTable(records []*core.Record) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Connection", "Status", "Today", "Total", "Interval", "Next Allowed", "Warnings", "Blocks", "Updated"})

	for _, rec := range records {
		if rec == nil {
			continue
		}
		t.AppendRow(table.Row{
			rec.ConnectionID,
			string(rec.EffectiveStatus()),
			fmt.Sprintf("%d/%d", rec.DailyMessageCount, rec.Limits.DailyLimit),
			rec.MessageCount,
			formatMillis(rec.CurrentInterval),
			formatTime(rec.NextAllowedTime),
			rec.WarningCount,
			rec.BlockCount,
			formatTime(rec.UpdatedAt),
		})
	}

	t.AppendFooter(table.Row{fmt.Sprintf("%d connection(s)", len(records)), "", "", "", "", "", "", "", ""})
	return t.Render()
}

// StatsTable renders one connection snapshot as key/value rows.
func StatsTable(stats core.Stats) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(stats.ConnectionID)

	t.AppendRows([]table.Row{
		{"Status", string(stats.Status)},
		{"Paused", stats.Paused},
		{"Today", fmt.Sprintf("%d/%d (warning at %d)", stats.DailyMessageCount, stats.DailyLimit, stats.WarningThreshold)},
		{"Remaining today", stats.RemainingToday},
		{"Total sent", stats.MessageCount},
		{"Interval", formatMillis(stats.CurrentInterval)},
		{"Next allowed", formatTime(stats.NextAllowedTime)},
		{"Wait", formatMillis(stats.TimeUntilNextAllowed)},
		{"Last message", formatTimePtr(stats.LastMessageTime)},
		{"Last daily reset", formatTime(stats.LastDailyReset)},
		{"Warnings", fmt.Sprintf("%d (last %s)", stats.WarningCount, formatTimePtr(stats.LastWarningTime))},
		{"Blocks", fmt.Sprintf("%d (last %s)", stats.BlockCount, formatTimePtr(stats.LastBlockTime))},
	})
	if stats.PausedAt != nil {
		t.AppendRow(table.Row{"Paused at", formatTimePtr(stats.PausedAt)})
	}
	return t.Render()
}

// ResultTable renders a control operation result.
func ResultTable(result core.Result) string {
	outcome := "OK"
	if !result.Success {
		outcome = "FAILED"
	}
	line := fmt.Sprintf("%s: %s", outcome, result.Message)
	if result.Stats == nil {
		return line
	}
	return line + "\n" + StatsTable(*result.Stats)
}

// SweepTable renders a retention sweep report.
func SweepTable(report engine.SweepReport) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if report.DryRun {
		t.SetTitle("Retention sweep (dry run)")
	} else {
		t.SetTitle("Retention sweep")
	}

	deleted := "Deleted"
	if report.DryRun {
		deleted = "Would delete"
	}
	t.AppendRows([]table.Row{
		{"Cutoff", formatTime(report.Cutoff)},
		{deleted, report.Deleted},
	})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Connections", report.Aggregate.Total})
	for _, status := range aggregateStatuses(report.Aggregate) {
		t.AppendRow(table.Row{"  " + string(status), report.Aggregate.ByStatus[status]})
	}

	rendered := t.Render()
	if len(report.DeletedIDs) > 0 {
		ids := append([]string(nil), report.DeletedIDs...)
		sort.Strings(ids)
		rendered += "\nRemoved: " + strings.Join(ids, ", ")
	}
	return rendered
}

func aggregateStatuses(agg core.Aggregate) []core.Status {
	out := append([]core.Status(nil), statusOrder...)
	var extra []core.Status
	for status := range agg.ByStatus {
		if !status.Valid() {
			extra = append(extra, status)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
