package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/output"
	"github.com/sendguard/sendguard/internal/server/handlers"
)

type versionReport struct {
	handlers.BuildInfo
	Gofulmen string `json:"gofulmen,omitempty"`
	Crucible string `json:"crucible,omitempty"`
}

func currentVersion(extended bool) versionReport {
	report := versionReport{BuildInfo: handlers.BuildInfo{
		Name:      config.AppName,
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	}}
	if extended {
		deps := crucible.GetVersion()
		report.GoVersion = runtime.Version()
		report.Gofulmen = deps.Gofulmen
		report.Crucible = deps.Crucible
	}
	return report
}

func (r versionReport) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.Name, r.Version)
	if r.GoVersion != "" {
		fmt.Fprintf(&b, "Commit: %s\nBuilt: %s\nGo: %s\n\n", r.Commit, r.BuildDate, r.GoVersion)
		fmt.Fprintf(&b, "Gofulmen: %s\nCrucible: %s\n", r.Gofulmen, r.Crucible)
	}
	return b.String()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended to include Go, gofulmen and crucible versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		extended, _ := cmd.Flags().GetBool("extended")
		format, sink, err := commandOutput(cmd, "version")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		report := currentVersion(extended)
		return output.Write(sink.writer, format, report, report.text)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolP("extended", "e", false, "show extended version information")
	addOutputFlags(versionCmd)
}
