package cmd

import (
	"errors"
	"os"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/observability"
)

var (
	cfgFile string
	verbose bool

	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo records the ldflags build values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Per-connection outbound message admission control",
	Long: `sendguard decides whether a messaging connection may send its next
message, paces sends with jittered intervals, enforces a daily quota and
escalates from warning to blocked when a connection keeps pushing.

Run "sendguard serve" for the HTTP API, or use the rate-limit commands to
inspect and manage stored connection state.`,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting metrics; serve installs the real
	// telemetry system.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/sendguard/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// configSearchPaths lists where config.yaml is looked for: the XDG app
// config dir (home when XDG cannot be resolved), then ./config.
func configSearchPaths() ([]string, error) {
	var paths []string
	if dir := gfconfig.GetAppConfigDir(config.AppName); dir != "" {
		paths = append(paths, dir)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		paths = append(paths, home)
	}
	return append(paths, "./config"), nil
}

// initConfig loads the config file, defaults and SENDGUARD_* overrides into
// the global viper. A missing file is fine unless --config named it.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)
	log := observability.CLILogger

	config.Configure(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		paths, err := configSearchPaths()
		if err != nil {
			ExitWithCode(log, foundry.ExitFileNotFound, "Could not resolve a config directory", err)
			return
		}
		for _, p := range paths {
			viper.AddConfigPath(p)
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		log.Debug("Using config file", zap.String("path", viper.ConfigFileUsed()))
	case errors.As(err, &notFound):
		log.Debug("No config file found, using defaults and environment variables")
	case cfgFile != "":
		ExitWithCode(log, foundry.ExitConfigInvalid, "Failed to read config file", err)
	default:
		log.Warn("Error reading config file", zap.Error(err))
	}
}
