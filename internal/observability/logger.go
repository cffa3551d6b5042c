package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"

	"github.com/sendguard/sendguard/internal/config"
)

// ServiceName identifies sendguard in log records and metric namespaces.
const ServiceName = "sendguard"

var (
	CLILogger    *logging.Logger
	ServerLogger *logging.Logger
)

// InitCLILogger sets CLILogger to a console logger, at debug when verbose.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if verbose {
		logger.SetLevel(logging.DEBUG)
	}

	CLILogger = logger
}

// InitServerLogger builds the serve logger. The "simple" profile keeps
// console output for local runs; anything else emits JSON on stderr.
func InitServerLogger(serviceName string, cfg config.LoggingConfig, namespace ...string) {
	var (
		logger *logging.Logger
		err    error
	)
	if isSimpleProfile(cfg.Profile) {
		logger, err = logging.NewCLI(serviceName)
		if err == nil && isVerboseLevel(cfg.Level) {
			logger.SetLevel(logging.DEBUG)
		}
	} else {
		ns := ""
		if len(namespace) > 0 {
			ns = namespace[0]
		}
		logger, err = logging.New(structuredConfig(serviceName, cfg.Level, ns))
	}
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

func isSimpleProfile(profile string) bool {
	return strings.EqualFold(strings.TrimSpace(profile), "simple")
}

func isVerboseLevel(level string) bool {
	switch ParseLogLevel(level) {
	case "DEBUG", "TRACE":
		return true
	}
	return false
}

// structuredConfig is the JSON-on-stderr profile with correlation ids.
func structuredConfig(serviceName, level, namespace string) *logging.LoggerConfig {
	static := map[string]any{}
	if namespace != "" {
		static["namespace"] = namespace
	}
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: ParseLogLevel(level),
		Service:      serviceName,
		Environment:  environment(),
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{{
			Type:    "console",
			Format:  "json",
			Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
		}},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// Current returns the server logger when serve is running, otherwise the
// CLI logger. It is nil before either is initialized.
func Current() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

// ParseLogLevel converts a config log level to a gofulmen severity.
// Unknown values fall back to INFO.
func ParseLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

func environment() string {
	if env := strings.TrimSpace(os.Getenv("SENDGUARD_ENV")); env != "" {
		return env
	}
	return "production"
}

// exitWithCodeStderr exits with a semantic exit code before any logger exists.
func exitWithCodeStderr(code foundry.ExitCode, msg string, err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	}
	os.Exit(int(code))
}
