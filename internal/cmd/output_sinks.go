package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sendguard/sendguard/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

// outputFlags is the parsed form of --output-format, --out and --out-dir.
type outputFlags struct {
	format output.Format
	file   string
	dir    string
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if name = strings.Trim(name, "-."); name == "" {
		return "output"
	}
	return name
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|yaml")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

func readOutputFlags(cmd *cobra.Command) (outputFlags, error) {
	var (
		flags outputFlags
		raw   [3]string
	)
	for i, name := range []string{"output-format", "out", "out-dir"} {
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return flags, err
		}
		raw[i] = strings.TrimSpace(value)
	}

	format, err := output.ParseFormat(raw[0])
	if err != nil {
		return flags, err
	}
	flags = outputFlags{format: format, file: raw[1], dir: raw[2]}
	if flags.file != "" && flags.dir != "" {
		return flags, errors.New("--out and --out-dir are mutually exclusive")
	}
	return flags, nil
}

// commandOutput opens where cmd writes its report. With --out-dir the file
// is "<name>.<ext>" inside that directory.
func commandOutput(cmd *cobra.Command, name string) (output.Format, *outputSink, error) {
	flags, err := readOutputFlags(cmd)
	if err != nil {
		return "", nil, err
	}

	path := flags.file
	if flags.dir != "" {
		dir, err := filepath.Abs(flags.dir)
		if err != nil {
			dir = flags.dir
		}
		path = filepath.Join(dir, sanitizeFilename(name)+"."+flags.format.Extension())
	}

	sink, err := openSink(path, cmd.OutOrStdout())
	if err != nil {
		return "", nil, err
	}
	return flags.format, sink, nil
}

// openSink opens path for writing, creating its directory. Empty or "-"
// selects stdout.
func openSink(path string, stdout io.Writer) (*outputSink, error) {
	if path == "" || path == "-" {
		if stdout == nil {
			stdout = os.Stdout
		}
		return &outputSink{writer: stdout, close: func() error { return nil }, path: "-"}, nil
	}

	// #nosec G301 -- report directory
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path) // #nosec G304 -- operator-chosen path
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &outputSink{writer: file, close: file.Close, path: path}, nil
}
