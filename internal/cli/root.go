package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/dss/internal/config"
	"github.com/roach88/dss/internal/store"
	"github.com/roach88/dss/internal/visitation"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // CUE config file; empty uses the defaults
	Database string // overrides the configured database path

	// Names generates execution names. Nil means UUIDv7 names; tests set a
	// fixed generator.
	Names visitation.NameGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the dss CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with args and returns the process exit code. Errors
// go to stderr; in JSON mode an error that produced no output is also written
// to stdout as an error response.
func Execute(args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	out := &countingWriter{w: stdout}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(stderr, "Error:", err)
	if opts.Format == "json" && out.n == 0 {
		f := &OutputFormatter{Format: "json", Writer: stdout}
		_ = f.Error(errorCode(err), err.Error(), nil)
	}
	return GetExitCode(err)
}

// errorCode maps an error to the code of its JSON error response.
func errorCode(err error) string {
	var cfgErr *config.Error
	switch {
	case errors.As(err, &cfgErr):
		return cfgErr.Code
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound
	case GetExitCode(err) == ExitCommandError:
		return ErrCodeCommand
	}
	return ErrCodeFailed
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dss",
		Short: "dss - data storage system visitations",
		Long: `Run resumable visitations over the replicas of the data storage system.

A visitation partitions a job over parallel walkers. Every walker step is
checkpointed, so an interrupted execution resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to CUE config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
