package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dss/internal/engine"
	"github.com/roach88/dss/internal/store"
	"github.com/roach88/dss/internal/visitation"
)

// ExecutionView is the printed state of one execution.
type ExecutionView struct {
	Name        string          `json:"name"`
	Visitation  string          `json:"visitation"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Invocations int64           `json:"invocations"`
}

func newExecutionView(out *engine.Outcome) ExecutionView {
	return ExecutionView{
		Name:        out.Name,
		Visitation:  out.ClassName,
		Status:      out.Status,
		Result:      out.Result,
		Error:       out.Error,
		Invocations: out.Invocations,
	}
}

func (v ExecutionView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%d invocations)", v.Name, v.Status, v.Invocations)
	if len(v.Result) > 0 {
		fmt.Fprintf(&b, "\nresult: %s", v.Result)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", v.Error)
	}
	return b.String()
}

// ExecutionList is the printed list of every execution.
type ExecutionList struct {
	Executions []ExecutionView `json:"executions"`
}

func (l ExecutionList) String() string {
	if len(l.Executions) == 0 {
		return "No executions."
	}
	lines := make([]string, len(l.Executions))
	for i, v := range l.Executions {
		lines[i] = fmt.Sprintf("%-9s %s", v.Status, v.Name)
	}
	return strings.Join(lines, "\n")
}

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Replica string
	Bucket  string
	Workers int
	Params  string // JSON object of type-specific parameters
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <visitation>",
		Short: "Start a visitation and run it to completion",
		Long: `Submit a new execution of a visitation type and run it.

The execution is named "{visitation}--{uuid}". On SIGINT or SIGTERM the
running invocations stop, every lane keeps its latest checkpoint and the
execution can be continued with "dss resume".

Exit codes:
  0 - Execution succeeded
  1 - Execution failed or was interrupted
  2 - Command error (unknown visitation, bad parameters, etc.)

Examples:
  dss start reindex --replica aws --workers 16
  dss start reindex --replica aws --params '{"dryrun":true}'
  dss start storage --workers 4 --params '{"replicas":{"aws":{"bucket":"b"},"gcp":{"bucket":"b"}}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Replica, "replica", "", "replica to visit")
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "bucket to visit (defaults to the configured bucket of --replica)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 1, "number of parallel walkers")
	cmd.Flags().StringVar(&opts.Params, "params", "", "JSON object of visitation parameters")

	return cmd
}

func runStart(opts *StartOptions, className string, cmd *cobra.Command) error {
	extra, err := visitation.ParseParams([]byte(opts.Params))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --params", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, a.logger)
	defer cancel()

	out, err := a.engine.Start(ctx, className, visitation.StartParams{
		Replica:         opts.Replica,
		Bucket:          a.bucket(opts.Replica, opts.Bucket),
		NumberOfWorkers: opts.Workers,
		Extra:           extra,
	})
	return report(opts.RootOptions, cmd, out, err)
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <execution>",
		Short: "Resume an interrupted execution",
		Long: `Continue a RUNNING execution from the latest checkpoint of every lane.

A finished execution is reported without running anything.

Examples:
  dss resume reindex--0190b6b2-7d1c-7000-8000-3f2a9c0e1d4b`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd, a.logger)
			defer cancel()

			out, err := a.engine.Run(ctx, args[0])
			return report(rootOpts, cmd, out, err)
		},
	}
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [execution]",
		Short: "Show one execution or list all of them",
		Args:  cobra.MaximumNArgs(1),
		Example: `  dss status
  dss status reindex--0190b6b2-7d1c-7000-8000-3f2a9c0e1d4b --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f := newFormatter(rootOpts, cmd)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if len(args) == 0 {
				recs, err := a.store.ListExecutions(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list executions", err)
				}
				list := ExecutionList{Executions: make([]ExecutionView, 0, len(recs))}
				for _, rec := range recs {
					list.Executions = append(list.Executions, ExecutionView{
						Name:       rec.Name,
						Visitation: rec.ClassName,
						Status:     rec.Status,
						Error:      rec.Error,
					})
				}
				return f.Success(list)
			}

			out, err := a.engine.Status(ctx, args[0])
			if err != nil {
				return notFoundOr(err, "failed to read execution")
			}
			return f.Execution(newExecutionView(out))
		},
	}
	return cmd
}

// report prints the outcome of start or resume and maps it to an exit code.
func report(opts *RootOptions, cmd *cobra.Command, out *engine.Outcome, err error) error {
	if out == nil {
		switch {
		case visitation.IsUnknownVisitation(err), visitation.IsValidation(err):
			return WrapExitError(ExitCommandError, "failed to start visitation", err)
		case engine.IsInterrupted(err):
			return WrapExitError(ExitFailure, "interrupted", err)
		}
		return notFoundOr(err, "visitation failed")
	}

	if ferr := newFormatter(opts, cmd).Execution(newExecutionView(out)); ferr != nil {
		return ferr
	}

	switch {
	case engine.IsInterrupted(err):
		return NewExitError(ExitFailure,
			fmt.Sprintf("execution interrupted; continue with: dss resume %s", out.Name))
	case out.Status == store.ExecutionFailed && err != nil:
		return WrapExitError(ExitFailure, "execution failed", err)
	case out.Status == store.ExecutionFailed:
		return NewExitError(ExitFailure, "execution failed: "+out.Error)
	case err != nil:
		return WrapExitError(ExitFailure, "visitation failed", err)
	}
	return nil
}

func notFoundOr(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, "execution not found", err)
	}
	return WrapExitError(ExitFailure, message, err)
}
