package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/harness"
)

// ScenarioView is the outcome of one scenario file.
type ScenarioView struct {
	File   string   `json:"file"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  string   `json:"trace,omitempty"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run YAML conformance scenarios against an in-memory engine",
	}
	cmd.AddCommand(newScenarioRunCommand(opts))
	cmd.AddCommand(newScenarioValidateCommand(opts))
	return cmd
}

func newScenarioRunCommand(opts *RootOptions) *cobra.Command {
	var trace bool

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml...>",
		Short: "Run scenarios and report failed expectations",
		Long: `Run each scenario in a fresh in-memory engine with a deterministic clock.
Nothing is read from or written to storage. --trace includes the canonical
JSON trace that golden files are compared against.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			// Engine logs are noise for expected failures unless asked for.
			var runOpts []harness.Option
			if opts.Verbose {
				runOpts = append(runOpts, harness.WithLogger(opts.Logger()))
			}

			var views []ScenarioView
			var lines []string
			failedCount := 0
			for _, file := range args {
				s, err := harness.LoadScenario(file)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("invalid scenario %s", file), err)
				}
				out.VerboseLog("running %s (%s)", s.Name, file)

				result, err := harness.Run(s, runOpts...)
				if err != nil {
					return failed(fmt.Sprintf("scenario %s could not run", s.Name), err)
				}
				view := ScenarioView{File: file, Name: s.Name, Pass: result.Pass, Errors: result.Errors}
				if trace {
					raw, err := harness.MarshalTrace(s.Name, result)
					if err != nil {
						return failed("trace encoding failed", err)
					}
					view.Trace = string(raw)
				}
				views = append(views, view)

				status := "PASS"
				if !result.Pass {
					status = "FAIL"
					failedCount++
				}
				lines = append(lines, fmt.Sprintf("%s %s", status, s.Name))
				for _, e := range result.Errors {
					lines = append(lines, "    "+e)
				}
				if trace {
					lines = append(lines, view.Trace)
				}
			}

			if err := out.Emit(views, strings.Join(lines, "\n")); err != nil {
				return err
			}
			if failedCount > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failedCount, len(args)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&trace, "trace", false, "print each scenario's trace")
	return cmd
}

func newScenarioValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml...>",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			names := make([]string, 0, len(args))
			for _, file := range args {
				s, err := harness.LoadScenario(file)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("invalid scenario %s", file), err)
				}
				names = append(names, s.Name)
			}
			return out.Emit(names, fmt.Sprintf("%d scenarios valid", len(names)))
		},
	}
}
