package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/logic/capture"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

func NewRunCommand() *cobra.Command {
	var values string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one bracket with the stored plan",
		Long: `Run one bracket. Without --values the stored plan is used (or the default
plan when none is stored). Ctrl-C cancels the run and releases the rail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := runPlan(values)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := newBench(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			res, err := b.run(ctx, p, func(e capture.Event) { printEvent(out, e) })
			if res != nil {
				printResult(out, res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&values, "values", "", "comma-separated positions in mm, '!' disables one (e.g. 12,!12.5,13)")
	return cmd
}

// runPlan returns the plan given on the command line, or the stored one.
// A plan given with --values is validated and stored as the last plan.
func runPlan(values string) (plan.Plan, error) {
	store := planStore()
	if values == "" {
		return store.LoadOrDefault(cfg.Bounds()), nil
	}
	p, err := plan.Parse(values)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(cfg.Bounds()); err != nil {
		return nil, err
	}
	if err := store.Save(p); err != nil {
		debug.Warn("could not persist plan: %v", err)
	}
	return p, nil
}

func printEvent(w io.Writer, e capture.Event) {
	switch e.Kind {
	case capture.EventArtifact:
		fmt.Fprintf(w, "%s item %d: %s\n", color.GreenString("●"), e.Index, e.Artifact.ID)
	case capture.EventLastArtifact:
		fmt.Fprintf(w, "%s item %d: %s %s\n", color.GreenString("●"), e.Index, e.Artifact.ID, bold("(last)"))
	case capture.EventSkipped:
		fmt.Fprintf(w, "%s item %d: skipped\n", color.HiBlackString("○"), e.Index)
	case capture.EventState:
		if e.State.Phase == capture.Failed && e.State.Err != nil {
			fmt.Fprintf(w, "%s item %d: %v\n", color.RedString("✘"), e.Index, e.State.Err)
		}
	}
}

func printResult(w io.Writer, res *capture.Result) {
	var state string
	switch res.State.Phase {
	case capture.Completed:
		state = color.GreenString(string(res.State.Phase))
	case capture.Cancelled:
		state = color.YellowString(string(res.State.Phase))
	default:
		state = color.RedString(string(res.State.Phase))
	}
	fmt.Fprintf(w, "\n%s %s\n", bold("Run %s:", res.RunID), state)
	fmt.Fprintf(w, "  pictures: %d\n", len(res.Artifacts))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped:  %v\n", res.Skipped)
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "  failed:   %v\n", res.Failed)
	}
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
