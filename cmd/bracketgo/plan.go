package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show or edit the stored bracket plan",
	}
	cmd.AddCommand(
		newPlanShowCommand(),
		newPlanResetCommand(),
		newPlanGenerateCommand(),
		newPlanSetCommand(),
	)
	return cmd
}

func newPlanShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored plan (or the default plan)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printPlan(cmd.OutOrStdout(), planStore().LoadOrDefault(cfg.Bounds()))
			return nil
		},
	}
}

func newPlanResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Replace the stored plan with the default plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return savePlan(cmd.OutOrStdout(), plan.ForBounds(cfg.Bounds()))
		},
	}
}

func newPlanGenerateCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Store a plan of evenly spaced positions over the rail travel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("count must be >= 1, got %d", count)
			}
			return savePlan(cmd.OutOrStdout(), plan.Evenly(cfg.Bounds(), count))
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 7, "number of positions")
	return cmd
}

func newPlanSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set <values>",
		Short:   "Store a plan given as comma-separated positions",
		Example: "  bracketgo plan set 12,12.5,!13,13.5",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Parse(args[0])
			if err != nil {
				return err
			}
			return savePlan(cmd.OutOrStdout(), p)
		},
	}
}

func savePlan(w io.Writer, p plan.Plan) error {
	if err := p.Validate(cfg.Bounds()); err != nil {
		return err
	}
	if err := planStore().Save(p); err != nil {
		return err
	}
	printPlan(w, p)
	return nil
}

func printPlan(w io.Writer, p plan.Plan) {
	b := cfg.Bounds()
	fmt.Fprintf(w, "%s (rail %g to %g mm)\n", bold("Plan: %d item(s), %d enabled", len(p), p.EnabledCount()), b.Min, b.Max)
	last := p.LastEnabled()
	for i, item := range p {
		mark := color.GreenString("✔")
		if !item.Enabled {
			mark = color.HiBlackString("✘")
		}
		line := fmt.Sprintf("  %2d  %s  %s mm", i, mark, strconv.FormatFloat(item.Value, 'f', -1, 64))
		if i == last {
			line += "  " + color.CyanString("(last)")
		}
		fmt.Fprintln(w, line)
	}
}
