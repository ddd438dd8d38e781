package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/BracketGo/internal/config"
	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/logic/capture"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

var (
	configPath = filepath.Join("configs", "default.yaml")
	debugLevel = -1 // -1 = use the config's debug_level
	cfg        *config.Config
)

func handleCmdError(err error) {
	switch {
	case errors.Is(err, capture.ErrCancelled):
		fmt.Fprintln(os.Stderr, "\nRun cancelled; the rail was released.")
	case errors.Is(err, capture.ErrInvalidPlan), errors.Is(err, plan.ErrOutOfRange):
		fmt.Fprintln(os.Stderr, "\nThe plan does not fit the rail travel. Check it with 'bracketgo plan show'.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bracketgo",
		Short: "bracketgo takes focus-bracketed series on a motorized rail",
		Long: `bracketgo drives a stepper focus rail through a list of positions and
triggers the camera once the rail has settled at each enabled position.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config failed: %w", err)
			}
			level := cfg.Defaults.DebugLevel
			if debugLevel >= 0 {
				level = debugLevel
			}
			debug.Init(level)
			debug.Value("Config path", configPath)
			debug.Value("Debug level", level)
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVar(&configPath, "config", configPath, "path to config file (configs/*.yaml)")
	globalFlags.IntVarP(&debugLevel, "debug", "d", debugLevel, "debug level 0-4, overrides the config")

	cmd.AddCommand(
		NewRunCommand(),
		NewServeCommand(),
		NewPlanCommand(),
	)
	return cmd
}

// planStore returns the store for the configured plan path.
func planStore() *plan.Store {
	return plan.NewStore(cfg.Sequence.PlanPath)
}
