package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/web"
)

func NewServeCommand() *cobra.Command {
	port := &portFlag{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI",
		Long:  `Start the web UI: edit the plan, start and stop runs, follow progress live.`,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := newBench(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			broadcaster := web.NewStatusBroadcaster()
			debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

			addr := fmt.Sprintf(":%d", port.or(cfg.Defaults.Port))
			srv := web.NewServer(addr, broadcaster, b.run, planStore(), configInfo())
			return srv.Run(ctx)
		},
	}

	cmd.Flags().Var(port, "port", "HTTP port (1-65535), overrides the config")
	return cmd
}

func configInfo() web.ConfigInfo {
	return web.ConfigInfo{
		Bounds:             cfg.Bounds(),
		Unit:               "mm",
		PostCaptureDelayMs: cfg.Camera.PostCaptureDelayMs,
		Convergence:        cfg.Convergence.Strategy,
		OnTimeout:          cfg.Convergence.OnTimeout,
		OnFailure:          cfg.Sequence.OnFailure,
	}
}

// portFlag implements pflag.Value for --port: 0 = not set, otherwise 1-65535.
type portFlag struct {
	val int
}

var _ pflag.Value = (*portFlag)(nil)

func (p *portFlag) String() string {
	return strconv.Itoa(p.val)
}

func (p *portFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	p.val = v
	return nil
}

func (p *portFlag) Type() string { return "port" }

// or returns the flag value, or def when the flag was not given.
func (p *portFlag) or(def int) int {
	if p.val == 0 {
		return def
	}
	return p.val
}
