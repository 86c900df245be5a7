// Command plugin-server hosts one plugin instance on behalf of a bridge host.
// The host spawns it with the control socket address as its only argument.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"plugbridge/internal/common/logenv"
	"plugbridge/internal/plugin"
	"plugbridge/internal/protocol"
	"plugbridge/internal/server"
)

func newRootCmd() *cobra.Command {
	var (
		accept   = server.DefaultAcceptTimeout
		jsonLogs bool
	)
	cmd := &cobra.Command{
		Use:           "plugin-server <address>",
		Short:         "Host a plugin in an isolated process for a bridge host",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logenv.New(os.Stderr, logenv.Str(protocol.EnvLogLevel, "info"), jsonLogs)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := server.New(server.Config{
				Address:        args[0],
				StallTimeout:   logenv.Duration(protocol.EnvStallTimeout, server.DefaultStallTimeout),
				AcceptTimeout:  accept,
				SpinIterations: logenv.Int(protocol.EnvSpinIterations, 0),
				Registry:       plugin.DefaultRegistry(),
				Logger:         &log,
			})
			err := srv.Run(ctx)
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				log.Info().Str("event", "signal").Msg("stopped by signal")
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&accept, "accept-timeout", accept, "how long to wait for the host to connect")
	cmd.Flags().BoolVar(&jsonLogs, "log-json", false, "write JSON log lines instead of console output")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "plugin-server:", err)
		os.Exit(1)
	}
}
