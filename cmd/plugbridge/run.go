package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"plugbridge/internal/client"
	"plugbridge/internal/httpapi"
)

type runOptions struct {
	addr        string
	corsOrigins string
	render      bool
	blockSize   int
}

func newRunCmd(o *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <plugin>...",
		Short: "Host bridged plugin instances behind the status and metrics endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") && o.file.HTTP.Addr != "" {
				ro.addr = o.file.HTTP.Addr
			}
			return run(cmd.Context(), o, ro, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&ro.addr, "addr", ":8089", "HTTP listen address for status and metrics")
	f.StringVar(&ro.corsOrigins, "cors-origins", "", "comma-separated allowed CORS origins; empty disables CORS")
	f.BoolVar(&ro.render, "render", false, "drive every instance with silent blocks in real time")
	f.IntVar(&ro.blockSize, "block-size", 256, "block size used with --render")
	return cmd
}

func run(ctx context.Context, o *rootOptions, ro *runOptions, plugins []string) error {
	if ro.render && ro.blockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", ro.blockSize)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := o.bridgeConfig()
	cfg.Publisher = httpapi.MetricsPublisher{}
	h := newHost()
	defer func() { _ = h.shutdown(o.log) }()
	for _, p := range plugins {
		c, err := client.Load(ctx, p, cfg)
		if err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		h.add(c)
	}
	if err := httpapi.RegisterStatusCollector(h); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	httpapi.SetBaseContext(ctx)
	httpapi.SetControlTimeout(cfg.ControlTimeout)
	origins := splitCSV(ro.corsOrigins)
	if len(origins) == 0 {
		origins = o.file.HTTP.CORSOrigins
	}
	if len(origins) > 0 || o.file.HTTP.CORSEnabled {
		httpapi.SetCORSOptions(true, origins, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{Addr: ro.addr, Handler: httpapi.NewMux(h), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		o.log.Info().Str("addr", ro.addr).Int("instances", len(plugins)).Msg("plugbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if ro.render {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = client.DefaultSampleRate
		}
		period := time.Duration(float64(ro.blockSize) / rate * float64(time.Second))
		go h.render(ctx, ro.blockSize, period)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stop()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		o.log.Warn().Err(err).Msg("graceful shutdown")
	}
	return serveErr
}
