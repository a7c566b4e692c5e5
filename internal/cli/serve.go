package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docstate/internal/config"
	"github.com/roach88/docstate/internal/metrics"
)

// DefaultPersistInterval is how often serve writes the engine to storage.
const DefaultPersistInterval = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen          string
	PersistInterval time.Duration
	NoMetrics       bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: metrics endpoint, background snapshots, periodic saves",
		Long: `Serve keeps the engine open until interrupted. It exposes Prometheus
metrics, takes background snapshots on the configured interval, saves the
engine to storage periodically and on shutdown, and reloads the offline
setting when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "metrics listen address (overrides metrics.listen)")
	cmd.Flags().DurationVar(&opts.PersistInterval, "persist-interval", DefaultPersistInterval, "how often to save to storage")
	cmd.Flags().BoolVar(&opts.NoMetrics, "no-metrics", false, "do not serve metrics")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	if opts.PersistInterval <= 0 {
		return usage("--persist-interval must be positive")
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.close()
	logger := s.logger

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if !opts.NoMetrics {
		reg, err := metrics.Registry(s.engine)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register metrics", err)
		}
		addr := opts.Listen
		if addr == "" {
			addr = s.cfg.Metrics.Listen
		}
		g.Go(func() error { return metrics.Serve(gctx, addr, reg, logger) })
	}

	g.Go(func() error {
		err := s.engine.RunSnapshots(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(opts.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.save(gctx); err != nil {
					logger.Warn("periodic save failed", "error", err)
				}
			}
		}
	})

	if opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.ConfigPath, logger, func(c *config.Config) {
				if c.Engine.Offline != s.engine.Offline() {
					logger.Info("offline mode changed", "offline", c.Engine.Offline)
					s.engine.SetOffline(c.Engine.Offline)
				}
			})
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), "docstate serving. Press Ctrl-C to stop.")
	logger.Info("serving", "driver", s.cfg.Storage.Driver, "documents", s.report.Documents, "queue", s.report.Queue)

	runErr := g.Wait()

	// The run context is done here; the final save gets its own.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer saveCancel()
	if err := s.save(saveCtx); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "serve failed", runErr)
	}
	logger.Info("stopped gracefully")
	return nil
}
