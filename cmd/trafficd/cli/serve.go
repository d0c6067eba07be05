package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-trafficctl/bpffs"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/controller"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/ebpf"
	"github.com/frobware/go-trafficctl/interpreter/memory"
	"github.com/frobware/go-trafficctl/metrics"
	"github.com/frobware/go-trafficctl/sockdiag"
	"github.com/frobware/go-trafficctl/tagging"
)

const shutdownTimeout = 5 * time.Second

// ServeCmd runs the accounting daemon.
type ServeCmd struct {
	DryRunFlag
	MetricsListen string `name:"metrics-listen" help:"Override metrics.listen from the config file."`
	MountBPFFS    bool   `name:"mount-bpffs" help:"Mount a bpffs at bpf.root unless one is mounted there."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = c.MetricsListen
	}

	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return c.serve(ctx, cfg, logger)
}

func (c *ServeCmd) serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var kernel interpreter.KernelOperations
	if c.DryRun {
		logger.Info("dry run: using in-memory kernel")
		kernel = memory.New()
		cfg.BPF.CheckMounts = false
		cfg.BPF.LockFile = ""
		cfg.Reconciler.Enabled = false
	} else {
		kernel = ebpf.New(ebpf.WithLogger(logger.With("component", "kernel")))
	}
	if err := c.mountBPFFS(cfg); err != nil {
		return err
	}

	opts, err := controller.OptionsFromConfig(&cfg)
	if err != nil {
		return err
	}

	var ctrl *controller.Controller
	m := metrics.New(func() (*tagging.Snapshot, error) { return ctrl.Snapshot() }, logger)
	opts.Observer = m

	if cfg.Reconciler.Enabled {
		opts.Source = sockdiag.NewListener(logger,
			sockdiag.WithReceiveTimeout(cfg.Reconciler.ReceiveTimeout.Duration),
			sockdiag.WithOverrunHook(m.ObserveOverrun),
		)
	}

	ctrl = controller.New(kernel, opts, logger)
	if err := ctrl.Start(ctx); err != nil {
		// The controller has logged the cause. Metrics keep being
		// served so the failure is visible.
		logger.Warn("continuing without traffic accounting")
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("failed to release accounting resources", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

// mountBPFFS honours --mount-bpffs. A dry run never touches the host.
func (c *ServeCmd) mountBPFFS(cfg config.Config) error {
	if !c.MountBPFFS || c.DryRun {
		return nil
	}
	paths, err := cfg.Paths()
	if err != nil {
		return err
	}
	if err := bpffs.EnsureMounted(cfg.BPF.MountInfo, paths.Root()); err != nil {
		return fmt.Errorf("failed to mount bpffs: %w", err)
	}
	return nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
