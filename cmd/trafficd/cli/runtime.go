package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/bpffs"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/ebpf"
	"github.com/frobware/go-trafficctl/lock"
	"github.com/frobware/go-trafficctl/registry"
	"github.com/frobware/go-trafficctl/tagging"
)

// CLIRuntime gives one-shot commands direct access to the pinned
// maps. It does not load or attach programs, so running a command
// never disturbs the daemon's hooks.
type CLIRuntime struct {
	Engine *tagging.Engine
	Config config.Config
	Logger *slog.Logger

	registry *registry.Registry
}

// NewCLIRuntime opens the pinned maps described by the config file.
// It returns trafficctl.ErrUnsupported on a kernel without eBPF
// support. The returned runtime must be closed.
func (c *CLI) NewCLIRuntime(ctx context.Context) (*CLIRuntime, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return newCLIRuntime(ctx, ebpf.New(ebpf.WithLogger(logger)), cfg, logger)
}

func newCLIRuntime(ctx context.Context, kernel interpreter.KernelOperations, cfg config.Config, logger *slog.Logger) (*CLIRuntime, error) {
	paths, err := cfg.Paths()
	if err != nil {
		return nil, err
	}

	var opts []registry.Option
	if cfg.BPF.CheckMounts {
		opts = append(opts, registry.WithPreflight(func() error {
			return bpffs.Check(cfg.BPF.MountInfo, paths.Root(), paths.CgroupRoot())
		}))
	}

	reg := registry.New(kernel, paths, cfg.Maps, logger, opts...)
	var ok bool
	start := func(ctx context.Context) (err error) {
		ok, err = reg.Start(ctx)
		return err
	}
	if cfg.BPF.LockFile != "" {
		err = lock.Run(ctx, cfg.BPF.LockFile, start)
	} else {
		err = start(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	if !ok {
		return nil, trafficctl.ErrUnsupported
	}

	maps, err := reg.Maps()
	if err != nil {
		if closeErr := reg.Close(); closeErr != nil {
			logger.Warn("failed to close maps during cleanup", "error", closeErr)
		}
		return nil, err
	}

	return &CLIRuntime{
		Engine:   tagging.New(maps, kernel, logger),
		Config:   cfg,
		Logger:   logger,
		registry: reg,
	}, nil
}

// Close releases the map handles. The pins stay.
func (r *CLIRuntime) Close() error {
	return r.registry.Close()
}
