package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/config"
	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/logger"
	"github.com/michaelbrown/sandboxd/internal/metrics"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
	"github.com/michaelbrown/sandboxd/internal/storage"
	"github.com/michaelbrown/sandboxd/internal/storage/sqlite"
)

// coreModule provides everything both front ends share. The caller
// supplies *config.Config.
var coreModule = fx.Options(
	fx.Provide(
		logger.NewFromConfig,
		newRuntime,
		newJournal,
		metrics.New,
		newHarness,
		newManager,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
)

// newRuntime opens the single Docker client for the process lifetime.
func newRuntime(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (sandbox.Runtime, error) {
	rt, err := sandbox.NewDockerRuntime(log, sandbox.WithBuildErrorLimit(cfg.Sandbox.BuildErrorLimit))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rt.Ping(ctx); err != nil {
				// Requests will fail until the daemon is reachable; not fatal.
				log.Warn("docker daemon not reachable", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rt.Close()
		},
	})
	return rt, nil
}

func newJournal(lc fx.Lifecycle, cfg *config.Config) (storage.Journal, error) {
	j, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return j.Close() }})
	return j, nil
}

func newHarness(rt sandbox.Runtime, cfg *config.Config, log *zap.Logger) *lint.Harness {
	return lint.New(rt, log, lint.Options{
		Workdir:  cfg.Lint.Workdir,
		NodePath: cfg.Lint.NodePath,
	})
}

func newManager(rt sandbox.Runtime, h *lint.Harness, j storage.Journal, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) *lifecycle.Manager {
	return lifecycle.New(rt, h, log, lifecycle.Options{
		ProjectRoot: cfg.Sandbox.ProjectRoot,
		Journal:     j,
		Metrics:     m,
	})
}
