package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/broyeztony/sheetserver/internal/config"
	"github.com/broyeztony/sheetserver/internal/coordinator"
	"github.com/broyeztony/sheetserver/internal/observability"
)

// NewApp wires the coordinator behind fx.Lifecycle: OnStart binds the
// listener and begins accepting, OnStop drains and persists everything.
// The concrete *coordinator.Server is also returned so the CLI entrypoint
// can block on Wait() after Start.
func NewApp(cfg config.Config) (*fx.App, *coordinator.Server) {
	var srv *coordinator.Server
	app := fx.New(
		fx.Provide(func() config.Config { return cfg }),
		observability.Module,
		fx.Provide(coordinator.New),
		fx.Populate(&srv),
		fx.Invoke(registerLifecycle),
		fx.NopLogger,
	)
	return app, srv
}

func registerLifecycle(lc fx.Lifecycle, srv *coordinator.Server, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop()
			return nil
		},
	})
}
