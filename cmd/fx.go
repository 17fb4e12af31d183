package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/infra/transport/watermillbridge"
	"github.com/mattih11/commrat/internal/clock"
	"github.com/mattih11/commrat/internal/demo"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/introspect"
	"github.com/mattih11/commrat/internal/module"
	"github.com/mattih11/commrat/internal/runner"
)

// NewApp assembles the process: config, logger, transport backend, the
// scenario's modules, the introspection listener, and the runner driving it
// all.
func NewApp(cfg *config.App, scenario string) (*fx.App, *runner.Runner, error) {
	var run *runner.Runner

	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.App { return cfg },
			ProvideLogger,
			ProvideTransport,
			func() *message.Registry { return demo.NewRegistry() },
			func() clock.Clock { return clock.NewMonotonic() },
			func(reg *message.Registry, opener transport.Opener, clk clock.Clock, logger *slog.Logger) module.Deps {
				return module.Deps{Registry: reg, Transport: opener, Clock: clk, Logger: logger}
			},
			func(deps module.Deps, logger *slog.Logger) ([]*module.Module, error) {
				return provideScenario(scenario, deps, logger)
			},
			func(logger *slog.Logger, modules []*module.Module) *runner.Runner {
				return runner.New(logger, modules...)
			},
			func(reg *message.Registry, logger *slog.Logger) *introspect.Server {
				return introspect.NewServer(reg, logger)
			},
		),
		fx.Invoke(registerIntrospection),
		fx.Populate(&run),
	)
	if err := app.Err(); err != nil {
		return nil, nil, err
	}
	return app, run, nil
}

// ProvideLogger builds the process slog logger from the configured level.
func ProvideLogger(cfg *config.App) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// ProvideTransport selects the configured backend.
func ProvideTransport(cfg *config.App, logger *slog.Logger) (transport.Opener, error) {
	switch cfg.Transport {
	case "watermill":
		return watermillbridge.NewGoChannel(config.DefaultMessageSlots, logger), nil
	case "channel", "":
		return transport.NewExchange(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func provideScenario(scenario string, deps module.Deps, logger *slog.Logger) ([]*module.Module, error) {
	switch scenario {
	case "pipeline":
		return demo.BuildPipeline(deps, logger)
	case "fanout":
		return demo.BuildFanout(deps, logger)
	case "fusion":
		return demo.BuildFusion(deps, logger)
	default:
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
}

// registerIntrospection binds the status listener to the fx lifecycle when
// an address is configured.
func registerIntrospection(lc fx.Lifecycle, cfg *config.App, srv *introspect.Server, modules []*module.Module) {
	if cfg.IntrospectAddr == "" {
		return
	}
	for _, m := range modules {
		srv.Attach(m)
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return srv.Start(cfg.IntrospectAddr)
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}
