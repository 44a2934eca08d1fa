package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"certflow/internal/agents"
	"certflow/internal/capability"
	"certflow/internal/claude"
	"certflow/internal/config"
	"certflow/internal/ctxlog"
	"certflow/internal/graph"
	"certflow/internal/notify"
	"certflow/internal/output"
	"certflow/internal/scheduler"
	"certflow/internal/state"
)

// App holds the dependencies shared by all commands.
//
// Fields left nil are built from Config by [App.Setup]; tests set them directly
// to substitute fakes.
type App struct {
	Config  *config.Config
	Printer *output.Printer
	Logger  *slog.Logger

	// Executor runs the Claude CLI for stages configured with the claude kind.
	Executor claude.Executor

	// Resolver supplies stage capabilities.
	Resolver *agents.Resolver

	// Backend persists run records. Nil with the memory backend.
	Backend state.Backend

	// Publisher receives run-completion events. Nil disables notifications
	// unless notify.nats_url is set.
	Publisher notify.Publisher

	Scheduler *scheduler.Scheduler

	closers []func()
}

// Setup builds every dependency not already set.
func (app *App) Setup(ctx context.Context) error {
	if app.Scheduler != nil {
		return nil
	}
	if app.Config == nil {
		app.Config = config.DefaultConfig()
	}
	cfg := app.Config
	if app.Printer == nil {
		app.Printer = output.NewPrinter()
	}
	if app.Logger == nil {
		app.Logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	}
	if app.Executor == nil {
		app.Executor = claude.NewExecutor(claude.ExecutorConfig{
			BinaryPath:   cfg.Claude.BinaryPath,
			OutputFormat: cfg.Claude.OutputFormat,
		})
	}
	if app.Resolver == nil {
		app.Resolver = agents.NewResolver()
		app.Resolver.Register(agents.KindClaude, app.claudeFactory())
	}

	g, err := app.buildGraph()
	if err != nil {
		return err
	}
	if err := app.openBackend(ctx); err != nil {
		return err
	}
	if err := app.connectNotifier(); err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithStageTimeout(cfg.Scheduler.StageTimeout),
		scheduler.WithPolicy(cfg.RetryPolicy()),
		scheduler.WithProgressCallback(app.Printer.Progress),
	}
	if cfg.Scheduler.CancelGrace > 0 {
		opts = append(opts, scheduler.WithCancelGrace(cfg.Scheduler.CancelGrace))
	}
	if app.Publisher != nil {
		n := notify.New(app.Publisher, cfg.Notify.Subject, app.Logger)
		opts = append(opts, scheduler.WithCompletionCallback(n.Callback()))
	}

	app.Scheduler = scheduler.New(g, state.NewStore(app.Backend), opts...)
	return nil
}

// Close releases connections opened by [App.Setup]. It is safe to call twice.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	app.closers = nil
}

func (app *App) withLogger(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctxlog.WithLogger(ctx, app.Logger)
}

// claudeFactory builds Claude agents from the per-stage config. The certification
// stage is the gate and answers with a verdict.
func (app *App) claudeFactory() agents.Factory {
	return func(stage string) (capability.Capability, error) {
		sc := app.Config.Stage(stage)
		return claude.NewAgent(app.Executor, claude.AgentConfig{
			Stage:          stage,
			PromptTemplate: sc.PromptTemplate,
			Model:          sc.Model,
			Gate:           stage == graph.StageCertification,
		})
	}
}

func (app *App) buildGraph() (*graph.Graph, error) {
	if path := app.Config.GraphFile; path != "" {
		return graph.LoadFile(path, app.Resolver.Resolve)
	}
	return graph.DataProduct(app.Resolver.Resolve, app.Config.StageSettings())
}

func (app *App) openBackend(ctx context.Context) error {
	if app.Backend != nil {
		return nil
	}
	sc := app.Config.Store
	switch sc.Backend {
	case config.BackendFile:
		app.Backend = state.NewFileBackend(sc.Path)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", sc.Redis.Addr, err)
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		app.Backend = state.NewRedisBackend(client, sc.Redis.Prefix)
	}
	return nil
}

func (app *App) connectNotifier() error {
	if app.Publisher != nil || app.Config.Notify.NATSURL == "" {
		return nil
	}
	nc, err := notify.Connect(app.Config.Notify.NATSURL, app.Logger)
	if err != nil {
		return err
	}
	app.closers = append(app.closers, func() {
		_ = nc.Flush()
		nc.Close()
	})
	app.Publisher = nc
	return nil
}
