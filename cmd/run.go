// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/nexus-agent/internal/agent/audit"
	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/executor"
	"github.com/xkilldash9x/nexus-agent/internal/agent/fingerprint"
	"github.com/xkilldash9x/nexus-agent/internal/agent/learning"
	"github.com/xkilldash9x/nexus-agent/internal/agent/matcher"
	"github.com/xkilldash9x/nexus-agent/internal/agent/orchestrator"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/api"
	"github.com/xkilldash9x/nexus-agent/internal/inject"
	"github.com/xkilldash9x/nexus-agent/internal/observability"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent loop and its control surface.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runAgent wires the agent together and serves until interrupted.
func runAgent(parent context.Context) error {
	cfg := appConfig
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(logger, cfg.Observation.QueueSize)

	// Pattern storage: Postgres when configured, in-memory otherwise.
	var repo store.Repository
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		pg, err := store.NewPostgres(ctx, pool, logger, b)
		if err != nil {
			return fmt.Errorf("failed to initialize pattern store: %w", err)
		}
		repo = pg
		logger.Info("Using Postgres pattern store.")
	} else {
		repo = store.NewMemory(logger, b)
		logger.Info("Using in-memory pattern store.")
	}

	// Input injection backend.
	var injector inject.Injector
	switch cfg.Injector.Mode {
	case "cdp":
		cdp, err := inject.NewCDP(ctx, cfg.Injector.DevToolsURL, logger)
		if err != nil {
			return fmt.Errorf("failed to attach injector: %w", err)
		}
		defer func() { _ = cdp.Close() }()
		injector = cdp
	default:
		injector = inject.NewNoop(logger)
	}

	extractor := fingerprint.NewExtractor(cfg.Observation.RedactionPatterns, logger)
	match := matcher.New(repo, cfg.Matcher, logger)
	sessions := learning.NewManager(repo, b, cfg.Learning, logger)
	exec := executor.New(injector, repo, b, cfg.Executor, logger)
	sink := audit.NewSink(b, cfg.Security.AuditLogging, logger)
	dispatcher := api.NewDispatcher(b, cfg.Server.Webhooks, logger)

	// Observation sources.
	var sources []observe.Source
	var push *observe.PushSource
	if cfg.Observation.MonitorPanel {
		push = observe.NewPushSource(cfg.Observation.QueueSize, logger)
		sources = append(sources, push)
	}
	if cfg.Observation.MonitorTerminal {
		sources = append(sources, observe.NewTailSource(cfg.Observation.TerminalLogPath, cfg.Observation.QueueSize, logger))
	}

	orch := orchestrator.New(extractor, match, sessions, exec, repo, b, sources, cfg.Observation, logger)
	srv := api.NewServer(orch, sessions, repo, sink, push, extractor, cfg.Server, cfg.Learning.InitialConfidence, logger)

	// Bus consumers outlive the agent loop so records emitted during
	// shutdown still land in the audit trail.
	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sink.Start(consumerCtx); return nil })
	g.Go(func() error { dispatcher.Start(consumerCtx); return nil })
	g.Go(func() error { sessions.Start(consumerCtx); return nil })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		orch.Stop()
		stopConsumers()
		return nil
	})

	if err := orch.Start(ctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	logger.Info("Agent running.", zap.String("addr", cfg.Server.Addr))

	err := g.Wait()
	b.Shutdown()
	return err
}
