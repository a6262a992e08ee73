// Command ensemble runs the multi-agent conversation orchestration service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ensemble/internal/adapter/agentreg"
	"ensemble/internal/adapter/gateway"
	"ensemble/internal/adapter/ledger"
	"ensemble/internal/adapter/llm"
	"ensemble/internal/adapter/tool"
	"ensemble/internal/adapter/workflowreg"
	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/infra/logger"
	"ensemble/internal/infra/tracer"
	"ensemble/internal/usecase"
	"ensemble/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "ensemble.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)

	guard := llm.NewGuard(cfg.Resilience, bus, log)
	providers, err := llm.BuildRegistry(cfg.Providers, guard, log)
	if err != nil {
		return err
	}

	registry, err := agentreg.NewFileRegistry(ctx, cfg.Registry.Dir, bus, log)
	if err != nil {
		return err
	}

	var costLedger domain.CostLedger
	if cfg.Cost.LedgerPath != "" {
		costLedger, err = ledger.NewSQLiteLedger(cfg.Cost.LedgerPath)
		if err != nil {
			return err
		}
	} else {
		costLedger = ledger.NewMemoryLedger()
	}
	costs := usecase.NewCostTracker(cfg.Cost, cfg.Providers, costLedger, bus, log)

	tools, closeTools, err := buildTools(ctx, cfg, guard, log)
	if err != nil {
		return err
	}
	if closeTools != nil {
		defer closeTools()
	}

	safety, err := usecase.NewGate(cfg.Safety, tools, bus, log)
	if err != nil {
		return err
	}

	sessions := usecase.NewSessionManager(cfg.Sessions.DataDir, cfg.Sessions.MaxHistory, log)
	streams := usecase.NewStreamManager(bus, log)

	classifier, classifierModel := classifierFor(cfg, providers)
	router := usecase.NewRouter(registry, classifier, cfg.Router.ConfidenceThreshold, classifierModel, log)

	workflows, err := workflowreg.NewFileSource(cfg.Workflows.Dir, log)
	if err != nil {
		return err
	}

	var toolSource usecase.ToolSource
	if tools != nil {
		toolSource = tools
	}
	coordinator := usecase.NewCoordinator(
		cfg.Coordinator, router, providers, toolSource,
		safety, costs, streams, sessions, workflows, log,
	)

	orch := usecase.NewOrchestrator(coordinator, sessions, streams, costs, registry, bus, log)
	defer orch.Shutdown(context.Background())

	if !cfg.Gateway.Enabled {
		log.Info("gateway disabled, waiting for signal")
		<-ctx.Done()
		return nil
	}

	srv := gateway.NewServer(orch, cfg.Gateway.Addr, log)
	return srv.Start(ctx)
}

// buildTools assembles the tool sandbox: the guarded executor plus any
// bridged MCP server tools. Returns nil when nothing is configured.
func buildTools(ctx context.Context, cfg *config.Config, guard *llm.Guard, log *slog.Logger) (*tool.Executor, func(), error) {
	if len(cfg.Tools.MCPServers) == 0 {
		return nil, nil, nil
	}

	exec := tool.NewExecutor(guard, log)
	bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range bridge.Tools() {
		if err := exec.Register(t); err != nil {
			bridge.Close()
			return nil, nil, err
		}
	}
	return exec, bridge.Close, nil
}

// classifierFor picks the provider used for router classification calls.
func classifierFor(cfg *config.Config, providers *llm.Registry) (domain.CompletionProvider, string) {
	name := cfg.Router.ClassifierProvider
	if name == "" && len(cfg.Providers) > 0 {
		name = cfg.Providers[0].Name
	}
	p, err := providers.Get(name)
	if err != nil {
		return nil, ""
	}
	model := cfg.Router.ClassifierModel
	if model == "" {
		for _, pc := range cfg.Providers {
			if pc.Name == name {
				model = pc.Model
				break
			}
		}
	}
	return p, model
}
