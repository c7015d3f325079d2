package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/mpernot/ordo/internal/agent"
	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/compose"
	"github.com/mpernot/ordo/internal/config"
	"github.com/mpernot/ordo/internal/degrade"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/gateway"
	"github.com/mpernot/ordo/internal/maintain"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/models"
	"github.com/mpernot/ordo/internal/phase"
	"github.com/mpernot/ordo/internal/storage"
	"github.com/mpernot/ordo/internal/task"
	"github.com/mpernot/ordo/internal/worker"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the ordo engine and gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "corpus",
				Usage: "Root directory for discovery (default: working directory)",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	corpus := cmd.String("corpus")
	if corpus == "" {
		corpus, _ = os.Getwd()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := storage.NewEventLogger(filepath.Join(config.OrdoPath(), "logs"), bus)
	defer eventLog.Close()

	ledger := budget.NewLedger(cfg.Budget.Ceilings)

	tracker := budget.NewUsageTracker(ledger, bus, string(memstore.LayerSession))
	defer tracker.Close()

	store, err := memstore.NewStore(memstore.Options{
		PersistentPath: config.MemoryPath(),
		Ledger:         ledger,
	})
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	defer store.Close()

	registry := models.NewRegistry(cfg.Models)
	generator := models.NewGenerator(registry, bus)

	artifacts, err := capability.NewFileArtifactStore(config.ArtifactsPath())
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}

	runner, err := agent.NewRunner(agent.Options{
		Generator: generator,
		Discovery: capability.NewFSDiscovery(corpus),
	})
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	taskStore := task.NewFileStore(config.TasksPath())

	pool := worker.NewPool(runner, worker.Options{
		Store:      taskStore,
		Bus:        bus,
		Memory:     store,
		Ledger:     ledger,
		MaxWorkers: cfg.Workers.MaxWorkers,
		Timeout:    cfg.Workers.Timeout.Duration(),
		TTLHops:    cfg.Workers.TTLHops,
	})
	defer pool.Stop()

	strategy := &memstore.SummarizeStrategy{
		Summarize: func(ctx context.Context, prompt string) (string, error) {
			resp, err := generator.Generate(ctx, capability.GenerateRequest{
				System:    "You compact orchestration memory. Reply with the summary only.",
				Prompt:    prompt,
				MaxTokens: 1024,
			})
			if err != nil {
				return "", err
			}
			return resp.Text, nil
		},
	}

	monitor := degrade.NewMonitor(degrade.Options{
		Bus:      bus,
		Store:    store,
		Ledger:   ledger,
		Strategy: strategy,
		Config: degrade.Config{
			CompressThreshold: cfg.Budget.CompressThreshold,
			RefuseThreshold:   cfg.Budget.RefuseThreshold,
			DriftThreshold:    cfg.Degrade.GoalDriftThreshold,
			BoundaryRatio:     cfg.Degrade.BoundaryRatio,
		},
	})
	defer monitor.Close()

	engine := compose.NewEngine(compose.Options{
		Pool:                pool,
		Store:               taskStore,
		Bus:                 bus,
		Checker:             monitor,
		MaxConcurrency:      cfg.Compose.MaxConcurrency,
		RetryLimit:          cfg.Compose.RetryLimit,
		BackoffBase:         cfg.Compose.BackoffBase.Duration(),
		ConfidenceThreshold: cfg.Compose.ConfidenceThreshold,
	})

	gates, err := loadGates(cfg)
	if err != nil {
		return err
	}
	graphs := loadPhaseGraphs()

	machine := phase.NewMachine(phase.Options{
		Store:          store,
		Tasks:          taskStore,
		Engine:         engine,
		Bus:            bus,
		Monitor:        monitor,
		Artifacts:      artifacts,
		Gates:          gates,
		Graphs:         graphs,
		SessionID:      "sess_" + strings.ReplaceAll(uuid.New().String()[:8], "-", ""),
		MaxGateRetries: cfg.Phases.RemediationLimit,
		PhaseDeadline:  cfg.Phases.Deadline.Duration(),
	})
	defer machine.Close()

	maintainer, err := maintain.New(maintain.Options{
		Store:    store,
		Ledger:   ledger,
		Strategy: strategy,
		Monitor:  monitor,
		Bus:      bus,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}
	if err := maintainer.Start(); err != nil {
		return fmt.Errorf("start maintainer: %w", err)
	}
	defer maintainer.Stop()

	server := gateway.NewServer(gateway.Options{
		Bus:     bus,
		Tasks:   taskStore,
		Machine: machine,
		Ledger:  ledger,
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadGates reads the configured gate file, falling back to
// $ORDO_PATH/gates.yaml when it exists.
func loadGates(cfg *config.Config) (*phase.GateSet, error) {
	path := cfg.Phases.GatesFile
	if path == "" {
		candidate := filepath.Join(config.OrdoPath(), "gates.yaml")
		if _, err := os.Stat(candidate); err != nil {
			return nil, nil
		}
		path = candidate
	}
	gates, err := phase.LoadGates(path)
	if err != nil {
		return nil, fmt.Errorf("load gates: %w", err)
	}
	return gates, nil
}

// loadPhaseGraphs loads per-phase workflow graphs from
// $ORDO_PATH/phases/<phase>.yaml. Phases without a file run without a graph.
func loadPhaseGraphs() map[phase.Phase]*compose.Graph {
	graphs := make(map[phase.Phase]*compose.Graph)
	dir := filepath.Join(config.OrdoPath(), "phases")
	for _, p := range phase.Order() {
		path := filepath.Join(dir, string(p)+".yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		g, err := compose.LoadGraph(path)
		if err != nil {
			slog.Warn("skipping phase graph", "phase", p, "error", err)
			continue
		}
		graphs[p] = g
	}
	return graphs
}
