// Package serve implements the long-running engine process: the scheduler
// worker pool, the resource monitor, the operation monitor, and the ops HTTP
// server, run until interrupted.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"

	"github.com/quantvalue/qvf/internal/api"
	"github.com/quantvalue/qvf/internal/config"
	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/enhance"
	"github.com/quantvalue/qvf/internal/itemstore"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/orchestrator"
	"github.com/quantvalue/qvf/internal/resource"
	"github.com/quantvalue/qvf/internal/scheduler"
	"github.com/quantvalue/qvf/internal/scoring"
	"github.com/quantvalue/qvf/internal/telemetry"
)

const (
	signalChannelBufferSize = 1
	shutdownTimeout         = 30 * time.Second
)

var seedCount int

// Command returns the serve command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scoring engine and ops server",
		Long: `Runs the QVF engine: the priority scheduler and its worker pool, the
resource monitor, the operation monitor, and the ops HTTP server. The
process runs until SIGINT or SIGTERM and then drains gracefully.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&seedCount, "seed", 0, "seed N synthetic portfolio items into the reference store")
	return cmd
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Profiling.Enabled {
		profiler, profErr := startProfiling(cfg)
		if profErr != nil {
			log.Warn("continuous profiling unavailable", logger.Error(profErr))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	engine, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	return runUntilInterrupt(ctx, cfg, engine, log)
}

// engineDeps bundles everything the serve loop starts and stops.
type engineDeps struct {
	resources *resource.Monitor
	monitor   *monitor.Monitor
	orch      *orchestrator.Orchestrator
	server    *api.Server
}

// buildEngine wires the collaborators exactly the way the orchestrator
// expects them: telemetry and the monitors first, then the façade, then the
// ops server on top of it.
func buildEngine(cfg *config.Config, log logger.Logger) (*engineDeps, error) {
	tel := telemetry.NewProvider()

	resources := resource.NewMonitor(cfg.Resources.Limits, resource.Config{
		SampleInterval:   cfg.Resources.SampleInterval,
		CallWindow:       cfg.Resources.CallWindow,
		MaxThrottleDelay: cfg.Resources.MaxThrottleDelay,
		FailClosedAfter:  cfg.Resources.FailClosedAfter,
	}, log)

	opMonitor, err := monitor.NewMonitor(monitor.Config{
		RetentionPeriod:        cfg.Monitor.RetentionPeriod,
		PruneInterval:          cfg.Monitor.PruneInterval,
		MaxRecordsPerOperation: cfg.Monitor.MaxRecordsPerOperation,
		BaselineWindow:         cfg.Monitor.BaselineWindow,
		AlertHistoryLimit:      cfg.Monitor.AlertHistoryLimit,
	}, tel, log)
	if err != nil {
		return nil, fmt.Errorf("create operation monitor: %w", err)
	}
	for _, rule := range monitor.DefaultRules() {
		if ruleErr := opMonitor.AddRule(rule); ruleErr != nil {
			return nil, fmt.Errorf("register alert rule %q: %w", rule.Name, ruleErr)
		}
	}

	memStore := itemstore.NewMemoryStore(itemstore.Config{
		RateLimit: int(cfg.ItemStore.RateLimit),
		RateBurst: cfg.ItemStore.RateBurst,
		Timeout:   cfg.ItemStore.Timeout,
	}, log)
	if seedCount > 0 {
		memStore.Seed(syntheticItems(seedCount)...)
		log.Info("seeded reference store", logger.Int("items", seedCount))
	}
	store := itemstore.WithCallRecorder(memStore, resources.RecordCall)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentWorkflows: cfg.Resources.Limits.MaxConcurrentWorkflows,
		ResultHistoryLimit:     cfg.Workflow.ResultHistoryLimit,
		Scheduler: scheduler.Config{
			Workers:         cfg.Scheduler.Workers,
			MaxQueueDepth:   cfg.Scheduler.MaxQueueDepth,
			CronInterval:    cfg.Scheduler.CronInterval,
			DrainTimeout:    cfg.Scheduler.DrainTimeout,
			HistoryLimit:    cfg.Scheduler.HistoryLimit,
			DeadLetterLimit: cfg.Scheduler.DeadLetterLimit,
			Retry: domain.RetryPolicy{
				MaxRetries: cfg.Scheduler.RetryMaxRetries,
				Delay:      cfg.Scheduler.RetryDelay,
			},
		},
	}, orchestrator.Deps{
		Store:     store,
		Engine:    scoring.NewWeightedEngine(log),
		Enhancer:  buildEnhancer(cfg, resources, log),
		Resources: resources,
		Monitor:   opMonitor,
		Telemetry: tel,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	server, err := api.NewServer(api.Config{
		Port:         cfg.Server.Port,
		Debug:        cfg.App.Debug,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, orch, tel, log)
	if err != nil {
		return nil, fmt.Errorf("create ops server: %w", err)
	}

	return &engineDeps{
		resources: resources,
		monitor:   opMonitor,
		orch:      orch,
		server:    server,
	}, nil
}

// buildEnhancer returns the configured enhancement step, or nil when
// enhancement is disabled. The anthropic client sits behind a circuit
// breaker so a struggling model endpoint cannot slow every workflow down.
func buildEnhancer(cfg *config.Config, resources *resource.Monitor, log logger.Logger) enhance.Enhancer {
	if !cfg.Enhancement.Enabled {
		return nil
	}

	inner := enhance.NewAnthropicEnhancer(enhance.Config{
		APIKey:    cfg.Enhancement.APIKey,
		Model:     cfg.Enhancement.Model,
		MaxTokens: int64(cfg.Enhancement.MaxTokens),
		Timeout:   cfg.Enhancement.Timeout,
	}, log, enhance.WithCallRecorder(resources.RecordCall))

	breaker := enhance.NewBreaker(cfg.Enhancement.FailureThreshold, cfg.Enhancement.Cooldown)
	return enhance.WithBreaker(inner, breaker, log)
}

// runUntilInterrupt starts every component, then blocks until a shutdown
// signal or a listener failure, then drains in reverse start order.
func runUntilInterrupt(ctx context.Context, cfg *config.Config, deps *engineDeps, log logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps.resources.Start(ctx)
	deps.monitor.Start(ctx)
	if err := deps.orch.Start(ctx); err != nil {
		deps.monitor.Stop()
		deps.resources.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}

	errChan := deps.server.StartAsync()

	log.Info("qvf engine running",
		logger.String("environment", cfg.App.Environment),
		logger.Int("workers", cfg.Scheduler.Workers),
		logger.Int("max_concurrent_workflows", cfg.Resources.Limits.MaxConcurrentWorkflows),
		logger.Int("ops_port", cfg.Server.Port),
	)

	sigChan := make(chan os.Signal, signalChannelBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", logger.String("signal", sig.String()))
	case err, ok := <-errChan:
		if ok && err != nil {
			log.Error("ops server failed", logger.Error(err))
			return shutdown(deps, log, err)
		}
	}
	return shutdown(deps, log, nil)
}

// shutdown drains the engine: the ops server stops accepting work first,
// then the scheduler finishes in-flight requests, then the monitors stop.
func shutdown(deps *engineDeps, log logger.Logger, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := deps.server.Shutdown(ctx); err != nil {
		log.Error("ops server shutdown failed", logger.Error(err))
	}
	if err := deps.orch.Stop(ctx); err != nil {
		log.Warn("scheduler drain incomplete", logger.Error(err))
	}
	deps.monitor.Stop()
	deps.resources.Stop()

	log.Info("qvf engine stopped")
	return cause
}

// startProfiling attaches the process to a pyroscope server.
func startProfiling(cfg *config.Config) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App.Name,
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags:            map[string]string{"environment": cfg.App.Environment},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

// syntheticItems builds a demo portfolio so the engine has something to
// score when it runs against the in-memory reference store.
func syntheticItems(n int) []domain.Item {
	items := make([]domain.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.Item{
			ID:        fmt.Sprintf("ITEM-%04d", i+1),
			ProjectID: "demo",
			Title:     fmt.Sprintf("Portfolio item %d", i+1),
			State:     "active",
			Fields: map[string]any{
				"business_value":   float64((i*7)%10 + 1),
				"time_criticality": float64((i*3)%10 + 1),
				"risk_reduction":   float64((i*5)%10 + 1),
				"strategic_fit":    float64((i*2)%10 + 1),
			},
			UpdatedAt: time.Now(),
		})
	}
	return items
}
