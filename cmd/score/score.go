// Package score implements the one-shot scoring command: it runs a single
// immediate workflow against the reference store and prints the outcome.
package score

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quantvalue/qvf/internal/config"
	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/itemstore"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/orchestrator"
	"github.com/quantvalue/qvf/internal/resource"
	"github.com/quantvalue/qvf/internal/scoring"
	"github.com/quantvalue/qvf/internal/telemetry"
)

const topScoresShown = 10

type options struct {
	project     string
	items       string
	mode        string
	priority    string
	batchSize   int
	concurrency int
	seed        int
	timeout     time.Duration
}

// Command returns the score command.
func Command() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Run one immediate scoring workflow",
		Long: `Runs a single scoring workflow to completion and prints the result.
The workflow executes against the in-memory reference store; use --seed to
populate it with synthetic items first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.project, "project", "", "project whose items are scored")
	cmd.Flags().StringVar(&opts.items, "items", "", "comma-separated explicit item ids")
	cmd.Flags().StringVar(&opts.mode, "mode", string(domain.ModeImmediate), "execution mode (immediate, batch, incremental, full)")
	cmd.Flags().StringVar(&opts.priority, "priority", domain.PriorityNormal.String(), "request priority (low, normal, high, critical)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "persist chunk size (0 uses the configured default)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "persist chunk concurrency (0 uses the configured default)")
	cmd.Flags().IntVar(&opts.seed, "seed", 0, "seed N synthetic items into the reference store first")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall workflow timeout")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	req, err := buildRequest(cfg, opts)
	if err != nil {
		return err
	}

	orch, store, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}
	if opts.seed > 0 {
		store.Seed(syntheticItems(opts.seed, opts.project)...)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	result, err := orch.ScoreItems(ctx, req)
	if result != nil {
		printResult(result)
	}
	if err != nil {
		return fmt.Errorf("workflow failed: %w", err)
	}
	return nil
}

// buildRequest validates the flag set into a scoring request. Invalid input
// is rejected here, before anything runs.
func buildRequest(cfg *config.Config, opts *options) (*domain.ScoringRequest, error) {
	mode, err := domain.ParseExecutionMode(opts.mode)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriority(opts.priority)
	if err != nil {
		return nil, err
	}

	var itemIDs []string
	if opts.items != "" {
		for _, id := range strings.Split(opts.items, ",") {
			if id = strings.TrimSpace(id); id != "" {
				itemIDs = append(itemIDs, id)
			}
		}
	}

	batchSize := opts.batchSize
	if batchSize <= 0 {
		batchSize = cfg.Batch.ChunkSize
	}
	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}

	return domain.NewScoringRequest(
		domain.ScopeFilter{ProjectID: opts.project, ItemIDs: itemIDs},
		mode,
		domain.WithPriority(priority),
		domain.WithBatchSize(batchSize),
		domain.WithConcurrency(concurrency),
	)
}

// buildOrchestrator assembles the minimal engine the immediate path needs.
// Nothing is started: one-shot scoring never touches the scheduler loops or
// the background samplers.
func buildOrchestrator(cfg *config.Config, log logger.Logger) (*orchestrator.Orchestrator, *itemstore.MemoryStore, error) {
	tel := telemetry.NewProvider()

	resources := resource.NewMonitor(cfg.Resources.Limits, resource.Config{
		SampleInterval:   cfg.Resources.SampleInterval,
		CallWindow:       cfg.Resources.CallWindow,
		MaxThrottleDelay: cfg.Resources.MaxThrottleDelay,
		FailClosedAfter:  cfg.Resources.FailClosedAfter,
	}, log)

	opMonitor, err := monitor.NewMonitor(monitor.Config{
		RetentionPeriod:        cfg.Monitor.RetentionPeriod,
		MaxRecordsPerOperation: cfg.Monitor.MaxRecordsPerOperation,
		BaselineWindow:         cfg.Monitor.BaselineWindow,
	}, tel, log)
	if err != nil {
		return nil, nil, fmt.Errorf("create operation monitor: %w", err)
	}

	store := itemstore.NewMemoryStore(itemstore.Config{
		RateLimit: int(cfg.ItemStore.RateLimit),
		RateBurst: cfg.ItemStore.RateBurst,
		Timeout:   cfg.ItemStore.Timeout,
	}, log)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentWorkflows: cfg.Resources.Limits.MaxConcurrentWorkflows,
		ResultHistoryLimit:     cfg.Workflow.ResultHistoryLimit,
	}, orchestrator.Deps{
		Store:     itemstore.WithCallRecorder(store, resources.RecordCall),
		Engine:    scoring.NewWeightedEngine(log),
		Resources: resources,
		Monitor:   opMonitor,
		Telemetry: tel,
		Logger:    log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return orch, store, nil
}

// printResult renders the workflow outcome and the highest-ranked scores.
func printResult(result *domain.WorkflowResult) {
	fmt.Printf("Workflow %s: %s\n", result.WorkflowID, result.Status)
	fmt.Printf("  processed=%d succeeded=%d failed=%d skipped=%d duration=%s\n",
		result.ItemsProcessed, result.ItemsSucceeded, result.ItemsFailed,
		result.ItemsSkipped, result.Duration.Round(time.Millisecond))

	if result.Summary != nil && result.Summary.Count > 0 {
		fmt.Printf("  scores: min=%.1f max=%.1f mean=%.1f stddev=%.1f\n",
			result.Summary.Min, result.Summary.Max, result.Summary.Mean, result.Summary.StdDev)
	}
	for _, warning := range result.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	for _, errMsg := range result.Errors {
		fmt.Printf("  error: %s\n", errMsg)
	}

	if len(result.Scores) == 0 {
		return
	}

	scores := make([]domain.Score, len(result.Scores))
	copy(scores, result.Scores)
	sort.Slice(scores, func(i, j int) bool { return scores[i].Rank < scores[j].Rank })
	if len(scores) > topScoresShown {
		scores = scores[:topScoresShown]
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Rank", "Item", "Score"})
	for _, s := range scores {
		t.AppendRow(table.Row{s.Rank, s.ItemID, fmt.Sprintf("%.1f", s.Value)})
	}
	t.Render()
}

// syntheticItems builds a demo portfolio for the reference store.
func syntheticItems(n int, project string) []domain.Item {
	if project == "" {
		project = "demo"
	}
	items := make([]domain.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.Item{
			ID:        fmt.Sprintf("ITEM-%04d", i+1),
			ProjectID: project,
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
