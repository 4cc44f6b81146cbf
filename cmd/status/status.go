// Package status implements the status command: it queries a running
// engine's ops endpoints and renders queue, job, and alert state as tables.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

type options struct {
	server string
}

// Command returns the status command.
func Command() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, job, and alert state of a running engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8070", "base URL of the engine's ops server")
	return cmd
}

// healthResponse mirrors the /health payload.
type healthResponse struct {
	Status string `json:"status"`
	Checks map[string]struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	} `json:"checks"`
}

// queueResponse mirrors /api/v1/queue/status.
type queueResponse struct {
	Queue struct {
		State       string         `json:"state"`
		Depth       int            `json:"depth"`
		ByPriority  map[string]int `json:"by_priority"`
		DeadLetters int            `json:"dead_letters"`
		Workers     int            `json:"workers"`
		BusyWorkers int            `json:"busy_workers"`
		Jobs        map[string]int `json:"jobs"`
		Resource    struct {
			CPUPercent         float64 `json:"cpu_percent"`
			MemoryPercent      float64 `json:"memory_percent"`
			ActiveWorkflows    int     `json:"active_workflows"`
			APICallsLastMinute int     `json:"api_calls_last_minute"`
			QueueDepth         int     `json:"queue_depth"`
			Stale              bool    `json:"stale"`
		} `json:"resource"`
	} `json:"queue"`
	Stats struct {
		Executions     int64 `json:"executions"`
		Succeeded      int64 `json:"succeeded"`
		Failed         int64 `json:"failed"`
		Retried        int64 `json:"retried"`
		DeadLettered   int64 `json:"dead_lettered"`
		CronDispatched int64 `json:"cron_dispatched"`
	} `json:"stats"`
}

// jobsResponse mirrors /api/v1/jobs.
type jobsResponse struct {
	Jobs []struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		CronExpr  string    `json:"cron_expr"`
		Status    string    `json:"status"`
		RunCount  int       `json:"run_count"`
		NextRunAt time.Time `json:"next_run_at"`
		LastError string    `json:"last_error"`
	} `json:"jobs"`
}

// alertsResponse mirrors /api/v1/alerts.
type alertsResponse struct {
	Alerts []struct {
		RuleName      string    `json:"rule_name"`
		Severity      string    `json:"severity"`
		Metric        string    `json:"metric"`
		Threshold     float64   `json:"threshold"`
		Observed      float64   `json:"observed"`
		State         string    `json:"state"`
		OperationName string    `json:"operation_name"`
		FiredAt       time.Time `json:"fired_at"`
	} `json:"alerts"`
}

func run(ctx context.Context, opts *options) error {
	client := &http.Client{Timeout: requestTimeout}

	var health healthResponse
	if err := fetch(ctx, client, opts.server+"/health", &health); err != nil {
		return fmt.Errorf("engine unreachable at %s: %w", opts.server, err)
	}
	var queue queueResponse
	if err := fetch(ctx, client, opts.server+"/api/v1/queue/status", &queue); err != nil {
		return err
	}
	var jobs jobsResponse
	if err := fetch(ctx, client, opts.server+"/api/v1/jobs", &jobs); err != nil {
		return err
	}
	var alerts alertsResponse
	if err := fetch(ctx, client, opts.server+"/api/v1/alerts", &alerts); err != nil {
		return err
	}

	renderHealth(health)
	renderQueue(queue)
	renderJobs(jobs)
	renderAlerts(alerts)
	return nil
}

// fetch GETs a JSON endpoint into out. Non-2xx responses are errors except
// 503, which still carries a health body worth rendering.
func fetch(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func renderHealth(health healthResponse) {
	fmt.Printf("Engine health: %s\n", health.Status)
	if len(health.Checks) == 0 {
		return
	}
	t := newTable()
	t.AppendHeader(table.Row{"Check", "Status", "Detail"})
	for name, check := range health.Checks {
		t.AppendRow(table.Row{name, check.Status, check.Detail})
	}
	t.Render()
}

func renderQueue(queue queueResponse) {
	q := queue.Queue
	fmt.Printf("\nScheduler: %s  workers %d/%d busy\n", q.State, q.BusyWorkers, q.Workers)

	t := newTable()
	t.AppendHeader(table.Row{"Depth", "Dead Letters", "CPU %", "Mem %", "Active WF", "API Calls/min"})
	t.AppendRow(table.Row{
		q.Depth,
		q.DeadLetters,
		fmt.Sprintf("%.1f", q.Resource.CPUPercent),
		fmt.Sprintf("%.1f", q.Resource.MemoryPercent),
		q.Resource.ActiveWorkflows,
		q.Resource.APICallsLastMinute,
	})
	t.Render()

	if len(q.ByPriority) > 0 {
		fmt.Println("Queued by priority:")
		p := newTable()
		p.AppendHeader(table.Row{"Priority", "Count"})
		for priority, count := range q.ByPriority {
			p.AppendRow(table.Row{priority, count})
		}
		p.Render()
	}

	s := queue.Stats
	fmt.Printf("Totals: executed=%d succeeded=%d failed=%d retried=%d dead-lettered=%d cron=%d\n",
		s.Executions, s.Succeeded, s.Failed, s.Retried, s.DeadLettered, s.CronDispatched)
}

func renderJobs(jobs jobsResponse) {
	if len(jobs.Jobs) == 0 {
		fmt.Println("\nNo scheduled jobs.")
		return
	}
	fmt.Println("\nScheduled jobs:")
	t := newTable()
	t.AppendHeader(table.Row{"Name", "Cron", "Status", "Runs", "Next Run", "Last Error"})
	for _, job := range jobs.Jobs {
		nextRun := ""
		if !job.NextRunAt.IsZero() {
			nextRun = job.NextRunAt.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{job.Name, job.CronExpr, job.Status, job.RunCount, nextRun, job.LastError})
	}
	t.Render()
}

func renderAlerts(alerts alertsResponse) {
	if len(alerts.Alerts) == 0 {
		fmt.Println("\nNo active alerts.")
		return
	}
	fmt.Println("\nActive alerts:")
	t := newTable()
	t.AppendHeader(table.Row{"Rule", "Severity", "Metric", "Threshold", "Observed", "Operation", "Fired"})
	for _, alert := range alerts.Alerts {
		t.AppendRow(table.Row{
			alert.RuleName,
			alert.Severity,
			alert.Metric,
			fmt.Sprintf("%.2f", alert.Threshold),
			fmt.Sprintf("%.2f", alert.Observed),
			alert.OperationName,
			alert.FiredAt.Format(time.RFC3339),
		})
	}
	t.Render()
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}
