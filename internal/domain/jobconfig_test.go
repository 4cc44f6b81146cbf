package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUnmarshalJobConfig(t *testing.T) {
	tests := []struct {
		name    string
		kind    JobKind
		raw     string
		wantErr bool
	}{
		{
			"batch scoring",
			KindBatchScoring,
			`{"scope":{"project_id":"proj-1"},"batch_size":50}`,
			false,
		},
		{
			"batch scoring without scope",
			KindBatchScoring,
			`{"batch_size":50}`,
			true,
		},
		{
			"incremental update",
			KindIncrementalUpdate,
			`{"scope":{"project_id":"proj-1"},"lookback":3600000000000}`,
			false,
		},
		{
			"incremental update without lookback",
			KindIncrementalUpdate,
			`{"scope":{"project_id":"proj-1"}}`,
			true,
		},
		{
			"maintenance full recalculation",
			KindMaintenance,
			`{"task":"full_recalculation","scope":{"project_id":"proj-1"}}`,
			false,
		},
		{
			"maintenance unknown task",
			KindMaintenance,
			`{"task":"defragment","scope":{"project_id":"proj-1"}}`,
			true,
		},
		{
			"unknown kind",
			JobKind("compaction"),
			`{}`,
			true,
		},
		{
			"malformed payload",
			KindBatchScoring,
			`{"scope":`,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := UnmarshalJobConfig(tt.kind, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJobConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", cfg.Kind(), tt.kind)
			}
		})
	}
}

func TestJobConfigBuildRequest(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("batch scoring carries overrides", func(t *testing.T) {
		cfg := &BatchScoringConfig{
			Scope:       ScopeFilter{ProjectID: "proj-1"},
			BatchSize:   25,
			Concurrency: 2,
		}
		req, err := cfg.BuildRequest(now)
		if err != nil {
			t.Fatalf("BuildRequest() error = %v", err)
		}
		if req.Mode != ModeBatch {
			t.Errorf("Mode = %v, want %v", req.Mode, ModeBatch)
		}
		if req.BatchSize != 25 || req.Concurrency != 2 {
			t.Errorf("overrides not applied: batch=%d concurrency=%d", req.BatchSize, req.Concurrency)
		}
		if req.Priority != PriorityCritical {
			t.Errorf("Priority = %v, want %v", req.Priority, PriorityCritical)
		}
	})

	t.Run("incremental update sets updated-since from lookback", func(t *testing.T) {
		cfg := &IncrementalUpdateConfig{
			Scope:    ScopeFilter{ProjectID: "proj-1"},
			Lookback: 2 * time.Hour,
		}
		req, err := cfg.BuildRequest(now)
		if err != nil {
			t.Fatalf("BuildRequest() error = %v", err)
		}
		if req.Mode != ModeIncremental {
			t.Errorf("Mode = %v, want %v", req.Mode, ModeIncremental)
		}
		if req.Scope.UpdatedSince == nil {
			t.Fatal("expected UpdatedSince to be set")
		}
		want := now.Add(-2 * time.Hour)
		if !req.Scope.UpdatedSince.Equal(want) {
			t.Errorf("UpdatedSince = %v, want %v", req.Scope.UpdatedSince, want)
		}
	})

	t.Run("maintenance full recalculation uses full mode", func(t *testing.T) {
		cfg := &MaintenanceConfig{Task: TaskFullRecalculation, Scope: ScopeFilter{ProjectID: "proj-1"}}
		req, err := cfg.BuildRequest(now)
		if err != nil {
			t.Fatalf("BuildRequest() error = %v", err)
		}
		if req.Mode != ModeFull {
			t.Errorf("Mode = %v, want %v", req.Mode, ModeFull)
		}
	})
}
