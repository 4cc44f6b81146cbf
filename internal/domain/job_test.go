package domain

import (
	"testing"
	"time"
)

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions from scheduled
		{"scheduled to running", JobScheduled, JobRunning, false},
		{"scheduled to paused", JobScheduled, JobPaused, false},
		{"scheduled to completed", JobScheduled, JobCompleted, false}, // run cap reached
		{"scheduled to cancelled", JobScheduled, JobCancelled, false},

		// Invalid transitions from scheduled
		{"scheduled to failed", JobScheduled, JobFailed, true},

		// Valid transitions from running
		{"running to scheduled", JobRunning, JobScheduled, false},
		{"running to completed", JobRunning, JobCompleted, false},
		{"running to failed", JobRunning, JobFailed, false},
		{"running to cancelled", JobRunning, JobCancelled, false},

		// Invalid transitions from running
		{"running to paused", JobRunning, JobPaused, true},

		// Valid transitions from paused
		{"paused to scheduled", JobPaused, JobScheduled, false},
		{"paused to cancelled", JobPaused, JobCancelled, false},

		// Invalid transitions from paused
		{"paused to running", JobPaused, JobRunning, true},
		{"paused to completed", JobPaused, JobCompleted, true},

		// Valid transitions from failed
		{"failed to scheduled", JobFailed, JobScheduled, false}, // manual resume
		{"failed to cancelled", JobFailed, JobCancelled, false},

		// Invalid transitions from failed
		{"failed to running", JobFailed, JobRunning, true},
		{"failed to completed", JobFailed, JobCompleted, true},

		// Terminal states
		{"completed to scheduled", JobCompleted, JobScheduled, true},
		{"completed to running", JobCompleted, JobRunning, true},
		{"cancelled to scheduled", JobCancelled, JobScheduled, true},
		{"cancelled to running", JobCancelled, JobRunning, true},

		// Unknown source
		{"unknown source", JobStatus("bogus"), JobScheduled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobTransition(%s, %s) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestScheduledJobIsReady(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 1, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		job       ScheduledJob
		completed map[string]bool
		want      bool
	}{
		{
			name: "enabled and due",
			job:  ScheduledJob{Enabled: true, Status: JobScheduled, NextRunAt: due},
			want: true,
		},
		{
			name: "disabled",
			job:  ScheduledJob{Enabled: false, Status: JobScheduled, NextRunAt: due},
			want: false,
		},
		{
			name: "paused",
			job:  ScheduledJob{Enabled: true, Status: JobPaused, NextRunAt: due},
			want: false,
		},
		{
			name: "not yet due",
			job:  ScheduledJob{Enabled: true, Status: JobScheduled, NextRunAt: future},
			want: false,
		},
		{
			name: "dependency missing",
			job: ScheduledJob{
				Enabled: true, Status: JobScheduled, NextRunAt: due,
				DependsOn: []string{"job-a"},
			},
			completed: map[string]bool{},
			want:      false,
		},
		{
			name: "dependency satisfied",
			job: ScheduledJob{
				Enabled: true, Status: JobScheduled, NextRunAt: due,
				DependsOn: []string{"job-a"},
			},
			completed: map[string]bool{"job-a": true},
			want:      true,
		},
		{
			name: "one of two dependencies missing",
			job: ScheduledJob{
				Enabled: true, Status: JobScheduled, NextRunAt: due,
				DependsOn: []string{"job-a", "job-b"},
			},
			completed: map[string]bool{"job-a": true},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.IsReady(now, tt.completed); got != tt.want {
				t.Errorf("IsReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduledJobMaxRunsReached(t *testing.T) {
	tests := []struct {
		name     string
		maxRuns  int
		runCount int
		want     bool
	}{
		{"unlimited", 0, 100, false},
		{"under cap", 5, 4, false},
		{"at cap", 5, 5, true},
		{"over cap", 5, 6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := ScheduledJob{MaxRuns: tt.maxRuns, RunCount: tt.runCount}
			if got := j.MaxRunsReached(); got != tt.want {
				t.Errorf("MaxRunsReached() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy, false},
		{"zero retries", RetryPolicy{MaxRetries: 0, Delay: time.Second}, false},
		{"negative retries", RetryPolicy{MaxRetries: -1, Delay: time.Second}, true},
		{"negative delay", RetryPolicy{MaxRetries: 1, Delay: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
