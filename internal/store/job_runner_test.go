package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobRunnerBackoffIsCapped(t *testing.T) {
	r := NewJobRunner(NewInMemoryStore(), time.Hour, WithJobBackoff(10*time.Second, time.Minute))
	tests := map[int]time.Duration{
		0:  10 * time.Second,
		1:  20 * time.Second,
		2:  40 * time.Second,
		3:  time.Minute,
		60: time.Minute,
	}
	for attempt, want := range tests {
		if got := r.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestJobRunnerReportsRuns(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now()

	var results []JobResult
	r := NewJobRunner(s, time.Hour,
		WithJobClock(func() time.Time { return now }),
		WithJobObserver(func(kind string, result JobResult, _ time.Duration) {
			results = append(results, result)
		}),
	)
	r.RegisterHandler("crm_projection", func(ctx context.Context, payload string) error {
		return errors.New("crm unavailable")
	})

	failing, err := s.EnqueueJob(ctx, JobSpec{Kind: "crm_projection", RunAt: now, PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	orphan, err := s.EnqueueJob(ctx, JobSpec{Kind: "unknown", RunAt: now, PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if n := r.PollOnce(ctx); n != 2 {
		t.Fatalf("PollOnce claimed %d, want 2", n)
	}
	if len(results) != 2 {
		t.Fatalf("observed %v, want two runs", results)
	}
	seen := map[JobResult]bool{results[0]: true, results[1]: true}
	if !seen[JobResultRetry] || !seen[JobResultNoHandler] {
		t.Errorf("observed %v, want retry and no_handler", results)
	}

	job, _ := s.GetJob(ctx, failing)
	if job.Status != JobStatusQueued || !job.RunAt.After(now) {
		t.Errorf("failed job not rescheduled: %+v", job)
	}
	job, _ = s.GetJob(ctx, orphan)
	if job.Status != JobStatusQueued || !job.RunAt.Equal(now.Add(unknownKindRetryDelay)) {
		t.Errorf("job without handler not rescheduled: %+v", job)
	}
}

func TestJobRunnerStopsWhenContextEnds(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := NewJobRunner(s, time.Hour, WithJobClaimLimit(5))
	r.RegisterHandler("k", func(context.Context, string) error {
		calls++
		cancel()
		return nil
	})
	for i := 0; i < 3; i++ {
		if _, err := s.EnqueueJob(context.Background(), JobSpec{Kind: "k", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	r.PollOnce(ctx)
	if calls != 1 {
		t.Errorf("handler ran %d times after cancel, want 1", calls)
	}
}
