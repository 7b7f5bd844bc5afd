package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// TestJobRunnerRestartRecovery simulates a crash between claiming a job and
// finishing it, then verifies a fresh runner on the same database executes it
// exactly once.
func TestJobRunnerRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	jobID, err := s1.EnqueueJob(ctx, JobSpec{Kind: "restart_test", PayloadJSON: `{"test":"restart"}`, DedupeKey: "restart-dedup"})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claimed but never completed.
	if jobs, err := s1.ClaimDueJobs(ctx, time.Now().Add(time.Second), 10); err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs: %v %v", jobs, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 50*time.Millisecond)
	runner.RegisterHandler("restart_test", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	if n, err := s2.RequeueStaleRunningJobs(ctx, time.Now().Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("RequeueStaleRunningJobs = %d, %v", n, err)
	}
	if claimed := runner.PollOnce(ctx); claimed != 1 {
		t.Fatalf("expected 1 job claimed, got %d", claimed)
	}
	runner.PollOnce(ctx)

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution after restart, got %d", atomic.LoadInt32(&executed))
	}
	job, err := s2.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob after restart failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected job status 'done', got %q", job.Status)
	}
}

// TestOutboxSenderRestartRecovery simulates a crash mid-send for outbox messages.
func TestOutboxSenderRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	_, err = s1.EnqueueOutboxMessage(ctx, OutboxMessage{
		SessionID: "s_1", ChannelID: "ch-1", Recipient: "919876543210",
		Kind: string(models.OutboundPrompt), PayloadJSON: `{"template":"Hello!"}`, DedupeKey: "outbox-restart-dedup",
	})
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	msgs, err := s1.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimDueOutboxMessages: %v %v", msgs, err)
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("Expected status 'sending', got %q", msgs[0].Status)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) (string, error) {
		atomic.AddInt32(&sent, 1)
		return "SM-restart", nil
	})

	// Nothing is claimable while the message is still marked sending.
	if n := sender.PollOnce(ctx); n != 0 {
		t.Fatalf("expected no claim before recovery, got %d", n)
	}
	n, err := s2.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleSendingMessages = %d, %v", n, err)
	}
	sender.PollOnce(ctx)

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send after recovery, got %d", atomic.LoadInt32(&sent))
	}
	deliveries, err := s2.ListSessionDeliveries(ctx, "s_1")
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("ListSessionDeliveries: %v %v", deliveries, err)
	}
	if deliveries[0].Status != OutboxStatusSent || deliveries[0].ProviderMessageID != "SM-restart" {
		t.Errorf("unexpected delivery record: %+v", deliveries[0])
	}
}

// TestDedupRepoRestartSafety verifies that dedup records survive a store restart.
func TestDedupRepoRestartSafety(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if err := s1.CommitTransition(ctx, Transition{MessageID: "msg-restart-1", Contact: "919876543210"}); err != nil {
		t.Fatalf("CommitTransition failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	isNew, err := s2.RecordInbound(ctx, "msg-restart-1", "919876543210")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected isNew=false for duplicate after restart")
	}
	dup, err := s2.IsDuplicate(ctx, "msg-restart-1")
	if err != nil || !dup {
		t.Errorf("Expected duplicate after restart, got %v %v", dup, err)
	}
}
