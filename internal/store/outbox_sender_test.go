package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errPermanentTest = errors.New("invalid recipient")

type recordingSender struct {
	mu    sync.Mutex
	sent  map[string][]string
	fails map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]string), fails: make(map[string]error)}
}

func (r *recordingSender) send(ctx context.Context, msg OutboxMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fails[msg.Kind]; ok {
		return "", err
	}
	r.sent[msg.Recipient] = append(r.sent[msg.Recipient], msg.Kind)
	return "SM-" + msg.Kind, nil
}

func (r *recordingSender) kinds(recipient string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[recipient]...)
}

func enqueueAll(t *testing.T, s OutboxRepo, msgs ...OutboxMessage) {
	t.Helper()
	for _, m := range msgs {
		if _, err := s.EnqueueOutboxMessage(context.Background(), m); err != nil {
			t.Fatalf("EnqueueOutboxMessage: %v", err)
		}
		// Distinct creation times keep the expected order unambiguous.
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOutboxSenderKeepsPerRecipientOrder(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	rec := newRecordingSender()
	sender := NewOutboxSender(s, rec.send, WithSendConcurrency(2))

	enqueueAll(t, s,
		OutboxMessage{ChannelID: "ch", Recipient: "a", Kind: "1", PayloadJSON: `{}`},
		OutboxMessage{ChannelID: "ch", Recipient: "b", Kind: "1", PayloadJSON: `{}`},
		OutboxMessage{ChannelID: "ch", Recipient: "a", Kind: "2", PayloadJSON: `{}`},
		OutboxMessage{ChannelID: "ch", Recipient: "a", Kind: "3", PayloadJSON: `{}`},
	)

	if n := sender.PollOnce(ctx); n != 4 {
		t.Fatalf("expected 4 claimed, got %d", n)
	}
	got := rec.kinds("a")
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Errorf("recipient a order = %v", got)
	}
	if got := rec.kinds("b"); len(got) != 1 {
		t.Errorf("recipient b sends = %v", got)
	}
}

func TestOutboxSenderHoldsBackAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	rec := newRecordingSender()
	rec.fails["1"] = errors.New("gateway timeout")
	sender := NewOutboxSender(s, rec.send, WithBackoff(time.Hour, time.Hour))

	enqueueAll(t, s,
		OutboxMessage{SessionID: "s1", ChannelID: "ch", Recipient: "a", Kind: "1", PayloadJSON: `{}`},
		OutboxMessage{SessionID: "s1", ChannelID: "ch", Recipient: "a", Kind: "2", PayloadJSON: `{}`},
	)
	sender.PollOnce(ctx)

	if got := rec.kinds("a"); len(got) != 0 {
		t.Fatalf("nothing should be delivered past the failed message, got %v", got)
	}
	deliveries, _ := s.ListSessionDeliveries(ctx, "s1")
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Status != OutboxStatusQueued || deliveries[0].Attempts != 1 || deliveries[0].NextAttemptAt == nil {
		t.Errorf("failed message not rescheduled: %+v", deliveries[0])
	}
	if deliveries[1].Status != OutboxStatusQueued || deliveries[1].Attempts != 0 {
		t.Errorf("held message should be requeued without an attempt: %+v", deliveries[1])
	}
	if n := sender.PollOnce(ctx); n != 0 {
		t.Errorf("expected nothing due before backoff elapses, got %d", n)
	}
}

func TestOutboxSenderPermanentFailure(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	rec := newRecordingSender()
	rec.fails["1"] = errPermanentTest

	var observed int32
	sender := NewOutboxSender(s, rec.send,
		WithPermanentErrorCheck(func(err error) bool { return errors.Is(err, errPermanentTest) }),
		WithSendObserver(func(msg OutboxMessage, outcome SendOutcome, took time.Duration) {
			if outcome == SendOutcomePermanent {
				atomic.AddInt32(&observed, 1)
			}
		}),
	)

	enqueueAll(t, s,
		OutboxMessage{SessionID: "s1", ChannelID: "ch", Recipient: "a", Kind: "1", PayloadJSON: `{}`},
		OutboxMessage{SessionID: "s1", ChannelID: "ch", Recipient: "a", Kind: "2", PayloadJSON: `{}`},
	)
	sender.PollOnce(ctx)

	deliveries, _ := s.ListSessionDeliveries(ctx, "s1")
	if deliveries[0].Status != OutboxStatusFailed || deliveries[0].LastError != errPermanentTest.Error() {
		t.Errorf("expected permanent failure recorded: %+v", deliveries[0])
	}
	if deliveries[1].Status != OutboxStatusSent || deliveries[1].ProviderMessageID != "SM-2" {
		t.Errorf("later message should still be sent: %+v", deliveries[1])
	}
	if atomic.LoadInt32(&observed) != 1 {
		t.Errorf("observer saw %d permanent failures", observed)
	}
}

func TestOutboxSenderGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	rec := newRecordingSender()
	rec.fails["1"] = errors.New("gateway timeout")
	sender := NewOutboxSender(s, rec.send, WithMaxSendAttempts(2), WithBackoff(0, 0))

	enqueueAll(t, s, OutboxMessage{SessionID: "s1", ChannelID: "ch", Recipient: "a", Kind: "1", PayloadJSON: `{}`})
	sender.PollOnce(ctx)
	sender.PollOnce(ctx)

	deliveries, _ := s.ListSessionDeliveries(ctx, "s1")
	if deliveries[0].Status != OutboxStatusFailed || deliveries[0].Attempts != 2 {
		t.Errorf("expected failure after 2 attempts, got %+v", deliveries[0])
	}
}

func TestOutboxSenderBackoff(t *testing.T) {
	sender := NewOutboxSender(NewInMemoryStore(), nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{6, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := sender.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOutboxSenderRunDrainsOnNotify(t *testing.T) {
	s := NewInMemoryStore()
	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) (string, error) {
		atomic.AddInt32(&sent, 1)
		return "SM1", nil
	}, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	enqueueAll(t, s, OutboxMessage{ChannelID: "ch", Recipient: "a", Kind: "1", PayloadJSON: `{}`})
	sender.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected notify to trigger a send, got %d", sent)
	}
}

func TestJobRunnerRetriesFailedJobs(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Hour)

	var calls int32
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("not yet")
		}
		return nil
	})

	id, err := s.EnqueueJob(ctx, JobSpec{Kind: "flaky", PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	runner.PollOnce(ctx)
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 || !job.RunAt.After(time.Now()) {
		t.Fatalf("expected job rescheduled with backoff, got %+v", job)
	}

	// Pull the retry forward instead of waiting out the backoff.
	if err := s.FailJob(ctx, id, "not yet", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	runner.PollOnce(ctx)
	job, _ = s.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("expected job done, got %s", job.Status)
	}
}
