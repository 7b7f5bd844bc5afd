package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestEngineDemoScenario(t *testing.T) {
	ctx := context.Background()
	te, wf := newTestEngine(t)

	steps := []struct {
		text    string
		outcome Outcome
	}{
		{"demo", OutcomeStarted},
		{"Aarav", OutcomeAdvanced},
		{"98765", OutcomeRetry},
		{"9876543210", OutcomeAdvanced},
		{"science", OutcomeCompleted},
	}
	var sessionID string
	for _, step := range steps {
		res := te.send(t, testContact, step.text)
		if res.Outcome != step.outcome {
			t.Fatalf("%q: outcome = %s, want %s", step.text, res.Outcome, step.outcome)
		}
		if sessionID == "" {
			sessionID = res.SessionID
		} else if res.SessionID != sessionID {
			t.Fatalf("%q: session changed from %s to %s", step.text, sessionID, res.SessionID)
		}
		if step.outcome == OutcomeRetry && res.Hint == "" {
			t.Errorf("%q: retry without hint", step.text)
		}
	}

	sess, err := te.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != models.SessionStatusCompleted || sess.Projection != models.ProjectionDone {
		t.Errorf("unexpected final session: status %s projection %s", sess.Status, sess.Projection)
	}
	if a, _ := sess.Answer("course"); a.Value != "Science" {
		t.Errorf("course answer = %q, want Science", a.Value)
	}
	if sess.WorkflowID != wf.ID || sess.WorkflowVersion != 1 {
		t.Errorf("session not bound to published version: %+v", sess)
	}

	contact, err := te.store.GetContactByPhone(ctx, testTenant, "9876543210")
	if err != nil {
		t.Fatalf("GetContactByPhone: %v", err)
	}
	if contact.Name != "Aarav" || contact.Phone != "9876543210" || contact.Fields["course"] != "Science" {
		t.Errorf("unexpected CRM contact: %+v", contact)
	}
	if sess.CRMContactID != contact.ID || sess.CRMLeadID == "" {
		t.Errorf("session not linked to CRM records: %+v", sess)
	}
	if n, _ := te.store.CountLeads(ctx, wf.ID); n != 1 {
		t.Errorf("leads = %d, want 1", n)
	}

	deliveries, err := te.Deliveries(ctx, sessionID)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	wantKinds := []models.OutboundKind{
		models.OutboundInitial, models.OutboundPrompt, models.OutboundPrompt,
		models.OutboundRetry, models.OutboundPrompt, models.OutboundCompletion,
	}
	if len(deliveries) != len(wantKinds) {
		t.Fatalf("deliveries = %d, want %d", len(deliveries), len(wantKinds))
	}
	for i, d := range deliveries {
		if d.Kind != string(wantKinds[i]) || d.Recipient != testContact || d.ChannelID != testChannel {
			t.Errorf("delivery %d = %s to %s, want %s", i, d.Kind, d.Recipient, wantKinds[i])
		}
	}
	var last models.OutboundPayload
	if err := json.Unmarshal([]byte(deliveries[len(deliveries)-1].PayloadJSON), &last); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if last.Vars[VarName] != "Aarav" || last.Vars["course"] != "Science" {
		t.Errorf("completion vars = %v", last.Vars)
	}

	// A later message is not an answer to the finished session.
	if res := te.send(t, testContact, "thanks"); res.Outcome != OutcomePassthrough {
		t.Errorf("after completion outcome = %s", res.Outcome)
	}
}

func TestEngineReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t)

	first := te.sendID(t, testContact, "demo", "dup-1")
	te.sendID(t, testContact, "Aarav", "dup-2")
	before, _ := te.Session(ctx, first.SessionID)
	deliveriesBefore, _ := te.Deliveries(ctx, first.SessionID)

	for _, id := range []string{"dup-1", "dup-2", "dup-2"} {
		res := te.sendID(t, testContact, "Aarav", id)
		if res.Outcome != OutcomeDuplicate {
			t.Errorf("redelivery of %s: outcome %s", id, res.Outcome)
		}
	}

	after, _ := te.Session(ctx, first.SessionID)
	if after.CurrentIndex != before.CurrentIndex || len(after.Answers) != len(before.Answers) || after.RetryCount != before.RetryCount {
		t.Errorf("replay changed the session: before %+v after %+v", before, after)
	}
	deliveriesAfter, _ := te.Deliveries(ctx, first.SessionID)
	if len(deliveriesAfter) != len(deliveriesBefore) {
		t.Errorf("replay queued messages: %d -> %d", len(deliveriesBefore), len(deliveriesAfter))
	}
}

func TestEngineDuplicatePassthroughStaysPassthrough(t *testing.T) {
	te, _ := newTestEngine(t)
	if res := te.sendID(t, testContact, "hello", "p-1"); res.Outcome != OutcomePassthrough {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res := te.sendID(t, testContact, "demo", "p-1"); res.Outcome != OutcomeDuplicate {
		t.Errorf("redelivered id started a session: %s", res.Outcome)
	}
}

func TestEngineRejectsMalformedMessage(t *testing.T) {
	te, _ := newTestEngine(t)
	_, err := te.HandleInboundMessage(context.Background(), models.InboundMessage{ChannelID: testChannel, ContactAddress: testContact, Text: "demo"})
	if !errors.Is(err, models.ErrMissingMessageID) {
		t.Errorf("expected ErrMissingMessageID, got %v", err)
	}
}

func TestEngineSkipAtAnyQuestion(t *testing.T) {
	for skipAt := 0; skipAt < 3; skipAt++ {
		t.Run(fmt.Sprintf("question %d", skipAt), func(t *testing.T) {
			ctx := context.Background()
			te, wf := newTestEngine(t)
			answers := []string{"Aarav", "9876543210", "Math"}

			te.send(t, testContact, "demo")
			for i := 0; i < skipAt; i++ {
				te.send(t, testContact, answers[i])
			}
			res := te.send(t, testContact, "skip")
			if res.Outcome != OutcomeSkipped || res.Status != models.SessionStatusSkipped {
				t.Fatalf("outcome = %s status = %s", res.Outcome, res.Status)
			}

			sess, _ := te.Session(ctx, res.SessionID)
			if sess.Projection != models.ProjectionNone {
				t.Errorf("skipped session scheduled for CRM: %s", sess.Projection)
			}
			if n, _ := te.store.CountLeads(ctx, wf.ID); n != 0 {
				t.Errorf("skipped session created %d leads", n)
			}
			if _, err := te.ActiveSession(ctx, testChannel, testContact); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected no active session, got %v", err)
			}
		})
	}
}

func TestEngineRetryLimitAbandons(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t, WithMaxRetries(1))
	te.send(t, testContact, "demo")
	te.send(t, testContact, "Aarav")

	if res := te.send(t, testContact, "12"); res.Outcome != OutcomeRetry {
		t.Fatalf("first invalid answer: %s", res.Outcome)
	}
	res := te.send(t, testContact, "34")
	if res.Outcome != OutcomeAbandoned {
		t.Fatalf("second invalid answer: %s", res.Outcome)
	}
	sess, _ := te.Session(ctx, res.SessionID)
	if sess.Status != models.SessionStatusAbandoned || sess.AbandonReason != models.AbandonReasonRetries {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestEngineTimeoutSweep(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t, WithInactivityTimeout(10*time.Minute))
	started := te.send(t, testContact, "demo")
	te.send(t, testContact, "Aarav")

	te.clock.Advance(9 * time.Minute)
	if n, err := te.SweepInactive(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep abandoned %d (%v)", n, err)
	}

	te.clock.Advance(2 * time.Minute)
	n, err := te.SweepInactive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep abandoned %d (%v), want 1", n, err)
	}
	sess, _ := te.Session(ctx, started.SessionID)
	if sess.Status != models.SessionStatusAbandoned || sess.AbandonReason != models.AbandonReasonTimeout || sess.CurrentIndex != models.TerminalIndex {
		t.Errorf("unexpected session after sweep: %+v", sess)
	}

	// The next answer does not reach the abandoned session.
	if res := te.send(t, testContact, "9876543210"); res.Outcome != OutcomePassthrough {
		t.Errorf("answer after timeout: %s", res.Outcome)
	}
	sess, _ = te.Session(ctx, started.SessionID)
	if len(sess.Answers) != 1 {
		t.Errorf("abandoned session accepted an answer: %+v", sess.Answers)
	}
	if n, _ := te.SweepInactive(ctx); n != 0 {
		t.Errorf("second sweep abandoned %d", n)
	}
}

func TestEngineExpiredSessionEndsOnNextMessage(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t, WithInactivityTimeout(time.Minute))
	old := te.send(t, testContact, "demo")
	te.clock.Advance(2 * time.Minute)

	res := te.send(t, testContact, "demo")
	if res.Outcome != OutcomeStarted || res.SessionID == old.SessionID {
		t.Fatalf("expected a new session, got %+v", res)
	}
	prev, _ := te.Session(ctx, old.SessionID)
	if prev.Status != models.SessionStatusAbandoned || prev.AbandonReason != models.AbandonReasonTimeout {
		t.Errorf("expired session not abandoned: %+v", prev)
	}
}

func TestEngineRestartOnTrigger(t *testing.T) {
	ctx := context.Background()

	te, _ := newTestEngine(t)
	first := te.send(t, testContact, "demo")
	// By default the keyword is an answer to the current question.
	if res := te.send(t, testContact, "demo"); res.Outcome != OutcomeAdvanced || res.SessionID != first.SessionID {
		t.Fatalf("default handling: %+v", res)
	}

	te, _ = newTestEngine(t, WithRestartOnTrigger(true))
	first = te.send(t, testContact, "demo")
	te.send(t, testContact, "Aarav")
	res := te.send(t, testContact, "DEMO")
	if res.Outcome != OutcomeStarted || res.SessionID == first.SessionID {
		t.Fatalf("restart: %+v", res)
	}
	prev, _ := te.Session(ctx, first.SessionID)
	if prev.Status != models.SessionStatusAbandoned || prev.AbandonReason != models.AbandonReasonRestarted {
		t.Errorf("previous session: %+v", prev)
	}
	active, err := te.ActiveSession(ctx, testChannel, testContact)
	if err != nil || active.ID != res.SessionID || len(active.Answers) != 0 {
		t.Errorf("active session = %+v, %v", active, err)
	}
}

func TestEngineArchivedVersionStillCompletes(t *testing.T) {
	ctx := context.Background()
	te, wf := newTestEngine(t)
	started := te.send(t, testContact, "demo")

	if _, err := te.catalog.Archive(ctx, wf.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	te.send(t, testContact, "Aarav")
	te.send(t, testContact, "9876543210")
	if res := te.send(t, testContact, "1"); res.Outcome != OutcomeCompleted || res.SessionID != started.SessionID {
		t.Fatalf("expected completion on archived version, got %+v", res)
	}
	// New conversations no longer match the archived trigger.
	if res := te.send(t, "whatsapp:+919800000002", "demo"); res.Outcome != OutcomePassthrough {
		t.Errorf("archived workflow still triggers: %s", res.Outcome)
	}
}

func TestEngineSerializesConcurrentMessages(t *testing.T) {
	ctx := context.Background()
	// Retries are unbounded so every message lands in one session.
	te, _ := newTestEngine(t, WithMaxRetries(100))

	const n = 20
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := te.HandleInboundMessage(ctx, models.InboundMessage{
				ChannelID:         testChannel,
				ContactAddress:    testContact,
				Text:              "demo",
				ProviderMessageID: fmt.Sprintf("c-%d", i),
			})
			if err != nil {
				t.Errorf("HandleInboundMessage: %v", err)
				return
			}
			outcomes <- res.Outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	started := 0
	for o := range outcomes {
		if o == OutcomeStarted {
			started++
		}
	}
	if started != 1 {
		t.Errorf("sessions started = %d, want 1", started)
	}
	sessions, _ := te.ListSessions(ctx, models.SessionFilter{ChannelID: testChannel, Contact: testContact})
	active := 0
	for _, s := range sessions {
		if s.Status == models.SessionStatusActive {
			active++
		}
	}
	if active > 1 {
		t.Errorf("found %d active sessions", active)
	}
}

func TestEngineContactsAreIndependent(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t)
	a := te.send(t, "whatsapp:+919800000011", "demo")
	b := te.send(t, "whatsapp:+919800000012", "demo")
	if a.SessionID == b.SessionID {
		t.Fatal("contacts share a session")
	}
	te.send(t, "whatsapp:+919800000011", "Aarav")

	sa, _ := te.Session(ctx, a.SessionID)
	sb, _ := te.Session(ctx, b.SessionID)
	if sa.CurrentIndex != 1 || sb.CurrentIndex != 0 {
		t.Errorf("answers leaked between contacts: a=%d b=%d", sa.CurrentIndex, sb.CurrentIndex)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	ended    map[models.SessionStatus]int
	projects int
}

func (o *countingObserver) InboundHandled(channelID string, outcome Outcome, took time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) SessionEnded(channelID string, status models.SessionStatus, reason models.AbandonReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended[status]++
}

func (o *countingObserver) ProjectionFinished(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.projects++
}

func TestEngineNotifiesObserverAndOutbox(t *testing.T) {
	obs := &countingObserver{outcomes: map[Outcome]int{}, ended: map[models.SessionStatus]int{}}
	notified := 0
	te, _ := newTestEngine(t, WithObserver(obs), WithOutboxNotifier(func() { notified++ }))

	for _, text := range []string{"demo", "Aarav", "9876543210", "Math", "hello"} {
		te.send(t, testContact, text)
	}
	if obs.outcomes[OutcomeCompleted] != 1 || obs.outcomes[OutcomePassthrough] != 1 || obs.outcomes[OutcomeAdvanced] != 2 {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
	if obs.ended[models.SessionStatusCompleted] != 1 || obs.projects != 1 {
		t.Errorf("ended = %v projections = %d", obs.ended, obs.projects)
	}
	if notified != 4 {
		t.Errorf("outbox notified %d times, want 4", notified)
	}
}

func TestEngineSweepSkipsLockedContact(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t, WithInactivityTimeout(10*time.Minute))
	started := te.send(t, testContact, "demo")
	te.clock.Advance(11 * time.Minute)

	release, ok, err := te.locks.TryAcquire(ctx, contactKey(testChannel, testContact), time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	n, err := te.SweepInactive(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep with contact locked abandoned %d (%v), want 0", n, err)
	}
	sess, _ := te.Session(ctx, started.SessionID)
	if sess.Status != models.SessionStatusActive {
		t.Errorf("locked session status = %s, want active", sess.Status)
	}

	release()
	if n, err := te.SweepInactive(ctx); err != nil || n != 1 {
		t.Errorf("sweep after release abandoned %d (%v), want 1", n, err)
	}
}

// staleSnapshotStore answers ListStaleSessions with a list captured earlier,
// as a sweep that listed sessions just before an answer committed would see.
type staleSnapshotStore struct {
	*store.InMemoryStore
	snapshot []models.ConversationSession
}

func (s *staleSnapshotStore) ListStaleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error) {
	return s.snapshot, nil
}

func TestEngineSweepLeavesFreshlyAnsweredSession(t *testing.T) {
	ctx := context.Background()
	te, _ := newTestEngine(t, WithInactivityTimeout(10*time.Minute))
	started := te.send(t, testContact, "demo")

	before, err := te.store.GetSession(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	te.clock.Advance(9 * time.Minute)
	if res := te.send(t, testContact, "Aarav"); res.Outcome != OutcomeAdvanced {
		t.Fatalf("answer outcome = %s, want advanced", res.Outcome)
	}
	te.clock.Advance(2 * time.Minute)

	te.Engine.store = &staleSnapshotStore{InMemoryStore: te.store, snapshot: []models.ConversationSession{*before}}
	n, err := te.SweepInactive(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep abandoned %d (%v), want 0", n, err)
	}
	sess, _ := te.Session(ctx, started.SessionID)
	if sess.Status != models.SessionStatusActive || len(sess.Answers) != 1 {
		t.Errorf("freshly answered session changed by sweep: %+v", sess)
	}
}

func TestEngineStageEncodesRepliesAndJobs(t *testing.T) {
	te, wf := newTestEngine(t)
	now := te.clock.Now()
	step := te.machine.Start(wf, models.InboundMessage{ChannelID: testChannel, ContactAddress: testContact, Text: "demo", ProviderMessageID: "m1"}, now)

	p := &pending{cause: "m1"}
	if err := te.stage(p, wf, step); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if len(p.tx.Outbox) != len(step.Replies) || len(p.tx.Outbox) == 0 {
		t.Fatalf("outbox rows = %d, replies = %d", len(p.tx.Outbox), len(step.Replies))
	}
	for _, row := range p.tx.Outbox {
		var payload models.OutboundPayload
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			t.Fatalf("payload %q: %v", row.PayloadJSON, err)
		}
		if payload.Template == "" || payload.Vars[VarWorkflow] != wf.Name {
			t.Errorf("unexpected payload: %+v", payload)
		}
	}
	if len(p.tx.Jobs) != 0 {
		t.Errorf("start queued %d jobs", len(p.tx.Jobs))
	}
}
