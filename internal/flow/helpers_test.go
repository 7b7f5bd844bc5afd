package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/lock"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const (
	testTenant  = "institute-1"
	testChannel = "whatsapp-main"
	testContact = "whatsapp:+919800000001"
)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// demoWorkflow is the name / mobile / course workflow used across tests.
func demoWorkflow(channelID string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		TenantID:       testTenant,
		Name:           "Demo Class",
		Type:           models.WorkflowTypeDemo,
		ChannelID:      channelID,
		TriggerKeyword: "demo",
		Questions: []models.Question{
			{ID: "name", Text: "What is your name?", IsNameField: true, CRMFieldName: "name"},
			{ID: "mobile", Text: "What is your mobile number?", IsMobileField: true, CRMFieldName: "phone"},
			{ID: "course", Text: "Which course?", Type: models.AnswerTypeChoice, Options: []string{"Math", "Science"}, CRMFieldName: "course"},
		},
	}
}

type testEngine struct {
	*Engine
	store   *store.InMemoryStore
	catalog *Catalog
	clock   *testClock
	seq     atomic.Int64
}

// newTestEngine builds an engine on an in-memory store with the demo workflow
// published on testChannel.
func newTestEngine(t *testing.T, opts ...Option) (*testEngine, *models.WorkflowDefinition) {
	t.Helper()
	st := store.NewInMemoryStore()
	cat := NewCatalog(st, time.Minute)
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	eng := NewEngine(st, cat, lock.NewInMemoryLock(), NewProjector(st, cat), opts...)

	wf := publishWorkflow(t, cat, demoWorkflow(testChannel))
	return &testEngine{Engine: eng, store: st, catalog: cat, clock: clock}, wf
}

func publishWorkflow(t *testing.T, cat *Catalog, w *models.WorkflowDefinition) *models.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	draft, err := cat.CreateDraft(ctx, w)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	published, err := cat.Publish(ctx, draft.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return published
}

// send delivers text from contact with a fresh message id.
func (te *testEngine) send(t *testing.T, contact, text string) Result {
	t.Helper()
	id := fmt.Sprintf("wamid.%d", te.seq.Add(1))
	return te.sendID(t, contact, text, id)
}

func (te *testEngine) sendID(t *testing.T, contact, text, id string) Result {
	t.Helper()
	res, err := te.HandleInboundMessage(context.Background(), models.InboundMessage{
		ChannelID:         testChannel,
		ContactAddress:    contact,
		Text:              text,
		ProviderMessageID: id,
	})
	if err != nil {
		t.Fatalf("HandleInboundMessage(%q): %v", text, err)
	}
	return res
}
