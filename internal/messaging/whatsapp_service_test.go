package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

type fakeEventSource struct {
	handlers []func(any)
}

func (f *fakeEventSource) AddEventHandler(fn func(evt any)) uint32 {
	f.handlers = append(f.handlers, fn)
	return uint32(len(f.handlers))
}

func (f *fakeEventSource) emit(evt any) {
	for _, h := range f.handlers {
		h(evt)
	}
}

func textEvent(user, id, text string) *events.Message {
	jid := types.NewJID(user, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, Sender: jid},
			ID:            types.MessageID(id),
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: &text},
	}
}

func TestWhatsAppServiceHandlesEvents(t *testing.T) {
	var mu sync.Mutex
	var got []models.InboundMessage
	q := NewInboundQueue(context.Background(), func(ctx context.Context, msg models.InboundMessage) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})
	svc := NewWhatsAppService("wa-main", whatsapp.NewMockClient(), q)
	src := &fakeEventSource{}
	svc.Start(src)

	src.emit(textEvent("919800000001", "ID1", "demo"))

	extended := "Aarav"
	ext := textEvent("919800000001", "ID2", "")
	ext.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: &extended}}
	src.emit(ext)

	fromMe := textEvent("919800000001", "ID3", "ignored")
	fromMe.Info.IsFromMe = true
	src.emit(fromMe)

	group := textEvent("919800000001", "ID4", "ignored")
	group.Info.IsGroup = true
	src.emit(group)

	src.emit(&events.Message{Info: types.MessageInfo{ID: "ID5"}, Message: &waE2E.Message{}})
	src.emit(&events.Connected{})
	q.Close()

	if len(got) != 2 {
		t.Fatalf("expected 2 inbound messages, got %+v", got)
	}
	if got[0].ChannelID != "wa-main" || got[0].ContactAddress != "+919800000001" || got[0].Text != "demo" || got[0].ProviderMessageID != "ID1" {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Text != "Aarav" || got[1].ProviderMessageID != "ID2" {
		t.Errorf("unexpected second message: %+v", got[1])
	}
}

func TestWhatsAppServiceSend(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService("wa-main", mock, nil)
	ctx := context.Background()

	id, err := svc.Send(ctx, "+919800000001", "hello")
	if err != nil || id == "" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if _, err := svc.Send(ctx, "not-a-number", "hello"); !IsPermanent(err) {
		t.Errorf("invalid recipient should be permanent, got %v", err)
	}
	mock.Err = errors.New("websocket not connected")
	if _, err := svc.Send(ctx, "+919800000001", "hello"); err == nil || IsPermanent(err) {
		t.Errorf("connection errors should be retryable, got %v", err)
	}
}
