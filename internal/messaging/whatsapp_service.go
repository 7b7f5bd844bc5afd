package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// EventSource delivers whatsmeow events; *whatsapp.Client implements it.
type EventSource interface {
	AddEventHandler(fn func(evt any)) uint32
}

// WhatsAppService is the gateway and event receiver of a WhatsApp Web channel.
type WhatsAppService struct {
	channelID string
	client    whatsapp.Sender
	queue     *InboundQueue
}

// NewWhatsAppService creates a WhatsAppService for channelID. Inbound
// messages are pushed to queue so each contact's messages keep their order.
func NewWhatsAppService(channelID string, client whatsapp.Sender, queue *InboundQueue) *WhatsAppService {
	return &WhatsAppService{channelID: channelID, client: client, queue: queue}
}

// Start subscribes the service to src.
func (s *WhatsAppService) Start(src EventSource) {
	src.AddEventHandler(s.HandleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered", "channelID", s.channelID)
}

// Send sends body over WhatsApp. Addresses that are not phone numbers fail permanently.
func (s *WhatsAppService) Send(ctx context.Context, to string, body string) (string, error) {
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		if errors.Is(err, whatsapp.ErrInvalidRecipient) {
			return "", Permanent(err)
		}
		return "", err
	}
	return id, nil
}

// HandleEvent processes one whatsmeow event.
func (s *WhatsAppService) HandleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppService: connected", "channelID", s.channelID)
	case *events.Disconnected:
		slog.Warn("WhatsAppService: disconnected", "channelID", s.channelID)
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		ChannelID:         s.channelID,
		ContactAddress:    whatsapp.ContactAddress(evt.Info.Sender.ToNonAD()),
		Text:              text,
		ProviderMessageID: string(evt.Info.ID),
		ReceivedAt:        evt.Info.Timestamp,
	}
	slog.Debug("WhatsAppService: incoming message", "from", msg.ContactAddress, "messageID", msg.ProviderMessageID)
	s.queue.Enqueue(msg)
}
