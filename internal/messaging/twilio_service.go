package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a Twilio webhook without replying inline; replies go
// through the outbox.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookAuth enables X-Twilio-Signature checks. publicURL is the webhook
// URL as configured in Twilio; when empty it is rebuilt from the request.
func WithWebhookAuth(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.authToken = authToken
		s.publicURL = publicURL
	}
}

// TwilioService is the gateway and webhook receiver of a Twilio WhatsApp channel.
type TwilioService struct {
	channelID string
	client    twiliowhatsapp.Sender
	handler   InboundHandler
	authToken string
	publicURL string
}

// NewTwilioService creates a TwilioService for channelID. Inbound messages
// are passed to handler.
func NewTwilioService(channelID string, client twiliowhatsapp.Sender, handler InboundHandler, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{channelID: channelID, client: client, handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send sends body via Twilio. Rejections Twilio will repeat are permanent.
func (s *TwilioService) Send(ctx context.Context, to string, body string) (string, error) {
	sid, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		if twiliowhatsapp.IsPermanent(err) {
			return "", Permanent(err)
		}
		return "", err
	}
	return sid, nil
}

// contactFromTwilio strips the whatsapp: prefix Twilio puts on addresses.
func contactFromTwilio(from string) string {
	return strings.TrimPrefix(strings.TrimSpace(from), twiliowhatsapp.AddressPrefix)
}

func (s *TwilioService) webhookURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// WebhookHandler handles inbound Twilio webhook requests.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.authToken != "" {
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" || !twiliowhatsapp.ValidateSignature(s.authToken, s.webhookURL(r), r.PostForm, sig) {
			slog.Warn("TwilioService.WebhookHandler: signature rejected", "channelID", s.channelID)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg := models.InboundMessage{
		ChannelID:         s.channelID,
		ContactAddress:    contactFromTwilio(r.PostFormValue("From")),
		Text:              r.PostFormValue("Body"),
		ProviderMessageID: r.PostFormValue("MessageSid"),
		ReceivedAt:        time.Now().UTC(),
	}
	if strings.TrimSpace(msg.Text) == "" && r.PostFormValue("NumMedia") != "" && r.PostFormValue("NumMedia") != "0" {
		slog.Debug("TwilioService.WebhookHandler: ignoring media-only message", "messageID", msg.ProviderMessageID)
		writeTwiML(w)
		return
	}

	if err := s.handler(r.Context(), msg); err != nil {
		if models.IsInvalidInbound(err) {
			slog.Warn("TwilioService.WebhookHandler: malformed delivery", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("TwilioService.WebhookHandler: handling failed", "messageID", msg.ProviderMessageID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w)
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
