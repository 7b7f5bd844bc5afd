package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Per-channel send rate defaults.
const (
	DefaultSendRate  = 10.0
	DefaultSendBurst = 10
)

// ErrEmptyMessage is returned when a rendered message has no text.
var ErrEmptyMessage = errors.New("rendered message is empty")

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render fills {{token}} placeholders in tmpl from vars. Unknown tokens render empty.
func Render(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := tokenPattern.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Rate  rate.Limit
	Burst int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithRateLimit sets the sustained per-channel send rate and its burst.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Rate = rate.Limit(perSecond)
		o.Burst = burst
	}
}

// WithUnlimitedRate disables per-channel rate limiting.
func WithUnlimitedRate() DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Rate = rate.Inf
	}
}

// Dispatcher renders queued outbox messages and sends them through the
// channel's gateway, pacing each channel with its own token bucket.
type Dispatcher struct {
	router *Router
	opts   DispatcherOpts

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher over router.
func NewDispatcher(router *Router, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{Rate: rate.Limit(DefaultSendRate), Burst: DefaultSendBurst}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Dispatcher{router: router, opts: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (d *Dispatcher) limiter(channelID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(d.opts.Rate, d.opts.Burst)
		d.limiters[channelID] = l
	}
	return l
}

// Send delivers one outbox message and returns the provider message id. It
// matches store.OutboxSendFunc. Undecodable payloads, empty messages and
// unknown channels fail permanently.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) (string, error) {
	var payload models.OutboundPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return "", Permanent(fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err))
	}
	body := strings.TrimSpace(Render(payload.Template, payload.Vars))
	if body == "" {
		return "", Permanent(ErrEmptyMessage)
	}

	gw, err := d.router.Gateway(msg.ChannelID)
	if err != nil {
		return "", err
	}
	if err := d.limiter(msg.ChannelID).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	providerID, err := gw.Send(ctx, msg.Recipient, body)
	if err != nil {
		return "", err
	}
	slog.Debug("Dispatcher.Send: message sent", "id", msg.ID, "channelID", msg.ChannelID, "kind", msg.Kind, "providerMessageID", providerID)
	return providerID, nil
}
