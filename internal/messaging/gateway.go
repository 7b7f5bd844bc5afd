// Package messaging connects FlowPipe to its messaging channels: it routes
// outbound messages to channel gateways and turns provider deliveries into
// inbound messages for the engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrUnknownChannel is returned when no gateway is registered for a channel.
var ErrUnknownChannel = errors.New("unknown channel")

// Gateway sends text messages over one provider account.
type Gateway interface {
	// Send delivers body to the contact address and returns the provider message id.
	Send(ctx context.Context, to string, body string) (string, error)
}

// InboundHandler receives messages delivered by a channel.
type InboundHandler func(ctx context.Context, msg models.InboundMessage) error

// PermanentError marks a send failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent send failure: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// Router maps channel ids to gateways.
type Router struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{gateways: make(map[string]Gateway)}
}

// Register sets the gateway for channelID, replacing any previous one.
func (r *Router) Register(channelID string, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[channelID] = gw
	slog.Info("Router.Register: channel registered", "channelID", channelID, "gateway", fmt.Sprintf("%T", gw))
}

// Gateway returns the gateway of channelID. Unknown channels yield a
// permanent error wrapping ErrUnknownChannel.
func (r *Router) Gateway(channelID string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[channelID]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownChannel, channelID))
	}
	return gw, nil
}

// Channels lists the registered channel ids in sorted order.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
