package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InboundQueue hands messages from event streams to the engine. Messages of
// one contact are handled one at a time in arrival order; different contacts
// are handled in parallel.
type InboundQueue struct {
	ctx     context.Context
	handler InboundHandler

	mu     sync.Mutex
	queues map[string][]models.InboundMessage
	closed bool
	wg     sync.WaitGroup
}

// NewInboundQueue creates a queue whose handlers run with ctx.
func NewInboundQueue(ctx context.Context, handler InboundHandler) *InboundQueue {
	return &InboundQueue{ctx: ctx, handler: handler, queues: make(map[string][]models.InboundMessage)}
}

func queueKey(msg models.InboundMessage) string {
	return msg.ChannelID + "|" + msg.ContactAddress
}

// Enqueue appends msg to its contact's queue, starting a drain goroutine
// when the contact has none. It returns false once the queue is closed.
func (q *InboundQueue) Enqueue(msg models.InboundMessage) bool {
	key := queueKey(msg)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Warn("InboundQueue.Enqueue: queue closed, dropping message", "channelID", msg.ChannelID, "messageID", msg.ProviderMessageID)
		return false
	}
	pending, draining := q.queues[key]
	q.queues[key] = append(pending, msg)
	if !draining {
		q.wg.Add(1)
		go q.drain(key)
	}
	return true
}

func (q *InboundQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		msg := pending[0]
		q.queues[key] = pending[1:]
		q.mu.Unlock()

		if err := q.handler(q.ctx, msg); err != nil {
			slog.Error("InboundQueue.drain: handler failed", "channelID", msg.ChannelID, "contact", msg.ContactAddress, "messageID", msg.ProviderMessageID, "error", err)
		}
	}
}

// Pending returns the number of messages waiting to be handled.
func (q *InboundQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.queues {
		n += len(p)
	}
	return n
}

// Close stops accepting messages and waits until the queued ones are handled.
func (q *InboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
