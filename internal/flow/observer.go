package flow

import (
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Observer receives engine events for metrics.
type Observer interface {
	InboundHandled(channelID string, outcome Outcome, took time.Duration)
	SessionEnded(channelID string, status models.SessionStatus, reason models.AbandonReason)
	ProjectionFinished(err error)
}

type nopObserver struct{}

func (nopObserver) InboundHandled(string, Outcome, time.Duration) {}
func (nopObserver) SessionEnded(string, models.SessionStatus, models.AbandonReason) {}
func (nopObserver) ProjectionFinished(error) {}
