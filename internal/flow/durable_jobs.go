package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// JobKindCRMProjection retries writing a completed session to the CRM.
const JobKindCRMProjection = "crm_projection"

// CRMProjectionPayload is the JSON payload for crm_projection jobs.
type CRMProjectionPayload struct {
	SessionID string `json:"session_id"`
}

// RegisterJobHandlers registers all flow-related job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, projector *Projector) {
	runner.RegisterHandler(JobKindCRMProjection, makeCRMProjectionHandler(projector))
}

func makeCRMProjectionHandler(projector *Projector) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p CRMProjectionPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid crm_projection payload: %w", err)
		}
		if p.SessionID == "" {
			return fmt.Errorf("invalid crm_projection payload: missing session_id")
		}
		slog.Info("JobHandler.crm_projection: executing", "sessionID", p.SessionID)

		// Project is a no-op for sessions already written to the CRM.
		if err := projector.Project(ctx, p.SessionID); err != nil {
			return fmt.Errorf("crm projection failed: %w", err)
		}
		return nil
	}
}
