package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "flowpipe"}))
}

// inboundHandler handles POST /webhooks/inbound with a JSON InboundMessage.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	res, err := s.engine.HandleInboundMessage(r.Context(), msg)
	if err != nil {
		writeError(w, "inboundHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// twilioWebhookHandler handles POST /webhooks/twilio/{channel}.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel")
	svc, ok := s.opts.Twilio[channelID]
	if !ok {
		slog.Warn("Server.twilioWebhookHandler: unknown channel", "channelID", channelID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown channel"))
		return
	}
	svc.WebhookHandler(w, r)
}

// getSessionHandler handles GET /sessions/{id}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// sessionDeliveriesHandler handles GET /sessions/{id}/deliveries.
func (s *Server) sessionDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.engine.Deliveries(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "sessionDeliveriesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(deliveries))
}

// activeSessionHandler handles GET /channels/{channel}/contacts/{contact}/session.
func (s *Server) activeSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.ActiveSession(r.Context(), r.PathValue("channel"), r.PathValue("contact"))
	if err != nil {
		writeError(w, "activeSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// workflowSessionsHandler handles GET /workflows/{id}/sessions?status=&limit=.
func (s *Server) workflowSessionsHandler(w http.ResponseWriter, r *http.Request) {
	f := models.SessionFilter{
		WorkflowID: r.PathValue("id"),
		Status:     models.SessionStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}
	sessions, err := s.engine.ListSessions(r.Context(), f)
	if err != nil {
		writeError(w, "workflowSessionsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}
