package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// templateRequest is the body of POST /templates/{template}/workflows.
type templateRequest struct {
	TenantID  string `json:"tenant_id"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := flow.Templates()
	if err != nil {
		writeError(w, "listTemplatesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

// listWorkflowsHandler handles GET /workflows?tenant_id=&channel_id=&status=.
func (s *Server) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.catalog.List(r.Context(), store.WorkflowFilter{
		TenantID:  q.Get("tenant_id"),
		ChannelID: q.Get("channel_id"),
		Status:    models.WorkflowStatus(q.Get("status")),
	})
	if err != nil {
		writeError(w, "listWorkflowsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) createWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var def models.WorkflowDefinition
	if err := decodeJSON(r, &def); err != nil {
		slog.Warn("Server.createWorkflowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	created, err := s.catalog.CreateDraft(r.Context(), &def)
	if err != nil {
		writeError(w, "createWorkflowHandler", err)
		return
	}
	slog.Info("Server.createWorkflowHandler: draft created", "workflowID", created.ID, "tenantID", created.TenantID)
	writeJSONResponse(w, http.StatusCreated, models.Success(created))
}

func (s *Server) createFromTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	created, err := s.catalog.FromTemplate(r.Context(), r.PathValue("template"), req.TenantID, req.ChannelID)
	if err != nil {
		writeError(w, "createFromTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(created))
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	wf, err := s.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getWorkflowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(wf))
}

func (s *Server) updateWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var def models.WorkflowDefinition
	if err := decodeJSON(r, &def); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	updated, err := s.catalog.UpdateDraft(r.Context(), r.PathValue("id"), &def)
	if err != nil {
		writeError(w, "updateWorkflowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}

func (s *Server) publishWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	wf, err := s.catalog.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "publishWorkflowHandler", err)
		return
	}
	slog.Info("Server.publishWorkflowHandler: workflow published", "workflowID", wf.ID, "channelID", wf.ChannelID, "version", wf.Version)
	writeJSONResponse(w, http.StatusOK, models.Success(wf))
}

func (s *Server) archiveWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	wf, err := s.catalog.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "archiveWorkflowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(wf))
}

func (s *Server) newVersionHandler(w http.ResponseWriter, r *http.Request) {
	wf, err := s.catalog.NewVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "newVersionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(wf))
}

func (s *Server) workflowAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.catalog.Analytics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "workflowAnalyticsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

func (s *Server) channelWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ActiveForChannel(r.Context(), r.PathValue("channel"))
	if err != nil {
		writeError(w, "channelWorkflowsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}
