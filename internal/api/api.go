// Package api provides the HTTP server of FlowPipe.
//
// It exposes the inbound webhooks, session status queries, the workflow
// catalog and the operational endpoints (/healthz, /metrics).
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr    string
	Metrics *metrics.Collector
	// Twilio maps channel ids to the services receiving their webhooks.
	Twilio map[string]*messaging.TwilioService
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMetrics instruments every route and serves /metrics from c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithTwilioChannel serves svc's webhook at /webhooks/twilio/{channelID}.
func WithTwilioChannel(channelID string, svc *messaging.TwilioService) Option {
	return func(o *Opts) {
		if o.Twilio == nil {
			o.Twilio = make(map[string]*messaging.TwilioService)
		}
		o.Twilio[channelID] = svc
	}
}

// Server is the FlowPipe HTTP API.
type Server struct {
	engine  *flow.Engine
	catalog *flow.Catalog
	opts    Opts
}

// NewServer creates a Server over engine and its catalog.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{engine: engine, catalog: engine.Catalog(), opts: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		if s.opts.Metrics != nil {
			h = s.opts.Metrics.Instrument(pattern, h)
		}
		mux.HandleFunc(pattern, h)
	}

	handle("GET /healthz", s.healthHandler)
	handle("POST /webhooks/inbound", s.inboundHandler)
	handle("POST /webhooks/twilio/{channel}", s.twilioWebhookHandler)

	handle("GET /sessions/{id}", s.getSessionHandler)
	handle("GET /sessions/{id}/deliveries", s.sessionDeliveriesHandler)
	handle("GET /channels/{channel}/contacts/{contact}/session", s.activeSessionHandler)
	handle("GET /workflows/{id}/sessions", s.workflowSessionsHandler)

	handle("GET /templates", s.listTemplatesHandler)
	handle("GET /workflows", s.listWorkflowsHandler)
	handle("POST /workflows", s.createWorkflowHandler)
	handle("POST /templates/{template}/workflows", s.createFromTemplateHandler)
	handle("GET /workflows/{id}", s.getWorkflowHandler)
	handle("PUT /workflows/{id}", s.updateWorkflowHandler)
	handle("POST /workflows/{id}/publish", s.publishWorkflowHandler)
	handle("POST /workflows/{id}/archive", s.archiveWorkflowHandler)
	handle("POST /workflows/{id}/versions", s.newVersionHandler)
	handle("GET /workflows/{id}/analytics", s.workflowAnalyticsHandler)
	handle("GET /channels/{channel}/workflows", s.channelWorkflowsHandler)

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
