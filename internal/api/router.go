package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/gate"
	"github.com/rcourtman/pulse-quota/internal/logging"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Gate     *gate.Gate
	Registry registry.Registry
	Audit    audit.Logger

	// Conversation serves the websocket turn transport; nil disables it.
	Conversation http.Handler
	// QuestionHandler answers POST /api/messages after quota admission.
	QuestionHandler http.Handler
	Webhook         WebhookValidator
	// AuditQuery backs GET /api/audit; nil disables the endpoint.
	AuditQuery AuditQuerier

	Quota       MiddlewareConfig
	Fulfillment FulfillmentDefaults
	Version     string
}

// Router handles HTTP routing.
type Router struct {
	mux     *http.ServeMux
	cfg     RouterConfig
	handler http.Handler
}

type pinger interface {
	Ping(ctx context.Context) error
}

type sessionCounter interface {
	ActiveSessions() int
}

// AuditQuerier reads back persisted audit entries.
type AuditQuerier interface {
	Query(filter audit.QueryFilter) ([]audit.Entry, error)
	GetRetentionDays() int
}

const (
	defaultAuditQueryLimit = 100
	maxAuditQueryLimit     = 1000
)

// NewRouter builds the service's HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.QuestionHandler == nil {
		cfg.QuestionHandler = http.HandlerFunc(handleQuestion)
	}
	if cfg.Fulfillment.QuantityIncluded <= 0 {
		cfg.Fulfillment.QuantityIncluded = registry.DevQuantityIncluded
	}
	if cfg.Fulfillment.Dimension == "" {
		cfg.Fulfillment.Dimension = gate.DefaultDimension
	}
	cfg.Audit = audit.Safe(cfg.Audit)

	r := &Router{mux: http.NewServeMux(), cfg: cfg}
	r.setupRoutes()
	r.handler = ErrorHandler(QuotaMiddleware(cfg.Gate, cfg.Quota)(r.mux))
	return r
}

func (r *Router) setupRoutes() {
	fh := &fulfillmentHandlers{
		registry: r.cfg.Registry,
		audit:    r.cfg.Audit,
		defaults: r.cfg.Fulfillment,
		now:      time.Now,
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("POST "+r.questionPath(), r.cfg.QuestionHandler)
	r.mux.HandleFunc("GET /api/quota", r.handleQuota)
	if r.cfg.Conversation != nil {
		r.mux.Handle("GET /api/turns", r.cfg.Conversation)
	}
	if r.cfg.AuditQuery != nil {
		r.mux.HandleFunc("GET /api/audit", requireWebhook(r.cfg.Webhook, r.handleAuditQuery))
	}

	r.mux.HandleFunc("POST /marketplace/resolve", requireWebhook(r.cfg.Webhook, fh.handleResolve))
	r.mux.HandleFunc("POST /marketplace/{id}/activate", requireWebhook(r.cfg.Webhook, fh.handleActivate))
	r.mux.HandleFunc("POST /marketplace/{id}/update", requireWebhook(r.cfg.Webhook, fh.handleUpdate))
	r.mux.HandleFunc("POST /marketplace/{id}/suspend", requireWebhook(r.cfg.Webhook, fh.handleSuspend))
	r.mux.HandleFunc("POST /marketplace/{id}/deactivate", requireWebhook(r.cfg.Webhook, fh.handleDeactivate))
}

func (r *Router) questionPath() string {
	if r.cfg.Quota.QuestionPath != "" {
		return r.cfg.Quota.QuestionPath
	}
	return DefaultQuestionPath
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/marketplace/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
	}
	r.handler.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{}

	if p, ok := r.cfg.Registry.(pinger); ok {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("Registry health check failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
			checks["registry"] = "unavailable"
		} else {
			checks["registry"] = "ok"
		}
	}
	if c, ok := r.cfg.Conversation.(sessionCounter); ok {
		checks["conversationSessions"] = strconv.Itoa(c.ActiveSessions())
	}

	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now().Unix(),
		"version":      r.cfg.Version,
		"quotaEnabled": r.cfg.Gate != nil && r.cfg.Gate.Enabled(),
		"checks":       checks,
	})
}

// handleQuota reports the current quota position of a subscription, looked
// up by header or query parameter, without consuming anything.
func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request) {
	subj := gate.Subject{
		ExternalSubscriptionID: strings.TrimSpace(req.Header.Get(HeaderSubscriptionID)),
		TenantID:               strings.TrimSpace(req.URL.Query().Get("tenantId")),
		RequestID:              logging.RequestIDFromContext(req.Context()),
		Channel:                gate.ChannelHTTP,
	}
	if subj.ExternalSubscriptionID == "" {
		subj.ExternalSubscriptionID = strings.TrimSpace(req.URL.Query().Get("subscriptionId"))
	}
	if !subj.Identified() {
		writeErrorResponse(w, req, http.StatusBadRequest, "missing_subscription",
			"A subscription id or tenant id is required", nil)
		return
	}

	snap, err := r.cfg.Gate.Snapshot(req.Context(), subj)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeErrorResponse(w, req, http.StatusNotFound, "not_found", "Subscription not found", nil)
		return
	case err != nil:
		writeErrorResponse(w, req, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to compute quota"), nil)
		return
	}

	setQuotaHeaders(w.Header(), *snap)
	writeJSON(w, http.StatusOK, snap)
}

type questionRequest struct {
	Question string `json:"question"`
}

// handleQuestion is the placeholder question endpoint: it acknowledges the
// question and echoes the caller's quota position.
func handleQuestion(w http.ResponseWriter, req *http.Request) {
	var body questionRequest
	if err := decodeBody(req, &body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "Invalid request body", nil)
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "question is required", nil)
		return
	}

	resp := map[string]interface{}{
		"requestId": logging.RequestIDFromContext(req.Context()),
		"answer":    "Received: " + body.Question,
	}
	if snap, ok := SnapshotFromContext(req.Context()); ok {
		resp["quota"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuditQuery lists audit entries, newest first.
func (r *Router) handleAuditQuery(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := audit.QueryFilter{
		Action:         strings.TrimSpace(q.Get("action")),
		SubscriptionID: strings.TrimSpace(q.Get("subscriptionId")),
		Result:         audit.Result(strings.TrimSpace(q.Get("result"))),
		Limit:          defaultAuditQueryLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErrorResponse(w, req, http.StatusBadRequest, "invalid_query", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = min(n, maxAuditQueryLimit)
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.StartTime}, {"until", &filter.EndTime}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorResponse(w, req, http.StatusBadRequest, "invalid_query", p.name+" must be an RFC 3339 timestamp", nil)
			return
		}
		*p.dst = &ts
	}

	entries, err := r.cfg.AuditQuery.Query(filter)
	if err != nil {
		writeErrorResponse(w, req, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to query audit log"), nil)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":       entries,
		"count":         len(entries),
		"retentionDays": r.cfg.AuditQuery.GetRetentionDays(),
	})
}
