package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/logging"
	"github.com/rcourtman/pulse-quota/internal/registry"
	"github.com/rcourtman/pulse-quota/pkg/audit"
)

// Audit actions emitted by the fulfillment endpoints.
const (
	ActionMarketplaceResolve    = "marketplace.resolve"
	ActionMarketplaceActivate   = "marketplace.activate"
	ActionMarketplaceUpdate     = "marketplace.update"
	ActionMarketplaceSuspend    = "marketplace.suspend"
	ActionMarketplaceDeactivate = "marketplace.deactivate"
)

const maxBodyBytes = 1 << 20

// FulfillmentDefaults are applied to subscriptions created through resolve.
type FulfillmentDefaults struct {
	QuantityIncluded int
	Dimension        string
}

// ResolveRequest carries a resolved marketplace purchase.
type ResolveRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	TenantID       string `json:"tenantId"`
	PlanID         string `json:"planId"`
	Quantity       int    `json:"quantity"`
}

// PlanChangeRequest is the body of activate and update calls.
type PlanChangeRequest struct {
	PlanID   string `json:"planId"`
	Quantity int    `json:"quantity"`
}

type fulfillmentHandlers struct {
	registry registry.Registry
	audit    audit.Logger
	defaults FulfillmentDefaults
	now      func() time.Time
}

func (h *fulfillmentHandlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body", nil)
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.SubscriptionID == "" || req.TenantID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "subscriptionId and tenantId are required", nil)
		return
	}

	attrs := registry.UpsertAttrs{
		ExternalSubscriptionID: req.SubscriptionID,
		TenantID:               registry.Ptr(req.TenantID),
		QuantityIncluded:       registry.Ptr(h.defaults.QuantityIncluded),
		Dimension:              registry.Ptr(h.defaults.Dimension),
	}
	if req.PlanID != "" {
		attrs.PlanID = registry.Ptr(req.PlanID)
	}

	sub, err := h.registry.UpsertByExternalID(r.Context(), attrs)
	if err != nil {
		h.fail(w, r, ActionMarketplaceResolve, req.SubscriptionID, err)
		return
	}

	log.Info().
		Str("requestId", logging.RequestIDFromContext(r.Context())).
		Str("subscriptionId", sub.ExternalSubscriptionID).
		Str("status", string(sub.Status)).
		Msg("Marketplace subscription resolved")

	h.audit.Log(audit.Entry{
		Action:         ActionMarketplaceResolve,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ExternalSubscriptionID,
		RequestID:      logging.RequestIDFromContext(r.Context()),
		Result:         audit.ResultSuccess,
		Details:        map[string]interface{}{"planId": sub.PlanID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptionId": sub.ExternalSubscriptionID,
		"planId":         sub.PlanID,
		"quantity":       req.Quantity,
		"tenantId":       sub.TenantID,
		"status":         sub.Status,
	})
}

func (h *fulfillmentHandlers) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req PlanChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body", nil)
		return
	}

	upd := registry.SubscriptionUpdate{
		Status:      registry.Ptr(registry.StatusSubscribed),
		ActivatedAt: registry.Ptr(h.now().UTC()),
	}
	if req.PlanID != "" {
		upd.PlanID = registry.Ptr(req.PlanID)
	}
	h.transition(w, r, ActionMarketplaceActivate, upd,
		map[string]interface{}{"planId": req.PlanID, "quantity": req.Quantity},
		"Subscription activated successfully")
}

func (h *fulfillmentHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req PlanChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body", nil)
		return
	}
	if req.Quantity < 0 {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_body", "quantity must not be negative", nil)
		return
	}

	var upd registry.SubscriptionUpdate
	if req.PlanID != "" {
		upd.PlanID = registry.Ptr(req.PlanID)
	}
	if req.Quantity > 0 {
		upd.QuantityIncluded = registry.Ptr(req.Quantity)
	}
	h.transition(w, r, ActionMarketplaceUpdate, upd,
		map[string]interface{}{"planId": req.PlanID, "quantity": req.Quantity},
		"Subscription updated successfully")
}

func (h *fulfillmentHandlers) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, ActionMarketplaceSuspend,
		registry.SubscriptionUpdate{Status: registry.Ptr(registry.StatusSuspended)},
		nil, "Subscription suspended successfully")
}

func (h *fulfillmentHandlers) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, ActionMarketplaceDeactivate,
		registry.SubscriptionUpdate{Status: registry.Ptr(registry.StatusUnsubscribed)},
		nil, "Subscription deactivated successfully")
}

// transition applies upd to the subscription named in the path.
func (h *fulfillmentHandlers) transition(w http.ResponseWriter, r *http.Request, action string, upd registry.SubscriptionUpdate, details map[string]interface{}, message string) {
	externalID := r.PathValue("id")
	ctx := r.Context()

	current, err := h.registry.GetByExternalID(ctx, externalID)
	if err != nil {
		h.fail(w, r, action, externalID, err)
		return
	}

	updated, err := h.registry.Update(ctx, current.ID, upd)
	if errors.Is(err, registry.ErrInvalidTransition) {
		h.rejectTransition(w, r, action, current, err)
		return
	}
	if err != nil {
		h.fail(w, r, action, externalID, err)
		return
	}

	if details == nil {
		details = map[string]interface{}{}
	}
	details["previousStatus"] = string(current.Status)
	details["status"] = string(updated.Status)
	if current.PlanID != updated.PlanID {
		details["previousPlanId"] = current.PlanID
	}

	log.Info().
		Str("requestId", logging.RequestIDFromContext(ctx)).
		Str("subscriptionId", externalID).
		Str("action", action).
		Str("status", string(updated.Status)).
		Msg("Marketplace subscription changed")

	h.audit.Log(audit.Entry{
		Action:         action,
		TenantID:       updated.TenantID,
		SubscriptionID: externalID,
		RequestID:      logging.RequestIDFromContext(ctx),
		Result:         audit.ResultSuccess,
		Details:        details,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      message,
		"subscription": updated,
	})
}

// rejectTransition answers 409 and tells the caller which statuses the
// subscription can still move to.
func (h *fulfillmentHandlers) rejectTransition(w http.ResponseWriter, r *http.Request, action string, current *registry.Subscription, err error) {
	allowed := registry.ValidTransitionsFrom(current.Status)
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		names = append(names, string(s))
	}

	h.audit.Log(audit.Entry{
		Action:         action,
		TenantID:       current.TenantID,
		SubscriptionID: current.ExternalSubscriptionID,
		RequestID:      logging.RequestIDFromContext(r.Context()),
		Result:         audit.ResultError,
		Details: map[string]interface{}{
			"error":              err.Error(),
			"status":             string(current.Status),
			"allowedTransitions": names,
		},
	})

	writeErrorResponse(w, r, http.StatusConflict, "invalid_transition", err.Error(), map[string]string{
		"currentStatus":      string(current.Status),
		"allowedTransitions": strings.Join(names, ","),
	})
}

func (h *fulfillmentHandlers) fail(w http.ResponseWriter, r *http.Request, action, externalID string, err error) {
	h.audit.Log(audit.Entry{
		Action:         action,
		SubscriptionID: externalID,
		RequestID:      logging.RequestIDFromContext(r.Context()),
		Result:         audit.ResultError,
		Details:        map[string]interface{}{"error": err.Error()},
	})

	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "Subscription not found", nil)
	case errors.Is(err, registry.ErrInvalidTransition):
		writeErrorResponse(w, r, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidInput):
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	default:
		writeErrorResponse(w, r, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to update subscription"), nil)
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
