package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-quota/internal/gate"
	"github.com/rcourtman/pulse-quota/internal/logging"
	"github.com/rcourtman/pulse-quota/internal/quota"
)

// Headers read and written by the quota middleware.
const (
	HeaderSubscriptionID = "x-apim-subscription-id"
	HeaderUserID         = "x-user-id"

	HeaderQuotaRemaining = "x-quota-remaining"
	HeaderQuotaTotal     = "x-quota-total"
	HeaderQuotaReset     = "x-quota-reset-date"
	HeaderOverage        = "x-overage-enabled"
	HeaderQuotaWarning   = "x-quota-warning"
)

// DefaultQuestionPath is the only endpoint subject to quota enforcement.
const DefaultQuestionPath = "/api/messages"

const unknownUser = "unknown"

// MiddlewareConfig selects which requests the quota middleware inspects.
type MiddlewareConfig struct {
	QuestionPath string
	SkipPaths    []string // prefix matches are passed through untouched
}

func (c MiddlewareConfig) applies(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	for _, skip := range c.SkipPaths {
		if skip != "" && strings.HasPrefix(r.URL.Path, skip) {
			return false
		}
	}
	return r.URL.Path == c.QuestionPath
}

type snapshotKey struct{}

// SnapshotFromContext returns the quota snapshot attached by QuotaMiddleware.
func SnapshotFromContext(ctx context.Context) (*quota.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotKey{}).(*quota.Snapshot)
	return snap, ok && snap != nil
}

// QuotaExceededResponse is the 429 body returned for denied requests.
type QuotaExceededResponse struct {
	Error   string               `json:"error"`
	Message string               `json:"message"`
	Details QuotaExceededDetails `json:"details"`
}

type QuotaExceededDetails struct {
	RemainingQuota int64     `json:"remainingQuota"`
	TotalQuota     int64     `json:"totalQuota"`
	ResetDate      time.Time `json:"resetDate"`
	OverageEnabled bool      `json:"overageEnabled"`
}

// QuotaMiddleware enforces quota on the question endpoint. Allowed requests
// get quota headers and a snapshot in their context; usage is reported only
// when the handler responds with a 2xx status.
func QuotaMiddleware(g *gate.Gate, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.QuestionPath == "" {
		cfg.QuestionPath = DefaultQuestionPath
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.applies(r) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := logging.RequestIDFromContext(r.Context())
			if requestID == "" {
				var ctx context.Context
				ctx, requestID = logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get("X-Request-ID")))
				r = r.WithContext(ctx)
			}

			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				userID = unknownUser
			}

			adm := g.Check(r.Context(), gate.Subject{
				ExternalSubscriptionID: strings.TrimSpace(r.Header.Get(HeaderSubscriptionID)),
				UserID:                 userID,
				RequestID:              requestID,
				Channel:                gate.ChannelHTTP,
			})

			if !adm.Allowed() {
				writeQuotaExceeded(w, adm)
				return
			}

			if snap := adm.Snapshot(); snap != nil {
				setQuotaHeaders(w.Header(), *snap)
				r = r.WithContext(context.WithValue(r.Context(), snapshotKey{}, snap))
			}

			rw, ok := w.(*responseWriter)
			if !ok {
				rw = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			}

			succeeded := false
			defer func() { adm.Complete(succeeded) }()

			next.ServeHTTP(rw, r)
			succeeded = rw.StatusCode() >= 200 && rw.StatusCode() < 300
		})
	}
}

func setQuotaHeaders(h http.Header, snap quota.Snapshot) {
	h.Set(HeaderQuotaRemaining, strconv.FormatInt(snap.RemainingQuota, 10))
	h.Set(HeaderQuotaTotal, strconv.FormatInt(snap.TotalQuota, 10))
	h.Set(HeaderQuotaReset, snap.ResetDate.UTC().Format(time.RFC3339))
	h.Set(HeaderOverage, strconv.FormatBool(snap.OverageEnabled))
	if level := quota.WarningLevel(snap); level != "" {
		h.Set(HeaderQuotaWarning, level)
	}
}

func writeQuotaExceeded(w http.ResponseWriter, adm *gate.Admission) {
	resp := QuotaExceededResponse{
		Error:   "Quota Exceeded",
		Message: adm.Reason(),
	}
	if snap := adm.Snapshot(); snap != nil {
		resp.Details = QuotaExceededDetails{
			RemainingQuota: snap.RemainingQuota,
			TotalQuota:     snap.TotalQuota,
			ResetDate:      snap.ResetDate,
			OverageEnabled: snap.OverageEnabled,
		}
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
}
