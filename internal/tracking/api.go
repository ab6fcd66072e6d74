package tracking

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-tracking/internal/config"
	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/pkg/httputil"
)

// ScopeFunc derives the caller's read scope from a request.
type ScopeFunc func(r *http.Request) AccessScope

// AdminScope grants full visibility.
func AdminScope(*http.Request) AccessScope { return AccessScope{Admin: true} }

// APIHandler serves the operator endpoints over tracking records.
type APIHandler struct {
	svc      *Service
	webhooks *WebhookManager
	scope    ScopeFunc
}

func NewAPIHandler(svc *Service, webhooks *WebhookManager, scope ScopeFunc) *APIHandler {
	if scope == nil {
		scope = AdminScope
	}
	return &APIHandler{svc: svc, webhooks: webhooks, scope: scope}
}

func (h *APIHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/trackings", h.HandleList)
	r.Get("/trackings/{id}", h.HandleGet)
	r.Post("/trackings/{id}/check", h.HandleCheck)
	r.Get("/email-score", h.HandleEmailScore)
	r.Get("/failed-messages", h.HandleFailedMessages)
	r.Post("/messages/{id}/resolve", h.HandleResolve)
	r.Post("/messages/{id}/bounces", h.HandleInboundBounce)
	r.Get("/records/{model}/{id}/mail-status", h.HandleRecordMailStatus)
	if h.webhooks != nil {
		r.Post("/mailgun/webhooks", h.HandleRegisterWebhooks)
		r.Delete("/mailgun/webhooks", h.HandleUnregisterWebhooks)
	}
	return r
}

type trackingDetail struct {
	domain.TrackingEmail
	Events []domain.TrackingEvent `json:"events"`
}

func (h *APIHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{
		State:     domain.TrackingState(q.Get("state")),
		Recipient: q.Get("recipient"),
		Scope:     h.scope(r),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}

	items, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if items == nil {
		items = []domain.TrackingEmail{}
	}
	httputil.OK(w, map[string]any{"items": items, "total": total})
}

func (h *APIHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	scope := h.scope(r)
	t, err := h.svc.Get(r.Context(), id, scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	events, err := h.svc.Events(r.Context(), id, scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []domain.TrackingEvent{}
	}
	httputil.OK(w, trackingDetail{TrackingEmail: *t, Events: events})
}

type recordMailStatus struct {
	ResModel        string               `json:"res_model"`
	ResID           int64                `json:"res_id"`
	TrackingEmailID int64                `json:"tracking_email_id"`
	MailStatus      domain.TrackingState `json:"mail_status"`
}

// HandleRecordMailStatus reports the delivery state of the latest mail sent
// from a business record.
func (h *APIHandler) HandleRecordMailStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	model := chi.URLParam(r, "model")
	t, err := h.svc.RecordMailStatus(r.Context(), model, id, h.scope(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, recordMailStatus{
		ResModel:        model,
		ResID:           id,
		TrackingEmailID: t.ID,
		MailStatus:      t.State,
	})
}

// HandleCheck runs a manual reconciliation against the provider.
func (h *APIHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Get(r.Context(), id, h.scope(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	applied, err := h.svc.ManualCheck(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"applied": applied})
}

func (h *APIHandler) HandleEmailScore(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	score, err := h.svc.EmailScore(r.Context(), email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	bounced, err := h.svc.IsEmailBounced(r.Context(), email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"email": email, "score": score, "bounced": bounced})
}

func (h *APIHandler) HandleFailedMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	msgs, err := h.svc.FailedMessages(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.FailedMessage{}
	}
	httputil.OK(w, msgs)
}

func (h *APIHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.ResolveFailed(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

type inboundBounceRequest struct {
	Email            string `json:"email"`
	PartnerID        *int64 `json:"partner_id"`
	ErrorType        string `json:"error_type"`
	ErrorDescription string `json:"error_description"`
}

// HandleInboundBounce records a bounce notification received for one of
// the platform's messages.
func (h *APIHandler) HandleInboundBounce(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req inboundBounceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" && req.PartnerID == nil {
		httputil.BadRequest(w, "email or partner_id is required")
		return
	}
	if req.ErrorType == "" {
		req.ErrorType = "bounce"
	}
	now := time.Now().UTC()
	n, err := h.svc.RecordInboundBounce(r.Context(), InboundBounce{
		MailMessageID:    id,
		BouncedEmail:     req.Email,
		BouncedPartnerID: req.PartnerID,
		Metadata: domain.Metadata{
			Timestamp:        domain.Epoch(now),
			Time:             now,
			Date:             now.Format("2006-01-02"),
			Recipient:        req.Email,
			ErrorType:        req.ErrorType,
			ErrorDescription: req.ErrorDescription,
		},
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"events": n})
}

func (h *APIHandler) HandleRegisterWebhooks(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Register(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"url": h.webhooks.Target()})
}

func (h *APIHandler) HandleUnregisterWebhooks(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Unregister(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

// writeServiceError maps tracking errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMessageNotFound), errors.Is(err, ErrPartnerNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, ErrNoMessageID), errors.Is(err, ErrEventsExpired):
		httputil.ErrorCode(w, http.StatusConflict, "not_checkable", err.Error())
	case errors.Is(err, ErrProviderUnavailable):
		httputil.Unavailable(w, err.Error())
	case errors.Is(err, config.ErrMissingAPIKey), errors.Is(err, config.ErrMissingDomain), errors.Is(err, config.ErrMissingValidationKey):
		httputil.ErrorCode(w, http.StatusBadRequest, "not_configured", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
