package bounce

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-tracking/internal/config"
	"github.com/ignite/mail-tracking/internal/pkg/httputil"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// Handler serves the partner address operations.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/validate", h.HandleValidate)
	r.Post("/{id}/check-bounced", h.HandleCheckBounced)
	r.Post("/{id}/force-bounced", h.HandleForceBounced)
	r.Post("/{id}/unset-bounced", h.HandleUnsetBounced)
	return r
}

// HandleValidate runs the mailbox validation. ?auto=true applies the
// automatic-check behavior.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := partnerID(w, r)
	if !ok {
		return
	}
	auto, _ := strconv.ParseBool(r.URL.Query().Get("auto"))
	v, err := h.svc.ValidatePartner(r.Context(), id, auto)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, v)
}

func (h *Handler) HandleCheckBounced(w http.ResponseWriter, r *http.Request) {
	id, ok := partnerID(w, r)
	if !ok {
		return
	}
	bounced, err := h.svc.CheckBounced(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"partner_id": id, "email_bounced": bounced})
}

func (h *Handler) HandleForceBounced(w http.ResponseWriter, r *http.Request) {
	id, ok := partnerID(w, r)
	if !ok {
		return
	}
	if err := h.svc.ForceSetBounced(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"partner_id": id, "email_bounced": true})
}

func (h *Handler) HandleUnsetBounced(w http.ResponseWriter, r *http.Request) {
	id, ok := partnerID(w, r)
	if !ok {
		return
	}
	if err := h.svc.ForceUnsetBounced(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"partner_id": id, "email_bounced": false})
}

func partnerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid partner id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrPartnerNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, config.ErrMissingAPIKey), errors.Is(err, config.ErrMissingDomain), errors.Is(err, config.ErrMissingValidationKey):
		httputil.ErrorCode(w, http.StatusBadRequest, "not_configured", err.Error())
	case errors.Is(err, ErrNoEmail):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrMailboxFailed), errors.Is(err, ErrMailboxUnverifiable):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "invalid_email", err.Error())
	case errors.Is(err, ErrCheckFailed), errors.Is(err, ErrNoMailboxVerdict), errors.Is(err, ErrProviderBounceUpdate),
		errors.Is(err, tracking.ErrProviderUnavailable):
		httputil.Unavailable(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
