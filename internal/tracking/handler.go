package tracking

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/pkg/httputil"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// maxWebhookBody caps webhook payloads.
const maxWebhookBody = 1 << 20

// Handler serves the provider-facing endpoints: the open pixel and the
// webhook receiver.
type Handler struct {
	svc *Service
	now func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/mail/tracking/open/{db}/{id}/blank.gif", h.HandleOpen)
	r.Get("/mail/tracking/open/{db}/{id}/{token}/blank.gif", h.HandleOpen)
	r.Post("/mail/tracking/mailgun/all", h.HandleWebhook)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records an open and always answers with the pixel.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer h.servePixel(w)

	db := chi.URLParam(r, "db")
	if db != h.svc.cfg.Instance {
		logger.Warn("MailTracking open for another instance", "db", db)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return
	}

	outcome, err := h.svc.TrackOpen(r.Context(), id, chi.URLParam(r, "token"), h.requestMetadata(r))
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Warn("MailTracking email not found", "tracking_email_id", id)
	case err != nil:
		logger.Warn("MailTracking open failed", "tracking_email_id", id, "error", err)
	default:
		logger.Debug("MailTracking open", "tracking_email_id", id, "outcome", outcome)
	}
}

// HandleWebhook receives one provider event. Authentication failures and
// unreadable bodies answer 406 so the provider does not retry; an unknown
// tracking id answers 404.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload mailgun.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		logger.Warn("Mailgun webhook: unreadable payload", "error", err)
		httputil.NotAcceptable(w, "invalid payload")
		return
	}

	outcome, err := h.svc.HandleWebhook(r.Context(), payload)
	switch {
	case errors.Is(err, ErrVerification):
		logger.Warn("Mailgun webhook rejected", "error", err)
		httputil.NotAcceptable(w, "webhook verification failed")
	case errors.Is(err, ErrNotFound):
		logger.Warn("Mailgun webhook for unknown tracking email", "event_id", payload.EventData.ID, "error", err)
		httputil.NotFound(w, "tracking email not found")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		logger.Debug("Mailgun webhook processed", "event_id", payload.EventData.ID, "outcome", outcome)
		httputil.Empty(w, http.StatusOK)
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func (h *Handler) requestMetadata(r *http.Request) domain.Metadata {
	now := h.now().UTC()
	ua := r.UserAgent()
	agent := parseUserAgent(ua)
	return domain.Metadata{
		Timestamp: domain.Epoch(now),
		Time:      now,
		Date:      now.Format("2006-01-02"),
		IP:        realIP(r),
		UserAgent: ua,
		OSFamily:  agent.OSFamily,
		UAFamily:  agent.UAFamily,
		UAType:    agent.UAType,
		Mobile:    agent.Mobile,
	}
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, ok := strings.Cut(r.RemoteAddr, ":"); ok && !strings.Contains(r.RemoteAddr, "[") {
		return host
	}
	return r.RemoteAddr
}
