package outbound

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/pkg/httputil"
)

// Handler exposes the sender over HTTP.
type Handler struct {
	sender *Sender
}

func NewHandler(sender *Sender) *Handler {
	return &Handler{sender: sender}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/send", h.HandleSend)
	return r
}

type sendResponse struct {
	Trackings []domain.TrackingEmail `json:"trackings"`
}

// HandleSend mails a message to each recipient. Delivery failures show up
// as error-state records in the response, not as an HTTP error.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if !httputil.Decode(w, r, &msg) {
		return
	}
	if strings.TrimSpace(msg.From) == "" {
		httputil.BadRequest(w, "from is required")
		return
	}
	if len(msg.Recipients) == 0 {
		httputil.BadRequest(w, "at least one recipient is required")
		return
	}

	recs, err := h.sender.Send(r.Context(), msg)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, sendResponse{Trackings: recs})
}
