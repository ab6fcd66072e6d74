package tracking

import (
	"context"

	"github.com/ignite/mail-tracking/internal/domain"
)

// EventNotice is the feed message emitted for every stored event.
type EventNotice struct {
	Instance        string               `json:"instance"`
	TrackingEmailID int64                `json:"tracking_email_id"`
	EventID         int64                `json:"event_id"`
	Kind            domain.EventKind     `json:"event_type"`
	State           domain.TrackingState `json:"state"`
	Recipient       string               `json:"recipient,omitempty"`
	PartnerID       *int64               `json:"partner_id,omitempty"`
	MailMessageID   *int64               `json:"mail_message_id,omitempty"`
	URL             string               `json:"url,omitempty"`
	ErrorType       string               `json:"error_type,omitempty"`
	Timestamp       float64              `json:"timestamp"`
}

// EventPublisher receives notices after the transaction that stored the
// events has committed. Publish must not block the caller for long.
type EventPublisher interface {
	Publish(ctx context.Context, n EventNotice)
}

// WithPublisher streams stored events to p.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func (s *Service) notice(t *domain.TrackingEmail, ev *domain.TrackingEvent) EventNotice {
	return EventNotice{
		Instance:        s.cfg.Instance,
		TrackingEmailID: t.ID,
		EventID:         ev.ID,
		Kind:            ev.Kind,
		State:           t.State,
		Recipient:       t.RecipientAddress,
		PartnerID:       t.PartnerID,
		MailMessageID:   t.MailMessageID,
		URL:             ev.URL,
		ErrorType:       ev.ErrorType,
		Timestamp:       ev.Timestamp,
	}
}

func (s *Service) publish(ctx context.Context, notices []EventNotice) {
	if s.publisher == nil {
		return
	}
	for _, n := range notices {
		s.publisher.Publish(ctx, n)
	}
}
