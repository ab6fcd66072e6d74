package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// NoteRenderer produces the chatter notes posted on bounce fan-out.
type NoteRenderer interface {
	BounceNote(email, reason, eventRef string) (string, error)
}

// Machine applies events to tracking records. Every method works on the
// store it is given, so callers control the transaction.
type Machine struct {
	dedup *DedupGuard
	notes NoteRenderer
	now   func() time.Time
}

// NewMachine creates a state machine.
func NewMachine(dedup *DedupGuard, notes NoteRenderer) *Machine {
	if dedup == nil {
		dedup = NewDedupGuard(0, 0)
	}
	return &Machine{dedup: dedup, notes: notes, now: time.Now}
}

// RecordEvent appends an event of kind to t and advances its state. It
// returns nil, nil when the event was collapsed by the dedup window or the
// kind has no transition. ErrDuplicateEvent is passed through from the
// store.
func (m *Machine) RecordEvent(ctx context.Context, st Store, t *domain.TrackingEmail, kind domain.EventKind, md domain.Metadata) (*domain.TrackingEvent, error) {
	tr, ok := transitionFor(kind)
	if !ok {
		logger.Info("Unknown event type", "event_type", kind, "tracking_email_id", t.ID)
		return nil, nil
	}

	ts := md.Timestamp
	evTime := md.Time
	if ts == 0 {
		evTime = m.now().UTC()
		ts = domain.Epoch(evTime)
	}

	dup, err := m.dedup.Duplicate(ctx, st, t.ID, kind, ts, md.URL)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup {
		logger.Debug("Concurrent event discarded", "event_type", kind, "tracking_email_id", t.ID)
		return nil, nil
	}

	ev := &domain.TrackingEvent{
		TrackingEmailID:  t.ID,
		Kind:             kind,
		Timestamp:        ts,
		Time:             evTime,
		ProviderEventID:  md.ProviderEventID,
		Recipient:        md.Recipient,
		IP:               md.IP,
		UserAgent:        md.UserAgent,
		OSFamily:         md.OSFamily,
		UAFamily:         md.UAFamily,
		UAType:           md.UAType,
		Mobile:           md.Mobile,
		SMTPServer:       md.SMTPServer,
		URL:              md.URL,
		ErrorType:        md.ErrorType,
		ErrorDescription: md.ErrorDescription,
		ErrorDetails:     md.ErrorDetails,
	}
	if md.Country != nil {
		ev.CountryCode = md.Country.Code
	}

	id, err := st.CreateEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	ev.ID = id

	if !tr.keep {
		if err := m.setState(ctx, st, t, tr.state); err != nil {
			return nil, err
		}
	}
	if tr.bounce {
		if err := m.propagateBounce(ctx, st, t, string(kind), ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// SentInfo describes a message accepted by the SMTP transport.
type SentInfo struct {
	MessageID  string
	Recipient  string
	SMTPServer string
}

// MarkSent records a successful hand-off: state sent, outbound message id
// stored, a sent event appended, and the partner linked into the message
// audience when missing.
func (m *Machine) MarkSent(ctx context.Context, st Store, t *domain.TrackingEmail, info SentInfo) (*domain.TrackingEvent, error) {
	if info.MessageID != "" {
		t.MessageID = info.MessageID
	}
	if err := m.linkPartner(ctx, st, t); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	return m.RecordEvent(ctx, st, t, domain.KindSent, domain.Metadata{
		Timestamp:  domain.Epoch(now),
		Time:       now,
		Recipient:  info.Recipient,
		SMTPServer: info.SMTPServer,
	})
}

// MarkSMTPError records a transport failure on t. A missing recipient with
// no address on the record is stored as no_recipient without bounce
// fan-out, since there is no partner to notify.
func (m *Machine) MarkSMTPError(ctx context.Context, st Store, t *domain.TrackingEmail, smtpServer string, sendErr error) error {
	if errors.Is(sendErr, ErrNoValidRecipient) && t.RecipientAddress == "" {
		t.ErrorType = "no_recipient"
		t.ErrorDescription = "The partner doesn't have a defined email"
		return m.setState(ctx, st, t, domain.StateError)
	}

	t.ErrorSMTPServer = smtpServer
	t.ErrorType = errorTypeName(sendErr)
	t.ErrorDescription = sendErr.Error()
	if err := m.setState(ctx, st, t, domain.StateError); err != nil {
		return err
	}
	return m.propagateBounce(ctx, st, t, "error", nil)
}

func (m *Machine) setState(ctx context.Context, st Store, t *domain.TrackingEmail, state domain.TrackingState) error {
	t.State = state
	if err := st.UpdateTracking(ctx, t); err != nil {
		return fmt.Errorf("updating tracking email %d: %w", t.ID, err)
	}
	if state.Failed() && t.MailMessageID != nil {
		if err := st.SetNeedsAction(ctx, *t.MailMessageID, true); err != nil && !errors.Is(err, ErrMessageNotFound) {
			return fmt.Errorf("flagging message %d: %w", *t.MailMessageID, err)
		}
	}
	return nil
}

func (m *Machine) linkPartner(ctx context.Context, st Store, t *domain.TrackingEmail) error {
	if t.MailMessageID == nil || t.PartnerID == nil {
		return nil
	}
	msg, err := st.GetMessage(ctx, *t.MailMessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if containsID(msg.PartnerIDs, *t.PartnerID) {
		return nil
	}
	return st.AddMessagePartner(ctx, msg.ID, *t.PartnerID)
}

// propagateBounce flags every partner whose email matches the bounced
// address and posts a note to their conversation.
func (m *Machine) propagateBounce(ctx context.Context, st Store, t *domain.TrackingEmail, reason string, ev *domain.TrackingEvent) error {
	address := t.RecipientAddress
	eventRef := "unknown"
	if ev != nil {
		eventRef = strconv.FormatInt(ev.ID, 10)
		if a := ev.RecipientAddress(); a != "" {
			address = a
		}
	}
	if address == "" {
		return nil
	}

	partners, err := st.PartnersByEmail(ctx, address)
	if err != nil {
		return fmt.Errorf("looking up partners for bounce: %w", err)
	}
	for _, p := range partners {
		if p.Email == "" {
			continue
		}
		if err := st.SetEmailBounced(ctx, p.ID, true); err != nil {
			return fmt.Errorf("flagging partner %d bounced: %w", p.ID, err)
		}
		body := fmt.Sprintf("Email has been bounced: %s\nReason: %s\nEvent: %s", p.Email, reason, eventRef)
		if m.notes != nil {
			rendered, err := m.notes.BounceNote(p.Email, reason, eventRef)
			if err != nil {
				logger.Warn("Bounce note template failed, using plain text", "partner_id", p.ID, "error", err)
			} else {
				body = rendered
			}
		}
		if err := st.PostNote(ctx, p.ID, body); err != nil {
			return fmt.Errorf("posting bounce note to partner %d: %w", p.ID, err)
		}
		logger.Info("Partner email bounced", "partner_id", p.ID, "reason", reason, "event", eventRef)
	}
	return nil
}

// errorTypeName names the innermost error's type, e.g. "textproto.Error".
func errorTypeName(err error) string {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
