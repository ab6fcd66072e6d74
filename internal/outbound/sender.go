package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// Tracker records the lifecycle of each recipient copy.
type Tracker interface {
	CreateTracking(ctx context.Context, t *domain.TrackingEmail) (*domain.TrackingEmail, error)
	MarkSent(ctx context.Context, trackingID int64, info tracking.SentInfo) error
	MarkSMTPError(ctx context.Context, trackingID int64, smtpServer string, err error) error
}

// Transport delivers a built message.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
	// Server names the relay for error reporting.
	Server() string
}

// Message is one conversation message to be mailed. Each entry of
// Recipients gets its own copy and tracking record.
type Message struct {
	From          string      `json:"from"`
	Subject       string      `json:"subject"`
	HTMLBody      string      `json:"html_body"`
	Recipients    []Recipient `json:"recipients"`
	MailID        *int64      `json:"mail_id,omitempty"`
	MailMessageID *int64      `json:"mail_message_id,omitempty"`
	// ResModel and ResID link every copy to the business record it was
	// sent from.
	ResModel string `json:"res_model,omitempty"`
	ResID    *int64 `json:"res_id,omitempty"`
}

// Recipient is a raw recipient header value and the partner it resolves to.
type Recipient struct {
	To        string `json:"to"`
	PartnerID *int64 `json:"partner_id,omitempty"`
}

// Sender builds, stamps and sends recipient copies.
type Sender struct {
	tracker   Tracker
	injector  *Injector
	transport Transport
	hostname  string
	now       func() time.Time
}

// NewSender creates a sender. hostname is the right-hand side of generated
// Message-IDs.
func NewSender(tracker Tracker, injector *Injector, transport Transport, hostname string) *Sender {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Sender{
		tracker:   tracker,
		injector:  injector,
		transport: transport,
		hostname:  hostname,
		now:       time.Now,
	}
}

// Send mails one copy per recipient and returns their tracking records.
// Transport failures are recorded on the records and never returned; the
// error is only set when a record could not be stored.
func (s *Sender) Send(ctx context.Context, msg Message) ([]domain.TrackingEmail, error) {
	out := make([]domain.TrackingEmail, 0, len(msg.Recipients))
	for _, rcpt := range msg.Recipients {
		rec, err := s.tracker.CreateTracking(ctx, &domain.TrackingEmail{
			Name:          msg.Subject,
			MailID:        msg.MailID,
			MailMessageID: msg.MailMessageID,
			PartnerID:     rcpt.PartnerID,
			ResModel:      msg.ResModel,
			ResID:         msg.ResID,
			Sender:        msg.From,
			Recipient:     rcpt.To,
			Time:          s.now().UTC(),
		})
		if err != nil {
			return out, fmt.Errorf("creating tracking record: %w", err)
		}
		s.deliver(ctx, msg, rcpt, rec)
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Sender) deliver(ctx context.Context, msg Message, rcpt Recipient, rec *domain.TrackingEmail) {
	server := s.transport.Server()
	if rec.RecipientAddress == "" {
		s.recordError(ctx, rec.ID, server, tracking.ErrNoValidRecipient)
		return
	}

	messageID := uuid.NewString() + "@" + s.hostname
	raw, err := s.build(msg, rcpt, rec, messageID)
	if err != nil {
		s.recordError(ctx, rec.ID, server, err)
		return
	}

	if err := s.transport.Send(ctx, domain.FirstAddress(msg.From), []string{rec.RecipientAddress}, raw); err != nil {
		s.recordError(ctx, rec.ID, server, err)
		return
	}

	err = s.tracker.MarkSent(ctx, rec.ID, tracking.SentInfo{
		MessageID:  "<" + messageID + ">",
		Recipient:  rcpt.To,
		SMTPServer: server,
	})
	if err != nil {
		logger.Error("Recording sent state failed", "tracking_email_id", rec.ID, "error", err)
	}
}

// build renders the MIME message for one recipient copy.
func (s *Sender) build(msg Message, rcpt Recipient, rec *domain.TrackingEmail, messageID string) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	if err := setAddresses(&h, "From", msg.From); err != nil {
		return nil, err
	}
	if err := setAddresses(&h, "To", rcpt.To); err != nil {
		return nil, err
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	body, err := s.injector.AddPixel(msg.HTMLBody, *rec)
	if err != nil {
		return nil, err
	}
	if body, err = s.injector.Finalize(&h, body); err != nil {
		return nil, err
	}
	if id, ok := TrackingIDFromHeader(h); !ok || id != rec.ID {
		return nil, fmt.Errorf("correlation header does not match tracking record %d", rec.ID)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Sender) recordError(ctx context.Context, trackingID int64, server string, sendErr error) {
	logger.Warn("Sending tracked email failed", "tracking_email_id", trackingID, "smtp_server", server, "error", sendErr)
	if err := s.tracker.MarkSMTPError(ctx, trackingID, server, sendErr); err != nil {
		logger.Error("Recording send failure failed", "tracking_email_id", trackingID, "error", err)
	}
}

func setAddresses(h *mail.Header, key, raw string) error {
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", strings.ToLower(key), raw, err)
	}
	h.SetAddressList(key, list)
	return nil
}
