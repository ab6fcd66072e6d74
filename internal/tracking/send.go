package tracking

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/mail-tracking/internal/domain"
)

// CreateTracking stores a new record for one outgoing recipient copy. A
// fresh token is generated, the recipient address derived and the
// creation time stamped.
func (s *Service) CreateTracking(ctx context.Context, t *domain.TrackingEmail) (*domain.TrackingEmail, error) {
	rec := *t
	if rec.Token == "" {
		rec.Token = NewToken()
	}
	rec.RecipientAddress = domain.FirstAddress(rec.Recipient)
	if rec.Time.IsZero() {
		rec.Time = s.machine.now().UTC()
	}
	rec.Timestamp = domain.Epoch(rec.Time)
	if rec.ResModel == "" || rec.ResID == nil {
		rec.ResModel, rec.ResID = "", nil
	}

	err := s.store.RunInTx(ctx, func(tx Store) error {
		id, err := tx.CreateTracking(ctx, &rec)
		if err != nil {
			return err
		}
		rec.ID = id
		if rec.State.Failed() && rec.MailMessageID != nil {
			return tx.SetNeedsAction(ctx, *rec.MailMessageID, true)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkSent records a successful SMTP hand-off for a record.
func (s *Service) MarkSent(ctx context.Context, trackingID int64, info SentInfo) error {
	return s.store.RunInTx(ctx, func(tx Store) error {
		t, err := tx.GetTracking(ctx, trackingID)
		if err != nil {
			return err
		}
		_, err = s.machine.MarkSent(ctx, tx, t, info)
		return err
	})
}

// MarkSMTPError records a transport failure for a record.
func (s *Service) MarkSMTPError(ctx context.Context, trackingID int64, smtpServer string, sendErr error) error {
	return s.store.RunInTx(ctx, func(tx Store) error {
		t, err := tx.GetTracking(ctx, trackingID)
		if err != nil {
			return err
		}
		return s.machine.MarkSMTPError(ctx, tx, t, smtpServer, sendErr)
	})
}

// NewToken returns a random record security token.
func NewToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
