package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/tracking"
)

const trackingColumns = `id, token, name, mail_id, mail_message_id, partner_id, message_id,
	sender, recipient, recipient_address, timestamp, time, state,
	error_smtp_server, error_type, error_description, res_model, res_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanTracking(row scanner) (domain.TrackingEmail, error) {
	var (
		t                          domain.TrackingEmail
		mailID, messageID, partner sql.NullInt64
		resID                      sql.NullInt64
		state                      string
	)
	err := row.Scan(&t.ID, &t.Token, &t.Name, &mailID, &messageID, &partner, &t.MessageID,
		&t.Sender, &t.Recipient, &t.RecipientAddress, &t.Timestamp, &t.Time, &state,
		&t.ErrorSMTPServer, &t.ErrorType, &t.ErrorDescription, &t.ResModel, &resID)
	if err != nil {
		return t, err
	}
	t.ResID = idPtr(resID)
	t.MailID = idPtr(mailID)
	t.MailMessageID = idPtr(messageID)
	t.PartnerID = idPtr(partner)
	t.State = domain.TrackingState(state)
	return t, nil
}

func (s *Store) queryTrackings(ctx context.Context, query string, args ...any) ([]domain.TrackingEmail, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrackingEmail
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking email: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTracking(ctx context.Context, id int64) (*domain.TrackingEmail, error) {
	t, err := scanTracking(s.q.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM mail_tracking_email WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracking email: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTracking(ctx context.Context, t *domain.TrackingEmail) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO mail_tracking_email (token, name, mail_id, mail_message_id, partner_id, message_id,
			sender, recipient, recipient_address, timestamp, time, state,
			error_smtp_server, error_type, error_description, res_model, res_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`, t.Token, t.Name, nullID(t.MailID), nullID(t.MailMessageID), nullID(t.PartnerID), t.MessageID,
		t.Sender, t.Recipient, t.RecipientAddress, t.Timestamp, t.Time, string(t.State),
		t.ErrorSMTPServer, t.ErrorType, t.ErrorDescription, t.ResModel, nullID(t.ResID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create tracking email: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateTracking(ctx context.Context, t *domain.TrackingEmail) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE mail_tracking_email
		SET message_id = $2, timestamp = $3, time = $4, state = $5,
			error_smtp_server = $6, error_type = $7, error_description = $8
		WHERE id = $1
	`, t.ID, t.MessageID, t.Timestamp, t.Time, string(t.State),
		t.ErrorSMTPServer, t.ErrorType, t.ErrorDescription)
	if err != nil {
		return fmt.Errorf("update tracking email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.ErrNotFound
	}
	return nil
}

func (s *Store) ListTrackings(ctx context.Context, f tracking.ListFilter) ([]domain.TrackingEmail, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.State != "" {
		where = append(where, "state = "+arg(string(f.State)))
	}
	if f.Recipient != "" {
		where = append(where, "recipient_address = "+arg(f.Recipient))
	}
	if !f.Scope.Admin {
		where = append(where, fmt.Sprintf(`(mail_message_id = ANY(%s)
			OR (mail_message_id IS NULL AND partner_id = ANY(%s))
			OR (mail_message_id IS NULL AND partner_id IS NULL))`,
			arg(pq.Array(f.Scope.ReadableMessages)), arg(pq.Array(f.Scope.ReadablePartners))))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mail_tracking_email`+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tracking emails: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	query := `SELECT ` + trackingColumns + ` FROM mail_tracking_email` + clause +
		` ORDER BY time DESC, id DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)
	out, err := s.queryTrackings(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tracking emails: %w", err)
	}
	return out, total, nil
}

func (s *Store) TrackingsByMailMessage(ctx context.Context, mailMessageID int64) ([]domain.TrackingEmail, error) {
	out, err := s.queryTrackings(ctx,
		`SELECT `+trackingColumns+` FROM mail_tracking_email WHERE mail_message_id = $1 ORDER BY time, id`,
		mailMessageID)
	if err != nil {
		return nil, fmt.Errorf("tracking emails by message: %w", err)
	}
	return out, nil
}

func (s *Store) TrackingsByRecipient(ctx context.Context, address string) ([]domain.TrackingEmail, error) {
	out, err := s.queryTrackings(ctx,
		`SELECT `+trackingColumns+` FROM mail_tracking_email WHERE recipient_address = $1 ORDER BY time, id`,
		strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("tracking emails by recipient: %w", err)
	}
	return out, nil
}

func (s *Store) LatestTrackingForRecord(ctx context.Context, resModel string, resID int64) (*domain.TrackingEmail, error) {
	t, err := scanTracking(s.q.QueryRowContext(ctx,
		`SELECT `+trackingColumns+` FROM mail_tracking_email
		WHERE res_model = $1 AND res_id = $2 ORDER BY time DESC, id DESC LIMIT 1`, resModel, resID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest tracking for record: %w", err)
	}
	return &t, nil
}
