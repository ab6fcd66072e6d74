package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/tracking"
)

func (s *Store) GetPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	var p domain.Partner
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, email, email_bounced FROM res_partner WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.EmailBounced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrPartnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get partner: %w", err)
	}
	return &p, nil
}

func (s *Store) PartnersByEmail(ctx context.Context, email string) ([]domain.Partner, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, email, email_bounced FROM res_partner
		WHERE email <> '' AND lower(email) = lower($1)
		ORDER BY id
	`, email)
	if err != nil {
		return nil, fmt.Errorf("partners by email: %w", err)
	}
	defer rows.Close()

	var out []domain.Partner
	for rows.Next() {
		var p domain.Partner
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.EmailBounced); err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetEmailBounced(ctx context.Context, partnerID int64, bounced bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE res_partner SET email_bounced = $2 WHERE id = $1`, partnerID, bounced)
	if err != nil {
		return fmt.Errorf("set email bounced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.ErrPartnerNotFound
	}
	return nil
}

func (s *Store) PostNote(ctx context.Context, partnerID int64, body string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO partner_note (partner_id, body, created_at) VALUES ($1, $2, NOW())`, partnerID, body)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return tracking.ErrPartnerNotFound
	}
	if err != nil {
		return fmt.Errorf("post note: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	var m domain.Message
	err := s.q.QueryRowContext(ctx,
		`SELECT id, message_id, subject, needs_action FROM mail_message WHERE id = $1`, id,
	).Scan(&m.ID, &m.MessageID, &m.Subject, &m.NeedsAction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT partner_id FROM mail_message_partner WHERE message_id = $1 ORDER BY partner_id`, id)
	if err != nil {
		return nil, fmt.Errorf("message partners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid int64
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan message partner: %w", err)
		}
		m.PartnerIDs = append(m.PartnerIDs, pid)
	}
	return &m, rows.Err()
}

func (s *Store) SetNeedsAction(ctx context.Context, messageID int64, needsAction bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE mail_message SET needs_action = $2 WHERE id = $1`, messageID, needsAction)
	if err != nil {
		return fmt.Errorf("set needs action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.ErrMessageNotFound
	}
	return nil
}

func (s *Store) AddMessagePartner(ctx context.Context, messageID, partnerID int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO mail_message_partner (message_id, partner_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, partnerID)
	if err != nil {
		return fmt.Errorf("add message partner: %w", err)
	}
	return nil
}

func (s *Store) FailedMessages(ctx context.Context, limit int) ([]domain.FailedMessage, error) {
	failed := make([]string, len(domain.FailedStates))
	for i, st := range domain.FailedStates {
		failed[i] = string(st)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT m.id, m.message_id, m.subject, m.needs_action FROM mail_message m
		WHERE m.needs_action AND EXISTS (
			SELECT 1 FROM mail_tracking_email t
			WHERE t.mail_message_id = m.id AND t.state = ANY($1)
		)
		ORDER BY m.id DESC
		LIMIT $2
	`, pq.Array(failed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed messages: %w", err)
	}
	var out []domain.FailedMessage
	for rows.Next() {
		var fm domain.FailedMessage
		if err := rows.Scan(&fm.Message.ID, &fm.Message.MessageID, &fm.Message.Subject, &fm.Message.NeedsAction); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan failed message: %w", err)
		}
		out = append(out, fm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed messages: %w", err)
	}

	for i := range out {
		trackings, err := s.queryTrackings(ctx,
			`SELECT `+trackingColumns+` FROM mail_tracking_email
			WHERE mail_message_id = $1 AND state = ANY($2) ORDER BY time, id`,
			out[i].Message.ID, pq.Array(failed))
		if err != nil {
			return nil, fmt.Errorf("failed message trackings: %w", err)
		}
		out[i].Trackings = trackings
	}
	return out, nil
}
