package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/tracking"
)

const eventColumns = `id, tracking_email_id, event_type, timestamp, time, COALESCE(provider_event_id, ''),
	recipient, ip, user_agent, os_family, ua_family, ua_type, mobile, country_code, smtp_server,
	url, error_type, error_description, error_details`

func scanEvent(row scanner) (domain.TrackingEvent, error) {
	var (
		e    domain.TrackingEvent
		kind string
	)
	err := row.Scan(&e.ID, &e.TrackingEmailID, &kind, &e.Timestamp, &e.Time, &e.ProviderEventID,
		&e.Recipient, &e.IP, &e.UserAgent, &e.OSFamily, &e.UAFamily, &e.UAType, &e.Mobile,
		&e.CountryCode, &e.SMTPServer, &e.URL, &e.ErrorType, &e.ErrorDescription, &e.ErrorDetails)
	e.Kind = domain.EventKind(kind)
	return e, err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.TrackingEvent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrackingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EventByProviderID(ctx context.Context, providerEventID string) (*domain.TrackingEvent, error) {
	if providerEventID == "" {
		return nil, tracking.ErrEventNotFound
	}
	e, err := scanEvent(s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM mail_tracking_event WHERE provider_event_id = $1`, providerEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event by provider id: %w", err)
	}
	return &e, nil
}

func (s *Store) EventsBetween(ctx context.Context, trackingEmailID int64, kind domain.EventKind, from, to float64) ([]domain.TrackingEvent, error) {
	out, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM mail_tracking_event
		WHERE tracking_email_id = $1 AND event_type = $2 AND timestamp >= $3 AND timestamp <= $4
		ORDER BY timestamp, id
	`, trackingEmailID, string(kind), from, to)
	if err != nil {
		return nil, fmt.Errorf("events between: %w", err)
	}
	return out, nil
}

func (s *Store) CreateEvent(ctx context.Context, e *domain.TrackingEvent) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO mail_tracking_event (tracking_email_id, event_type, timestamp, time, provider_event_id,
			recipient, ip, user_agent, os_family, ua_family, ua_type, mobile, country_code, smtp_server,
			url, error_type, error_description, error_details)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`, e.TrackingEmailID, string(e.Kind), e.Timestamp, e.Time, e.ProviderEventID,
		e.Recipient, e.IP, e.UserAgent, e.OSFamily, e.UAFamily, e.UAType, e.Mobile, e.CountryCode, e.SMTPServer,
		e.URL, e.ErrorType, e.ErrorDescription, e.ErrorDetails,
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, tracking.ErrDuplicateEvent
	}
	if err != nil {
		return 0, fmt.Errorf("create tracking event: %w", err)
	}
	return id, nil
}

func (s *Store) EventsForTracking(ctx context.Context, trackingEmailID int64) ([]domain.TrackingEvent, error) {
	out, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM mail_tracking_event WHERE tracking_email_id = $1 ORDER BY timestamp, id`,
		trackingEmailID)
	if err != nil {
		return nil, fmt.Errorf("events for tracking: %w", err)
	}
	return out, nil
}
