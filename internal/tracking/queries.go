package tracking

import (
	"context"
	"strings"

	"github.com/ignite/mail-tracking/internal/domain"
)

var scoreWeights = map[domain.TrackingState]float64{
	domain.StateError:       -50,
	domain.StateRejected:    -25,
	domain.StateSpam:        -25,
	domain.StateBounced:     -25,
	domain.StateSoftBounced: -10,
	domain.StateUnsub:       -10,
	domain.StateDelivered:   1,
	domain.StateOpened:      5,
}

// Get returns one record when visible to scope.
func (s *Service) Get(ctx context.Context, id int64, scope AccessScope) (*domain.TrackingEmail, error) {
	t, err := s.store.GetTracking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(*t) {
		return nil, ErrNotFound
	}
	return t, nil
}

// RecordMailStatus returns the newest record sent from a business record
// when visible to scope. Its State is that record's mail status.
func (s *Service) RecordMailStatus(ctx context.Context, resModel string, resID int64, scope AccessScope) (*domain.TrackingEmail, error) {
	t, err := s.store.LatestTrackingForRecord(ctx, resModel, resID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(*t) {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns records matching the filter, honoring its scope.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.TrackingEmail, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	f.Recipient = strings.ToLower(strings.TrimSpace(f.Recipient))
	return s.store.ListTrackings(ctx, f)
}

// Events returns a visible record's event log.
func (s *Service) Events(ctx context.Context, id int64, scope AccessScope) ([]domain.TrackingEvent, error) {
	if _, err := s.Get(ctx, id, scope); err != nil {
		return nil, err
	}
	return s.store.EventsForTracking(ctx, id)
}

// EmailScore rates an address from 0 (bad) through 50 (unknown) to 100
// (good) using the states of every record sent to it. An empty address
// scores 0.
func (s *Service) EmailScore(ctx context.Context, email string) (float64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, nil
	}
	trackings, err := s.store.TrackingsByRecipient(ctx, email)
	if err != nil {
		return 0, err
	}

	score := 50.0
	for _, t := range trackings {
		score += scoreWeights[t.State]
	}
	switch {
	case score > 100:
		score = 100
	case score < 0:
		score = 0
	}
	return score, nil
}

// IsEmailBounced reports whether the latest record sent to the address
// ended rejected, errored, spam-flagged or bounced.
func (s *Service) IsEmailBounced(ctx context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	trackings, err := s.store.TrackingsByRecipient(ctx, email)
	if err != nil || len(trackings) == 0 {
		return false, err
	}
	return trackings[len(trackings)-1].State.Bounced(), nil
}

// FailedMessages lists messages awaiting user attention.
func (s *Service) FailedMessages(ctx context.Context, limit int) ([]domain.FailedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.FailedMessages(ctx, limit)
}

// ResolveFailed clears the needs-action flag of a message.
func (s *Service) ResolveFailed(ctx context.Context, messageID int64) error {
	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return s.store.SetNeedsAction(ctx, messageID, false)
}
