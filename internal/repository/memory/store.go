// Package memory is an in-process implementation of every tracking
// repository contract. It backs the server when no database is configured
// and the service-level tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// Store holds all records in maps. Transactions are serialized and rolled
// back by restoring a snapshot.
type Store struct {
	txMu sync.Mutex
	*state
}

var _ tracking.Store = (*Store)(nil)

type state struct {
	mu sync.RWMutex
	tables
}

type tables struct {
	trackings map[int64]domain.TrackingEmail
	events    map[int64]domain.TrackingEvent
	byEventID map[string]int64
	partners  map[int64]domain.Partner
	notes     []domain.Note
	messages  map[int64]domain.Message
	nextID    int64
}

func New() *Store {
	return &Store{state: &state{tables: tables{
		trackings: make(map[int64]domain.TrackingEmail),
		events:    make(map[int64]domain.TrackingEvent),
		byEventID: make(map[string]int64),
		partners:  make(map[int64]domain.Partner),
		messages:  make(map[int64]domain.Message),
	}}}
}

// RunInTx runs fn with exclusive write access. Any error restores the data
// as it was before fn ran.
func (s *Store) RunInTx(ctx context.Context, fn func(tracking.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snap := s.tables.clone()
	s.mu.RUnlock()

	if err := fn(txStore{s.state}); err != nil {
		s.mu.Lock()
		s.tables = snap
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) CreateTracking(ctx context.Context, t *domain.TrackingEmail) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.CreateTracking(ctx, t)
}

func (s *Store) UpdateTracking(ctx context.Context, t *domain.TrackingEmail) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.UpdateTracking(ctx, t)
}

func (s *Store) CreateEvent(ctx context.Context, e *domain.TrackingEvent) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.CreateEvent(ctx, e)
}

func (s *Store) SetEmailBounced(ctx context.Context, partnerID int64, bounced bool) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.SetEmailBounced(ctx, partnerID, bounced)
}

func (s *Store) PostNote(ctx context.Context, partnerID int64, body string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.PostNote(ctx, partnerID, body)
}

func (s *Store) SetNeedsAction(ctx context.Context, messageID int64, needsAction bool) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.SetNeedsAction(ctx, messageID, needsAction)
}

func (s *Store) AddMessagePartner(ctx context.Context, messageID, partnerID int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.state.AddMessagePartner(ctx, messageID, partnerID)
}

// AddPartner stores a partner and returns its id.
func (s *Store) AddPartner(p domain.Partner) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.id()
	s.partners[p.ID] = p
	return p.ID
}

// AddMessage stores a conversation message and returns its id.
func (s *Store) AddMessage(m domain.Message) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	m.PartnerIDs = append([]int64(nil), m.PartnerIDs...)
	s.messages[m.ID] = m
	return m.ID
}

// Notes returns the notes posted to a partner, oldest first.
func (s *Store) Notes(partnerID int64) []domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Note
	for _, n := range s.notes {
		if n.PartnerID == partnerID {
			out = append(out, n)
		}
	}
	return out
}

// txStore is the view handed to RunInTx callbacks. The outer transaction
// lock is already held, so nested RunInTx just runs fn.
type txStore struct{ *state }

func (t txStore) RunInTx(ctx context.Context, fn func(tracking.Store) error) error {
	return fn(t)
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) GetTracking(_ context.Context, id int64) (*domain.TrackingEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trackings[id]
	if !ok {
		return nil, tracking.ErrNotFound
	}
	return &t, nil
}

func (s *state) CreateTracking(_ context.Context, t *domain.TrackingEmail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.ID = s.id()
	s.trackings[cp.ID] = cp
	return cp.ID, nil
}

func (s *state) UpdateTracking(_ context.Context, t *domain.TrackingEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.trackings[t.ID]
	if !ok {
		return tracking.ErrNotFound
	}
	cur.MessageID = t.MessageID
	cur.Timestamp = t.Timestamp
	cur.Time = t.Time
	cur.State = t.State
	cur.ErrorSMTPServer = t.ErrorSMTPServer
	cur.ErrorType = t.ErrorType
	cur.ErrorDescription = t.ErrorDescription
	s.trackings[t.ID] = cur
	return nil
}

func (s *state) ListTrackings(_ context.Context, f tracking.ListFilter) ([]domain.TrackingEmail, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TrackingEmail
	for _, t := range s.trackings {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Recipient != "" && t.RecipientAddress != f.Recipient {
			continue
		}
		if !f.Scope.Allows(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID > out[j].ID
		}
		return out[i].Time.After(out[j].Time)
	})

	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (s *state) TrackingsByMailMessage(_ context.Context, mailMessageID int64) ([]domain.TrackingEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterTrackings(func(t domain.TrackingEmail) bool {
		return t.MailMessageID != nil && *t.MailMessageID == mailMessageID
	})
	return out, nil
}

func (s *state) TrackingsByRecipient(_ context.Context, address string) ([]domain.TrackingEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	address = strings.ToLower(address)
	out := s.filterTrackings(func(t domain.TrackingEmail) bool {
		return t.RecipientAddress == address
	})
	return out, nil
}

func (s *state) LatestTrackingForRecord(_ context.Context, resModel string, resID int64) (*domain.TrackingEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterTrackings(func(t domain.TrackingEmail) bool {
		return t.ResModel == resModel && t.ResID != nil && *t.ResID == resID
	})
	if len(out) == 0 {
		return nil, tracking.ErrNotFound
	}
	latest := out[len(out)-1]
	return &latest, nil
}

// filterTrackings returns matching records oldest first. Callers hold mu.
func (s *state) filterTrackings(keep func(domain.TrackingEmail) bool) []domain.TrackingEmail {
	var out []domain.TrackingEmail
	for _, t := range s.trackings {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

func (s *state) EventByProviderID(_ context.Context, providerEventID string) (*domain.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEventID[providerEventID]
	if !ok || providerEventID == "" {
		return nil, tracking.ErrEventNotFound
	}
	e := s.events[id]
	return &e, nil
}

func (s *state) EventsBetween(_ context.Context, trackingEmailID int64, kind domain.EventKind, from, to float64) ([]domain.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterEvents(func(e domain.TrackingEvent) bool {
		return e.TrackingEmailID == trackingEmailID && e.Kind == kind &&
			e.Timestamp >= from && e.Timestamp <= to
	}), nil
}

func (s *state) CreateEvent(_ context.Context, e *domain.TrackingEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ProviderEventID != "" {
		if _, dup := s.byEventID[e.ProviderEventID]; dup {
			return 0, tracking.ErrDuplicateEvent
		}
	}
	cp := *e
	cp.ID = s.id()
	s.events[cp.ID] = cp
	if cp.ProviderEventID != "" {
		s.byEventID[cp.ProviderEventID] = cp.ID
	}
	return cp.ID, nil
}

func (s *state) EventsForTracking(_ context.Context, trackingEmailID int64) ([]domain.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterEvents(func(e domain.TrackingEvent) bool {
		return e.TrackingEmailID == trackingEmailID
	}), nil
}

func (s *state) filterEvents(keep func(domain.TrackingEvent) bool) []domain.TrackingEvent {
	var out []domain.TrackingEvent
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func (s *state) GetPartner(_ context.Context, id int64) (*domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	if !ok {
		return nil, tracking.ErrPartnerNotFound
	}
	return &p, nil
}

func (s *state) PartnersByEmail(_ context.Context, email string) ([]domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Partner
	for _, p := range s.partners {
		if p.Email != "" && strings.EqualFold(p.Email, email) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SetEmailBounced(_ context.Context, partnerID int64, bounced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[partnerID]
	if !ok {
		return tracking.ErrPartnerNotFound
	}
	p.EmailBounced = bounced
	s.partners[partnerID] = p
	return nil
}

func (s *state) PostNote(_ context.Context, partnerID int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partners[partnerID]; !ok {
		return tracking.ErrPartnerNotFound
	}
	s.notes = append(s.notes, domain.Note{
		ID:        s.id(),
		PartnerID: partnerID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *state) GetMessage(_ context.Context, id int64) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, tracking.ErrMessageNotFound
	}
	m.PartnerIDs = append([]int64(nil), m.PartnerIDs...)
	return &m, nil
}

func (s *state) SetNeedsAction(_ context.Context, messageID int64, needsAction bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return tracking.ErrMessageNotFound
	}
	m.NeedsAction = needsAction
	s.messages[messageID] = m
	return nil
}

func (s *state) AddMessagePartner(_ context.Context, messageID, partnerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return tracking.ErrMessageNotFound
	}
	for _, id := range m.PartnerIDs {
		if id == partnerID {
			return nil
		}
	}
	m.PartnerIDs = append(append([]int64(nil), m.PartnerIDs...), partnerID)
	s.messages[messageID] = m
	return nil
}

func (s *state) FailedMessages(_ context.Context, limit int) ([]domain.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FailedMessage
	for _, m := range s.messages {
		if !m.NeedsAction {
			continue
		}
		failed := s.filterTrackings(func(t domain.TrackingEmail) bool {
			return t.MailMessageID != nil && *t.MailMessageID == m.ID && t.State.Failed()
		})
		if len(failed) == 0 {
			continue
		}
		m.PartnerIDs = append([]int64(nil), m.PartnerIDs...)
		out = append(out, domain.FailedMessage{Message: m, Trackings: failed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message.ID > out[j].Message.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t tables) clone() tables {
	out := tables{
		trackings: make(map[int64]domain.TrackingEmail, len(t.trackings)),
		events:    make(map[int64]domain.TrackingEvent, len(t.events)),
		byEventID: make(map[string]int64, len(t.byEventID)),
		partners:  make(map[int64]domain.Partner, len(t.partners)),
		notes:     append([]domain.Note(nil), t.notes...),
		messages:  make(map[int64]domain.Message, len(t.messages)),
		nextID:    t.nextID,
	}
	for k, v := range t.trackings {
		out.trackings[k] = v
	}
	for k, v := range t.events {
		out.events[k] = v
	}
	for k, v := range t.byEventID {
		out.byEventID[k] = v
	}
	for k, v := range t.partners {
		out.partners[k] = v
	}
	for k, v := range t.messages {
		v.PartnerIDs = append([]int64(nil), v.PartnerIDs...)
		out.messages[k] = v
	}
	return out
}
