package tracking

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/pkg/distlock"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// Outcome says what processing one provider event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate" // provider event id already imported
	OutcomeDiscarded Outcome = "discarded" // inside the dedup window
	OutcomeDropped   Outcome = "dropped"   // foreign or missing tenant tag
	OutcomeIgnored   Outcome = "ignored"   // unknown event kind
)

// EventSource lists stored provider events for manual reconciliation.
type EventSource interface {
	ListEvents(ctx context.Context, q mailgun.EventsQuery) (*mailgun.EventsResponse, error)
	EventsPage(ctx context.Context, pageURL string) (*mailgun.EventsResponse, error)
}

// Config holds the pipeline settings.
type Config struct {
	// Instance is this deployment's tenant tag.
	Instance    string
	OpenWindow  time.Duration
	ClickWindow time.Duration
	LockTimeout time.Duration
}

// Service is the ingestion orchestrator and the read side of tracking.
// All public methods are safe for concurrent use if the underlying store
// is concurrency-safe.
type Service struct {
	store     Store
	verifier  *Verifier
	machine   *Machine
	countries CountryCatalog
	source    EventSource
	sourceErr error
	locks     distlock.Factory
	publisher EventPublisher
	cfg       Config
}

// Option customizes a Service.
type Option func(*Service)

// WithCountries sets the catalog used to resolve event country codes.
func WithCountries(c CountryCatalog) Option {
	return func(s *Service) { s.countries = c }
}

// WithEventSource enables manual reconciliation. When err is non-nil the
// provider is considered misconfigured and ManualCheck returns err.
func WithEventSource(src EventSource, err error) Option {
	return func(s *Service) {
		s.source = src
		s.sourceErr = err
	}
}

// WithLocks serializes processing per tracking record.
func WithLocks(f distlock.Factory) Option {
	return func(s *Service) { s.locks = f }
}

// WithNotes sets the bounce note renderer.
func WithNotes(n NoteRenderer) Option {
	return func(s *Service) { s.machine.notes = n }
}

// NewService creates the tracking service.
func NewService(store Store, verifier *Verifier, cfg Config, opts ...Option) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	s := &Service{
		store:    store,
		verifier: verifier,
		machine:  NewMachine(NewDedupGuard(cfg.OpenWindow, cfg.ClickWindow), nil),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWebhook authenticates a webhook payload and processes its event.
// Verification failures wrap ErrVerification.
func (s *Service) HandleWebhook(ctx context.Context, payload mailgun.WebhookPayload) (Outcome, error) {
	if err := s.verifier.Verify(ctx, payload.Signature); err != nil {
		return "", err
	}
	return s.ProcessProviderEvent(ctx, payload.EventData)
}

// ProcessProviderEvent runs one provider event through the pipeline:
// tenant check, idempotency, record lookup, mapping, extraction, apply.
func (s *Service) ProcessProviderEvent(ctx context.Context, ev mailgun.Event) (Outcome, error) {
	instance, ok := ev.Instance()
	if !ok {
		logger.Debug("Mailgun: dropping event without tenant tag", "event_id", ev.ID)
		return OutcomeDropped, nil
	}
	if instance != s.cfg.Instance {
		logger.Error(fmt.Sprintf("Mailgun: event for DB %s received in DB %s", instance, s.cfg.Instance),
			"event_id", ev.ID)
		return OutcomeDropped, nil
	}

	if ev.ID != "" {
		if _, err := s.store.EventByProviderID(ctx, ev.ID); err == nil {
			logger.Debug("Mailgun event already found in DB", "event_id", ev.ID)
			return OutcomeDuplicate, nil
		} else if !errors.Is(err, ErrEventNotFound) {
			return "", err
		}
	}

	trackingID, err := ev.TrackingEmailID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	unlock := s.lock(ctx, trackingID)
	defer unlock()

	outcome := OutcomeApplied
	var notices []EventNotice
	err = s.store.RunInTx(ctx, func(tx Store) error {
		if err := s.lockInTx(ctx, tx, trackingID); err != nil {
			return err
		}
		// Re-checked under the lock for concurrent deliveries.
		if ev.ID != "" {
			_, err := tx.EventByProviderID(ctx, ev.ID)
			if err == nil {
				outcome = OutcomeDuplicate
				return nil
			}
			if !errors.Is(err, ErrEventNotFound) {
				return err
			}
		}

		t, err := tx.GetTracking(ctx, trackingID)
		if err != nil {
			return err
		}

		kind := MapEvent(ev.Event, ev.Severity)
		if kind == domain.KindUnknown {
			logger.Info("Mailgun: ignoring unknown event type", "event", ev.Event, "event_id", ev.ID)
			outcome = OutcomeIgnored
			return nil
		}

		md := ExtractMetadata(ev, s.countries)
		logger.Info("Importing mailgun event",
			"event_id", ev.ID, "event", ev.Event, "message_id", ev.MessageID(), "recipient", ev.Recipient)

		recorded, err := s.machine.RecordEvent(ctx, tx, t, kind, md)
		if err != nil {
			return err
		}
		if recorded == nil {
			outcome = OutcomeDiscarded
			return nil
		}
		notices = append(notices, s.notice(t, recorded))
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		logger.Debug("Mailgun event already found in DB", "event_id", ev.ID)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	s.publish(ctx, notices)
	return outcome, nil
}

// TrackOpen applies a pixel open. An empty token only matches records that
// carry no token. Records not in sent or delivered state are left alone.
func (s *Service) TrackOpen(ctx context.Context, trackingID int64, token string, md domain.Metadata) (Outcome, error) {
	unlock := s.lock(ctx, trackingID)
	defer unlock()

	outcome := OutcomeIgnored
	var notices []EventNotice
	err := s.store.RunInTx(ctx, func(tx Store) error {
		if err := s.lockInTx(ctx, tx, trackingID); err != nil {
			return err
		}
		t, err := tx.GetTracking(ctx, trackingID)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) != 1 {
			return ErrNotFound
		}
		if t.State != domain.StateSent && t.State != domain.StateDelivered {
			return nil
		}
		recorded, err := s.machine.RecordEvent(ctx, tx, t, domain.KindOpen, md)
		if err != nil {
			return err
		}
		if recorded == nil {
			outcome = OutcomeDiscarded
			return nil
		}
		outcome = OutcomeApplied
		notices = append(notices, s.notice(t, recorded))
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, notices)
	return outcome, nil
}

// ManualCheck pulls every stored provider event of one record and feeds
// them through the pipeline. It returns how many were applied.
func (s *Service) ManualCheck(ctx context.Context, trackingID int64) (int, error) {
	if s.sourceErr != nil {
		return 0, s.sourceErr
	}
	if s.source == nil {
		return 0, fmt.Errorf("%w: no event source configured", ErrProviderUnavailable)
	}

	t, err := s.store.GetTracking(ctx, trackingID)
	if err != nil {
		return 0, err
	}
	if t.MessageID == "" {
		return 0, ErrNoMessageID
	}

	q := mailgun.EventsQuery{
		Begin:     t.Timestamp,
		MessageID: strings.Trim(t.MessageID, "<>"),
		Recipient: domain.FirstAddress(t.Recipient),
	}
	page, err := s.source.ListEvents(ctx, q)
	var events []mailgun.Event
	for {
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		if len(page.Items) == 0 {
			break
		}
		events = append(events, page.Items...)
		next := page.NextURL()
		if next == "" {
			break
		}
		page, err = s.source.EventsPage(ctx, next)
	}
	if len(events) == 0 {
		return 0, ErrEventsExpired
	}

	applied := 0
	for _, ev := range events {
		outcome, err := s.ProcessProviderEvent(ctx, ev)
		if err != nil {
			return applied, fmt.Errorf("processing event %s: %w", ev.ID, err)
		}
		if outcome == OutcomeApplied {
			applied++
		}
	}
	logger.Info("Manual check finished", "tracking_email_id", trackingID, "events", len(events), "applied", applied)
	return applied, nil
}

// InboundBounce is a delivery status notification routed back to the
// platform for one of its messages.
type InboundBounce struct {
	MailMessageID    int64
	BouncedEmail     string
	BouncedPartnerID *int64
	Metadata         domain.Metadata
}

// RecordInboundBounce appends a soft bounce to every record of the bounced
// message whose address or partner matches. It returns the number of
// events created.
func (s *Service) RecordInboundBounce(ctx context.Context, b InboundBounce) (int, error) {
	address := strings.ToLower(strings.TrimSpace(b.BouncedEmail))
	var notices []EventNotice
	err := s.store.RunInTx(ctx, func(tx Store) error {
		trackings, err := tx.TrackingsByMailMessage(ctx, b.MailMessageID)
		if err != nil {
			return err
		}
		for i := range trackings {
			t := &trackings[i]
			matches := address != "" && t.RecipientAddress == address
			if !matches && b.BouncedPartnerID != nil && t.PartnerID != nil {
				matches = *t.PartnerID == *b.BouncedPartnerID
			}
			if !matches {
				continue
			}
			ev, err := s.machine.RecordEvent(ctx, tx, t, domain.KindSoftBounce, b.Metadata)
			if err != nil {
				return err
			}
			if ev != nil {
				notices = append(notices, s.notice(t, ev))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, notices)
	return len(notices), nil
}

// lock takes the per-record lock when configured. A lock that stays busy
// past the timeout is logged and processing continues unlocked.
func (s *Service) lock(ctx context.Context, trackingID int64) func() {
	if s.locks == nil {
		return func() {}
	}
	l := s.locks(distlock.RecordKey(trackingID))
	if err := distlock.AcquireWithin(ctx, l, s.cfg.LockTimeout, 0); err != nil {
		logger.Warn("Processing without record lock", "tracking_email_id", trackingID, "error", err)
		if err := l.Release(context.Background()); err != nil {
			logger.Warn("Releasing record lock failed", "tracking_email_id", trackingID, "error", err)
		}
		return func() {}
	}
	return func() {
		if err := l.Release(context.Background()); err != nil {
			logger.Warn("Releasing record lock failed", "tracking_email_id", trackingID, "error", err)
		}
	}
}

// lockInTx takes the per-record lock inside tx when no external lock
// factory is configured and the store supports transaction locks. The
// lock ends with the transaction. A busy lock is logged and processing
// continues unlocked; any other failure aborts the transaction.
func (s *Service) lockInTx(ctx context.Context, tx Store, trackingID int64) error {
	if s.locks != nil {
		return nil
	}
	locker, ok := tx.(TxLocker)
	if !ok {
		return nil
	}
	l := locker.RecordLock(distlock.RecordKey(trackingID))
	if l == nil {
		return nil
	}
	err := distlock.AcquireWithin(ctx, l, s.cfg.LockTimeout, 0)
	if errors.Is(err, distlock.ErrLockTimeout) {
		logger.Warn("Processing without record lock", "tracking_email_id", trackingID, "error", err)
		return nil
	}
	return err
}
