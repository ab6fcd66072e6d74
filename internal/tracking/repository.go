package tracking

import (
	"context"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/pkg/distlock"
)

// TrackingRepository stores tracking records.
type TrackingRepository interface {
	// GetTracking returns one record. Returns ErrNotFound if it doesn't exist.
	GetTracking(ctx context.Context, id int64) (*domain.TrackingEmail, error)

	// CreateTracking inserts a record and returns its id.
	CreateTracking(ctx context.Context, t *domain.TrackingEmail) (int64, error)

	// UpdateTracking overwrites the mutable fields of a record: message id,
	// timestamps, state and error detail.
	UpdateTracking(ctx context.Context, t *domain.TrackingEmail) error

	// ListTrackings returns records matching the filter and visible to its
	// scope, newest first, plus the total before paging.
	ListTrackings(ctx context.Context, f ListFilter) ([]domain.TrackingEmail, int, error)

	// TrackingsByMailMessage returns the records created for one
	// conversation message.
	TrackingsByMailMessage(ctx context.Context, mailMessageID int64) ([]domain.TrackingEmail, error)

	// TrackingsByRecipient returns every record addressed to a lower-cased
	// address, oldest first.
	TrackingsByRecipient(ctx context.Context, address string) ([]domain.TrackingEmail, error)

	// LatestTrackingForRecord returns the newest record sent from a
	// business record. Returns ErrNotFound if there is none.
	LatestTrackingForRecord(ctx context.Context, resModel string, resID int64) (*domain.TrackingEmail, error)
}

// EventRepository stores the append-only event log.
type EventRepository interface {
	// EventByProviderID returns the event imported under a provider event
	// id. Returns ErrEventNotFound if there is none.
	EventByProviderID(ctx context.Context, providerEventID string) (*domain.TrackingEvent, error)

	// EventsBetween returns the record's events of one kind whose timestamp
	// lies in [from, to].
	EventsBetween(ctx context.Context, trackingEmailID int64, kind domain.EventKind, from, to float64) ([]domain.TrackingEvent, error)

	// CreateEvent appends an event and returns its id. Returns
	// ErrDuplicateEvent when the provider event id is already stored.
	CreateEvent(ctx context.Context, e *domain.TrackingEvent) (int64, error)

	// EventsForTracking returns a record's events, oldest first.
	EventsForTracking(ctx context.Context, trackingEmailID int64) ([]domain.TrackingEvent, error)
}

// PartnerDirectory is the contact book the bounce fan-out writes to.
type PartnerDirectory interface {
	// GetPartner returns ErrPartnerNotFound if the partner doesn't exist.
	GetPartner(ctx context.Context, id int64) (*domain.Partner, error)

	// PartnersByEmail matches the address case-insensitively.
	PartnersByEmail(ctx context.Context, email string) ([]domain.Partner, error)

	SetEmailBounced(ctx context.Context, partnerID int64, bounced bool) error

	// PostNote appends a note to the partner's conversation.
	PostNote(ctx context.Context, partnerID int64, body string) error
}

// MessageBoard holds the conversation messages outbound mail originates from.
type MessageBoard interface {
	// GetMessage returns ErrMessageNotFound if the message doesn't exist.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	SetNeedsAction(ctx context.Context, messageID int64, needsAction bool) error

	// AddMessagePartner links a partner into the message audience. Linking
	// an existing member is a no-op.
	AddMessagePartner(ctx context.Context, messageID, partnerID int64) error

	// FailedMessages returns messages flagged needs-action that still have
	// a tracking record in a failed state, with those records.
	FailedMessages(ctx context.Context, limit int) ([]domain.FailedMessage, error)
}

// Store bundles every contract the pipeline needs. RunInTx runs fn against
// a store bound to one transaction, committing when fn returns nil.
type Store interface {
	TrackingRepository
	EventRepository
	PartnerDirectory
	MessageBoard

	RunInTx(ctx context.Context, fn func(Store) error) error
}

// TxLocker is implemented by transaction-bound stores that can hold a
// record lock until the transaction ends. RecordLock returns nil outside a
// transaction.
type TxLocker interface {
	RecordLock(key string) distlock.DistLock
}

// CountryCatalog resolves ISO 3166 alpha-2 codes.
type CountryCatalog interface {
	LookupCountry(code string) (domain.Country, bool)
}

// ListFilter controls filtering and pagination for tracking lists.
type ListFilter struct {
	State     domain.TrackingState
	Recipient string
	Limit     int
	Offset    int
	Scope     AccessScope
}

// AccessScope carries what the caller may read. A record is visible when
// its message is readable, or it has no message and its partner is
// readable, or it is linked to neither.
type AccessScope struct {
	Admin            bool
	ReadableMessages []int64
	ReadablePartners []int64
}

// Allows applies the visibility rule to one record.
func (s AccessScope) Allows(t domain.TrackingEmail) bool {
	if s.Admin {
		return true
	}
	switch {
	case t.MailMessageID != nil:
		return containsID(s.ReadableMessages, *t.MailMessageID)
	case t.PartnerID != nil:
		return containsID(s.ReadablePartners, *t.PartnerID)
	default:
		return true
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
