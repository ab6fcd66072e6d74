package tracking

import "github.com/ignite/mail-tracking/internal/domain"

// Provider event names.
const (
	ProviderDelivered    = "delivered"
	ProviderOpened       = "opened"
	ProviderClicked      = "clicked"
	ProviderUnsubscribed = "unsubscribed"
	ProviderComplained   = "complained"
	ProviderAccepted     = "accepted"
	ProviderFailed       = "failed"
	ProviderRejected     = "rejected"

	severityPermanent = "permanent"
)

var providerKinds = map[string]domain.EventKind{
	ProviderDelivered:    domain.KindDelivered,
	ProviderOpened:       domain.KindOpen,
	ProviderClicked:      domain.KindClick,
	ProviderUnsubscribed: domain.KindUnsub,
	ProviderComplained:   domain.KindSpam,
	ProviderAccepted:     domain.KindSent,
	ProviderRejected:     domain.KindReject,
}

// MapEvent translates a provider event name into a canonical kind.
// "failed" splits on severity: permanent is a hard bounce, anything else a
// soft bounce. Unrecognized names return domain.KindUnknown.
func MapEvent(name, severity string) domain.EventKind {
	if name == ProviderFailed {
		if severity == severityPermanent {
			return domain.KindHardBounce
		}
		return domain.KindSoftBounce
	}
	if kind, ok := providerKinds[name]; ok {
		return kind
	}
	return domain.KindUnknown
}
