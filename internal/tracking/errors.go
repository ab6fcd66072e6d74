package tracking

import (
	"errors"
	"fmt"
)

// ErrVerification is wrapped by every webhook authentication failure.
// Callers answer it with 406 so the provider does not retry.
var ErrVerification = errors.New("webhook verification failed")

// Verification failures.
var (
	ErrStaleTimestamp = fmt.Errorf("%w: timestamp outside the accepted window", ErrVerification)
	ErrReplayedToken  = fmt.Errorf("%w: token already used", ErrVerification)
	ErrBadSignature   = fmt.Errorf("%w: signature mismatch", ErrVerification)
	ErrBadTimestamp   = fmt.Errorf("%w: malformed timestamp", ErrVerification)
)

// Sentinel errors for the tracking service layer.
var (
	ErrNotFound            = errors.New("tracking email not found")
	ErrEventNotFound       = errors.New("tracking event not found")
	ErrPartnerNotFound     = errors.New("partner not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrDuplicateEvent      = errors.New("event already imported")
	ErrProviderUnavailable = errors.New("couldn't retrieve provider information")
	ErrEventsExpired       = errors.New("event information no longer stored by the provider")
	ErrNoMessageID         = errors.New("tracking email has no message id")
	ErrNoValidRecipient    = errors.New("at least one valid recipient address should be specified")
)
