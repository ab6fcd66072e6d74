package bounce

import "errors"

// Sentinel errors for partner address checks.
var (
	ErrNoEmail              = errors.New("partner has no email address")
	ErrCheckFailed          = errors.New("error trying to check mail")
	ErrNoMailboxVerdict     = errors.New("mailbox verification value wasn't returned")
	ErrInvalidAddress       = errors.New("not a valid email address")
	ErrMailboxFailed        = errors.New("failed the mailbox verification")
	ErrMailboxUnverifiable  = errors.New("mailbox couldn't be verified")
	ErrProviderBounceUpdate = errors.New("bounce list update failed")
)
