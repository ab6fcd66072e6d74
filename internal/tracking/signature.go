package tracking

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// DefaultSignatureMaxAge bounds timestamp skew in both directions.
const DefaultSignatureMaxAge = 10 * time.Minute

// Verifier authenticates provider webhook calls.
type Verifier struct {
	signingKey []byte
	maxAge     time.Duration
	cache      ReplayCache
	now        func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithMaxAge overrides DefaultSignatureMaxAge.
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

// NewVerifier builds a verifier. An empty signing key disables the HMAC
// check (freshness and replay checks still run).
func NewVerifier(signingKey string, cache ReplayCache, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		signingKey: []byte(signingKey),
		maxAge:     DefaultSignatureMaxAge,
		cache:      cache,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks freshness, then marks the token as seen, then checks the
// HMAC. The token is recorded before the signature is compared so that a
// concurrent duplicate fails even when the first call is still in flight.
func (v *Verifier) Verify(ctx context.Context, sig mailgun.Signature) error {
	ts, err := parseTimestamp(sig.Timestamp)
	if err != nil {
		return err
	}
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew >= v.maxAge {
		return ErrStaleTimestamp
	}

	fresh, err := v.cache.MarkSeen(ctx, sig.Token)
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	if !fresh {
		return ErrReplayedToken
	}

	if len(v.signingKey) == 0 {
		logger.Warn("Skipping webhook payload verification: no webhook signing key configured")
		return nil
	}
	if !hmac.Equal([]byte(sig.Signature), []byte(Sign(v.signingKey, sig.Timestamp, sig.Token))) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of timestamp followed by token.
func Sign(key []byte, timestamp, token string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	return time.Unix(secs, 0), nil
}
