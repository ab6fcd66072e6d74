package tracking

import (
	"context"
	"time"

	"github.com/ignite/mail-tracking/internal/domain"
)

// Default near-duplicate windows.
const (
	DefaultOpenWindow  = 10 * time.Second
	DefaultClickWindow = 5 * time.Second
)

// DedupGuard collapses open and click events that arrive within a short
// window of an already recorded one. Other kinds rely on provider event id
// idempotency only.
type DedupGuard struct {
	openWindow  time.Duration
	clickWindow time.Duration
}

// NewDedupGuard builds a guard. Non-positive windows fall back to the
// defaults.
func NewDedupGuard(openWindow, clickWindow time.Duration) *DedupGuard {
	if openWindow <= 0 {
		openWindow = DefaultOpenWindow
	}
	if clickWindow <= 0 {
		clickWindow = DefaultClickWindow
	}
	return &DedupGuard{openWindow: openWindow, clickWindow: clickWindow}
}

// Window returns the dedup window for a kind, or 0 when the kind is never
// windowed.
func (g *DedupGuard) Window(kind domain.EventKind) time.Duration {
	tr, ok := transitionFor(kind)
	if !ok || !tr.dedup {
		return 0
	}
	if kind == domain.KindClick {
		return g.clickWindow
	}
	return g.openWindow
}

// Duplicate reports whether an event of kind at ts (with url, for clicks)
// falls inside the window of an event already stored for the record.
func (g *DedupGuard) Duplicate(ctx context.Context, events EventRepository, trackingEmailID int64, kind domain.EventKind, ts float64, url string) (bool, error) {
	window := g.Window(kind)
	if window == 0 {
		return false, nil
	}
	delta := window.Seconds()

	existing, err := events.EventsBetween(ctx, trackingEmailID, kind, ts-delta, ts+delta)
	if err != nil {
		return false, err
	}
	tr, _ := transitionFor(kind)
	for _, e := range existing {
		if !tr.sameURL || e.URL == url {
			return true, nil
		}
	}
	return false, nil
}
