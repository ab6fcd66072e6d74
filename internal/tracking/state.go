package tracking

import "github.com/ignite/mail-tracking/internal/domain"

// transition describes what applying one event kind does to its record.
type transition struct {
	// state is the record's new state; keep leaves it untouched.
	state domain.TrackingState
	keep  bool

	// bounce fans the event out to matching partners.
	bounce bool

	// dedup and sameURL drive near-duplicate suppression.
	dedup   bool
	sameURL bool
}

// transitions is the closed dispatch table. Every domain.EventKinds entry
// must be present.
var transitions = map[domain.EventKind]transition{
	domain.KindSent:       {state: domain.StateSent},
	domain.KindDelivered:  {state: domain.StateDelivered},
	domain.KindOpen:       {state: domain.StateOpened, dedup: true},
	domain.KindClick:      {keep: true, dedup: true, sameURL: true},
	domain.KindUnsub:      {state: domain.StateUnsub},
	domain.KindSpam:       {state: domain.StateSpam, bounce: true},
	domain.KindReject:     {state: domain.StateRejected, bounce: true},
	domain.KindHardBounce: {state: domain.StateBounced, bounce: true},
	domain.KindSoftBounce: {state: domain.StateSoftBounced},
}

func transitionFor(kind domain.EventKind) (transition, bool) {
	t, ok := transitions[kind]
	return t, ok
}
