package domain

import (
	"testing"
	"time"
)

func TestFirstAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"to@example.com", "to@example.com"},
		{"Mr. Odoo <MrOdoo@Example.com>", "mrodoo@example.com"},
		{"a@x.com, B@y.com", "a@x.com"},
		{"broken <<x@Y.org", "x@y.org"},
		{"", ""},
		{"nobody", ""},
	}
	for _, tt := range tests {
		if got := FirstAddress(tt.raw); got != tt.want {
			t.Errorf("FirstAddress(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestTrackingState_Failed(t *testing.T) {
	failed := map[TrackingState]bool{
		StateError: true, StateRejected: true, StateSpam: true,
		StateBounced: true, StateSoftBounced: true,
	}
	all := []TrackingState{
		StateUnset, StateError, StateDeferred, StateSent, StateDelivered, StateOpened,
		StateRejected, StateSpam, StateUnsub, StateBounced, StateSoftBounced,
	}
	for _, s := range all {
		if s.Failed() != failed[s] {
			t.Errorf("%q.Failed() = %v, want %v", s, s.Failed(), failed[s])
		}
	}
	if StateSoftBounced.Bounced() {
		t.Error("soft bounce must not count as bounced")
	}
}

func TestDisplayName(t *testing.T) {
	rec := TrackingEmail{Name: "Hello", Recipient: "to@example.com"}
	if got := rec.DisplayName(); got != "Hello - to@example.com" {
		t.Errorf("DisplayName() = %q", got)
	}
	rec.Recipient = ""
	if got := rec.DisplayName(); got != "Hello" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestEpochRoundTrip(t *testing.T) {
	ts := 1471021089.25
	tm := EpochTime(ts)
	if tm.Unix() != 1471021089 || tm.Nanosecond() != 250000000 {
		t.Fatalf("EpochTime(%v) = %v", ts, tm)
	}
	if got := Epoch(tm); got != ts {
		t.Errorf("Epoch() = %v, want %v", got, ts)
	}
	rec := TrackingEmail{Time: time.Date(2016, 8, 12, 17, 0, 0, 0, time.UTC)}
	if rec.Date() != "2016-08-12" {
		t.Errorf("Date() = %q", rec.Date())
	}
}
