package domain

import (
	"net/mail"
	"strings"
	"time"
)

// TrackingState is the delivery state of a tracked email. The zero value
// means no state has been recorded yet.
type TrackingState string

const (
	StateUnset       TrackingState = ""
	StateError       TrackingState = "error"
	StateDeferred    TrackingState = "deferred"
	StateSent        TrackingState = "sent"
	StateDelivered   TrackingState = "delivered"
	StateOpened      TrackingState = "opened"
	StateRejected    TrackingState = "rejected"
	StateSpam        TrackingState = "spam"
	StateUnsub       TrackingState = "unsub"
	StateBounced     TrackingState = "bounced"
	StateSoftBounced TrackingState = "soft-bounced"
)

// FailedStates are the delivery states that require user attention on the
// originating conversation message.
var FailedStates = []TrackingState{
	StateError, StateRejected, StateSpam, StateBounced, StateSoftBounced,
}

// Failed reports whether the state is a delivery failure.
func (s TrackingState) Failed() bool {
	for _, f := range FailedStates {
		if s == f {
			return true
		}
	}
	return false
}

// Bounced reports whether the state marks the address as undeliverable.
// Soft bounces are not included.
func (s TrackingState) Bounced() bool {
	switch s {
	case StateRejected, StateError, StateSpam, StateBounced:
		return true
	}
	return false
}

// EventKind is the canonical, provider-agnostic event vocabulary.
type EventKind string

const (
	KindSent       EventKind = "sent"
	KindDelivered  EventKind = "delivered"
	KindOpen       EventKind = "open"
	KindClick      EventKind = "click"
	KindUnsub      EventKind = "unsub"
	KindSpam       EventKind = "spam"
	KindReject     EventKind = "reject"
	KindHardBounce EventKind = "hard_bounce"
	KindSoftBounce EventKind = "soft_bounce"

	// KindUnknown is returned for provider events with no canonical equivalent.
	KindUnknown EventKind = "UNKNOWN"
)

// EventKinds lists every canonical kind that produces an Event.
var EventKinds = []EventKind{
	KindSent, KindDelivered, KindOpen, KindClick, KindUnsub,
	KindSpam, KindReject, KindHardBounce, KindSoftBounce,
}

// TrackingEmail is the per-recipient record of one outbound message's
// delivery lifecycle.
type TrackingEmail struct {
	ID    int64  `json:"id" db:"id"`
	Token string `json:"-" db:"token"`

	Name          string `json:"name" db:"name"`
	MailID        *int64 `json:"mail_id,omitempty" db:"mail_id"`
	MailMessageID *int64 `json:"mail_message_id,omitempty" db:"mail_message_id"`
	PartnerID     *int64 `json:"partner_id,omitempty" db:"partner_id"`

	// ResModel and ResID name the business record the mail was sent from,
	// e.g. a CRM lead.
	ResModel string `json:"res_model,omitempty" db:"res_model"`
	ResID    *int64 `json:"res_id,omitempty" db:"res_id"`

	// MessageID is the RFC 5322 Message-ID of the outgoing copy, known once
	// the transport accepted it.
	MessageID string `json:"message_id,omitempty" db:"message_id"`

	Sender           string `json:"sender" db:"sender"`
	Recipient        string `json:"recipient" db:"recipient"`
	RecipientAddress string `json:"recipient_address" db:"recipient_address"`

	Timestamp float64   `json:"timestamp" db:"timestamp"`
	Time      time.Time `json:"time" db:"time"`

	State TrackingState `json:"state" db:"state"`

	ErrorSMTPServer  string `json:"error_smtp_server,omitempty" db:"error_smtp_server"`
	ErrorType        string `json:"error_type,omitempty" db:"error_type"`
	ErrorDescription string `json:"error_description,omitempty" db:"error_description"`
}

// DisplayName is "subject - recipient".
func (t TrackingEmail) DisplayName() string {
	parts := []string{t.Name}
	if t.Recipient != "" {
		parts = append(parts, t.Recipient)
	}
	return strings.Join(parts, " - ")
}

// Date is the calendar date of the record's creation time.
func (t TrackingEmail) Date() string {
	return t.Time.UTC().Format("2006-01-02")
}

// TrackingEvent is one immutable observation of a delivery occurrence.
type TrackingEvent struct {
	ID              int64     `json:"id" db:"id"`
	TrackingEmailID int64     `json:"tracking_email_id" db:"tracking_email_id"`
	Kind            EventKind `json:"event_type" db:"event_type"`
	Timestamp       float64   `json:"timestamp" db:"timestamp"`
	Time            time.Time `json:"time" db:"time"`

	// ProviderEventID is unique across all events when set.
	ProviderEventID string `json:"provider_event_id,omitempty" db:"provider_event_id"`

	Recipient   string `json:"recipient,omitempty" db:"recipient"`
	IP          string `json:"ip,omitempty" db:"ip"`
	UserAgent   string `json:"user_agent,omitempty" db:"user_agent"`
	OSFamily    string `json:"os_family,omitempty" db:"os_family"`
	UAFamily    string `json:"ua_family,omitempty" db:"ua_family"`
	UAType      string `json:"ua_type,omitempty" db:"ua_type"`
	Mobile      bool   `json:"mobile" db:"mobile"`
	CountryCode string `json:"country_code,omitempty" db:"country_code"`
	SMTPServer  string `json:"smtp_server,omitempty" db:"smtp_server"`

	URL string `json:"url,omitempty" db:"url"`

	ErrorType        string `json:"error_type,omitempty" db:"error_type"`
	ErrorDescription string `json:"error_description,omitempty" db:"error_description"`
	ErrorDetails     string `json:"error_details,omitempty" db:"error_details"`
}

// RecipientAddress is the lower-cased address echoed by the event, if any.
func (e TrackingEvent) RecipientAddress() string {
	return FirstAddress(e.Recipient)
}

// Metadata is the normalized, flat description of one delivery occurrence.
// Absent source fields stay at their zero value.
type Metadata struct {
	Timestamp       float64   `json:"timestamp,omitempty"`
	Time            time.Time `json:"time"`
	Date            string    `json:"date,omitempty"`
	ProviderEventID string    `json:"provider_event_id,omitempty"`

	Recipient  string   `json:"recipient,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
	OSFamily   string   `json:"os_family,omitempty"`
	UAFamily   string   `json:"ua_family,omitempty"`
	UAType     string   `json:"ua_type,omitempty"`
	URL        string   `json:"url,omitempty"`
	Mobile     bool     `json:"mobile"`
	Country    *Country `json:"country,omitempty"`
	SMTPServer string   `json:"smtp_server,omitempty"`

	ErrorType        string `json:"error_type,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorDetails     string `json:"error_details,omitempty"`
}

// Country is an entry of the reference country catalog.
type Country struct {
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// FirstAddress returns the first address of a raw recipient header value,
// lower-cased, or "" when none can be found.
func FirstAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if list, err := mail.ParseAddressList(raw); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '<' || r == '>'
	}) {
		if strings.Contains(field, "@") {
			return strings.ToLower(strings.Trim(field, `"'`))
		}
	}
	return ""
}

// EpochTime converts a float epoch into a UTC time.
func EpochTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Epoch converts a time into a float epoch with microsecond precision.
func Epoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
