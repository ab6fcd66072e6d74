package mailgun

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// User-variable keys stamped into outgoing mail.
const (
	VarInstance        = "odoo_db"
	VarTrackingEmailID = "tracking_email_id"
)

// ErrNoTrackingID is returned when an event carries no usable tracking id.
var ErrNoTrackingID = errors.New("mailgun: event has no tracking_email_id")

// EventsResponse represents events from the logs API
type EventsResponse struct {
	Items  []Event `json:"items"`
	Paging *Paging `json:"paging,omitempty"`
}

// NextURL returns the next-page URL, or "".
func (r *EventsResponse) NextURL() string {
	if r == nil || r.Paging == nil {
		return ""
	}
	return r.Paging.Next
}

// Paging represents pagination for events
type Paging struct {
	Next     string `json:"next"`
	Previous string `json:"previous"`
	First    string `json:"first"`
	Last     string `json:"last"`
}

// WebhookPayload is the body Mailgun posts to a registered webhook.
type WebhookPayload struct {
	Signature Signature `json:"signature"`
	EventData Event     `json:"event-data"`
}

// Signature is the authentication triple sent with every webhook.
type Signature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

// Event represents a single event from the logs API or a webhook.
//
// Engagement details arrive either nested (client-info, geolocation) or as
// top-level keys depending on the API generation; both are decoded.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      json.Number            `json:"timestamp"`
	Event          string                 `json:"event"`
	Recipient      string                 `json:"recipient"`
	Severity       string                 `json:"severity,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	DeliveryStatus *DeliveryStatus        `json:"delivery-status,omitempty"`
	Reject         *Reject                `json:"reject,omitempty"`
	Message        *MessageInfo           `json:"message,omitempty"`
	Envelope       *Envelope              `json:"envelope,omitempty"`
	UserVariables  map[string]interface{} `json:"user-variables,omitempty"`
	IP             string                 `json:"ip,omitempty"`
	URL            string                 `json:"url,omitempty"`
	ClientInfo     *ClientInfo            `json:"client-info,omitempty"`
	Geolocation    *Geolocation           `json:"geolocation,omitempty"`

	UserAgent  string `json:"user-agent,omitempty"`
	ClientOS   string `json:"client-os,omitempty"`
	ClientName string `json:"client-name,omitempty"`
	ClientType string `json:"client-type,omitempty"`
	DeviceType string `json:"device-type,omitempty"`
	Country    string `json:"country,omitempty"`
	Region     string `json:"region,omitempty"`
	City       string `json:"city,omitempty"`
}

// DeliveryStatus represents delivery status info
type DeliveryStatus struct {
	AttemptNo      int     `json:"attempt-no"`
	Code           int     `json:"code"`
	Description    string  `json:"description"`
	Message        string  `json:"message"`
	SessionSeconds float64 `json:"session-seconds"`
	EnhancedCode   string  `json:"enhanced-code,omitempty"`
	MXHost         string  `json:"mx-host,omitempty"`
}

// Reject explains a "rejected" event.
type Reject struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// MessageInfo represents message information
type MessageInfo struct {
	Headers map[string]string `json:"headers"`
	Size    int64             `json:"size"`
}

// Envelope represents email envelope info
type Envelope struct {
	Sender    string `json:"sender"`
	SendingIP string `json:"sending-ip"`
	Targets   string `json:"targets"`
	Transport string `json:"transport"`
}

// ClientInfo represents client/device info for opens/clicks
type ClientInfo struct {
	ClientOS   string `json:"client-os"`
	DeviceType string `json:"device-type"`
	ClientName string `json:"client-name"`
	ClientType string `json:"client-type"`
	UserAgent  string `json:"user-agent"`
}

// Geolocation represents geographic info
type Geolocation struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// EpochSeconds returns the event timestamp, or false when it is missing or
// not numeric.
func (e Event) EpochSeconds() (float64, bool) {
	if e.Timestamp == "" {
		return 0, false
	}
	ts, err := strconv.ParseFloat(string(e.Timestamp), 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}

// MessageID returns the message-id header the event refers to.
func (e Event) MessageID() string {
	if e.Message == nil {
		return ""
	}
	for k, v := range e.Message.Headers {
		if strings.EqualFold(k, "message-id") {
			return v
		}
	}
	return ""
}

// Instance returns the tenant tag from the user variables and whether it
// was present.
func (e Event) Instance() (string, bool) {
	v, ok := e.UserVariables[VarInstance]
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

// TrackingEmailID parses the tracking record id from the user variables.
// Mailgun echoes it back as a string or a number.
func (e Event) TrackingEmailID() (int64, error) {
	v, ok := e.UserVariables[VarTrackingEmailID]
	if !ok || v == nil {
		return 0, ErrNoTrackingID
	}
	switch id := v.(type) {
	case float64:
		return int64(id), nil
	case json.Number:
		return id.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNoTrackingID, id)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrNoTrackingID, v)
	}
}

// WebhooksResponse lists the webhooks registered for a domain. Older
// webhooks carry a single url, newer ones a list.
type WebhooksResponse struct {
	Webhooks map[string]WebhookTarget `json:"webhooks"`
}

// WebhookTarget is one registered webhook.
type WebhookTarget struct {
	URL  string   `json:"url,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// All returns every URL of the webhook.
func (w WebhookTarget) All() []string {
	if len(w.URLs) > 0 {
		return w.URLs
	}
	if w.URL != "" {
		return []string{w.URL}
	}
	return nil
}

// ValidationResult is the answer of the address validation API.
type ValidationResult struct {
	Address             string          `json:"address"`
	IsValid             bool            `json:"is_valid"`
	MailboxVerification json.RawMessage `json:"mailbox_verification"`
}

// Mailbox returns the mailbox verification verdict ("true", "false",
// "unknown") and whether the field was returned at all.
func (v ValidationResult) Mailbox() (string, bool) {
	raw := strings.TrimSpace(string(v.MailboxVerification))
	if raw == "" {
		return "", false
	}
	if raw == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(v.MailboxVerification, &s); err == nil {
		return strings.ToLower(s), true
	}
	var b bool
	if err := json.Unmarshal(v.MailboxVerification, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return raw, true
}
