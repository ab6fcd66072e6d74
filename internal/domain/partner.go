package domain

import "time"

// Partner is a contact of the surrounding platform that tracked emails can
// be addressed to.
type Partner struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Email        string `json:"email" db:"email"`
	EmailBounced bool   `json:"email_bounced" db:"email_bounced"`
}

// Note is a message posted to a partner's conversation.
type Note struct {
	ID        int64     `json:"id" db:"id"`
	PartnerID int64     `json:"partner_id" db:"partner_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Message is a conversation message that outbound emails originate from.
type Message struct {
	ID          int64   `json:"id" db:"id"`
	MessageID   string  `json:"message_id" db:"message_id"`
	Subject     string  `json:"subject" db:"subject"`
	NeedsAction bool    `json:"needs_action" db:"needs_action"`
	PartnerIDs  []int64 `json:"partner_ids" db:"-"`
}

// FailedMessage is a conversation message awaiting user attention together
// with its failed tracking records.
type FailedMessage struct {
	Message   Message         `json:"message"`
	Trackings []TrackingEmail `json:"trackings"`
}
