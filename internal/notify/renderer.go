// Package notify renders the notes posted to a partner's conversation
// when the tracking pipeline or a mailbox check changes their email status.
package notify

import (
	"fmt"

	"github.com/osteele/liquid"
)

// Default note templates. Bindings: email, reason, event.
const (
	DefaultBounceTemplate         = "Email has been bounced: {{ email }}\nReason: {{ reason }}\nEvent: {{ event }}"
	DefaultInvalidAddressTemplate = "{{ email }} is not a valid email address. Please check it in order to avoid sending issues"
	DefaultMailboxFailedTemplate  = "{{ email }} failed the mailbox verification. Please check it in order to avoid sending issues"
)

// Renderer produces note bodies from Liquid templates parsed once at
// construction.
type Renderer struct {
	bounce  *liquid.Template
	invalid *liquid.Template
	mailbox *liquid.Template
}

// NewRenderer parses the note templates. An empty bounceTemplate uses
// DefaultBounceTemplate.
func NewRenderer(bounceTemplate string) (*Renderer, error) {
	if bounceTemplate == "" {
		bounceTemplate = DefaultBounceTemplate
	}
	engine := liquid.NewEngine()

	parse := func(name, src string) (*liquid.Template, error) {
		tpl, err := engine.ParseString(src)
		if err != nil {
			return nil, fmt.Errorf("parsing %s note template: %w", name, err)
		}
		return tpl, nil
	}

	r := &Renderer{}
	var err error
	if r.bounce, err = parse("bounce", bounceTemplate); err != nil {
		return nil, err
	}
	if r.invalid, err = parse("invalid address", DefaultInvalidAddressTemplate); err != nil {
		return nil, err
	}
	if r.mailbox, err = parse("mailbox", DefaultMailboxFailedTemplate); err != nil {
		return nil, err
	}
	return r, nil
}

// BounceNote is posted to every partner whose address bounced.
func (r *Renderer) BounceNote(email, reason, eventRef string) (string, error) {
	return render(r.bounce, liquid.Bindings{"email": email, "reason": reason, "event": eventRef})
}

// InvalidAddressNote is posted when address validation rejects an email.
func (r *Renderer) InvalidAddressNote(email string) (string, error) {
	return render(r.invalid, liquid.Bindings{"email": email})
}

// MailboxFailedNote is posted when the mailbox verification fails.
func (r *Renderer) MailboxFailedNote(email string) (string, error) {
	return render(r.mailbox, liquid.Bindings{"email": email})
}

func render(tpl *liquid.Template, b liquid.Bindings) (string, error) {
	out, err := tpl.RenderString(b)
	if err != nil {
		return "", err
	}
	return out, nil
}
