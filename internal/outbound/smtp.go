package outbound

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-smtp"
)

// SMTPTransport relays through a plain SMTP server.
type SMTPTransport struct {
	addr     string
	hostname string
}

func NewSMTPTransport(addr, hostname string) *SMTPTransport {
	return &SMTPTransport{addr: addr, hostname: hostname}
}

func (t *SMTPTransport) Server() string { return t.addr }

// Send runs one SMTP transaction.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := smtp.Dial(t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer c.Close()

	if t.hostname != "" {
		if err := c.Hello(t.hostname); err != nil {
			return err
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}
