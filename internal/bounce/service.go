// Package bounce checks partner addresses against the provider: mailbox
// validation and the domain's bounce list.
package bounce

import (
	"context"
	"fmt"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// Provider is the slice of the Mailgun API used here.
type Provider interface {
	ValidateAddress(ctx context.Context, address string) (*mailgun.ValidationResult, error)
	IsBounced(ctx context.Context, address string) (bool, error)
	AddBounce(ctx context.Context, address string) error
	DeleteBounce(ctx context.Context, address string) error
}

// Notes renders the partner notes posted by automatic validation.
type Notes interface {
	InvalidAddressNote(email string) (string, error)
	MailboxFailedNote(email string) (string, error)
}

// Config carries the provider readiness checks, typically
// MailgunConfig.Require and RequireValidationKey results.
type Config struct {
	APIReady        error
	ValidationReady error
}

// Service runs partner address checks.
type Service struct {
	provider Provider
	partners tracking.PartnerDirectory
	notes    Notes
	cfg      Config
}

func NewService(provider Provider, partners tracking.PartnerDirectory, notes Notes, cfg Config) *Service {
	return &Service{provider: provider, partners: partners, notes: notes, cfg: cfg}
}

// Validation is the verdict of one mailbox validation.
type Validation struct {
	PartnerID int64  `json:"partner_id"`
	Email     string `json:"email"`
	Valid     bool   `json:"valid"`
	Mailbox   string `json:"mailbox_verification"`
	Bounced   bool   `json:"email_bounced"`
}

// ValidatePartner checks a partner's address with the validation API.
//
// When auto is false every negative or inconclusive answer is returned as
// an error. When auto is true (checks triggered by an address change) an
// invalid address flags the partner bounced and posts a note, and
// inconclusive answers are accepted silently.
func (s *Service) ValidatePartner(ctx context.Context, partnerID int64, auto bool) (*Validation, error) {
	if s.cfg.ValidationReady != nil {
		return nil, s.cfg.ValidationReady
	}
	p, err := s.partnerWithEmail(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	v := &Validation{PartnerID: p.ID, Email: p.Email, Bounced: p.EmailBounced}

	res, err := s.provider.ValidateAddress(ctx, p.Email)
	if err != nil {
		if auto {
			logger.Warn("Mailgun address validation failed", "partner_id", p.ID, "email", p.Email, "error", err)
			return v, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}

	mailbox, present := res.Mailbox()
	v.Valid = res.IsValid
	v.Mailbox = mailbox
	if !present && !auto {
		return nil, ErrNoMailboxVerdict
	}

	if !res.IsValid || mailbox == "false" {
		failure, render := ErrInvalidAddress, s.invalidNote
		if res.IsValid {
			failure, render = ErrMailboxFailed, s.mailboxNote
		}
		if !auto {
			return nil, fmt.Errorf("%s: %w", p.Email, failure)
		}
		if err := s.partners.SetEmailBounced(ctx, p.ID, true); err != nil {
			return nil, err
		}
		if err := s.partners.PostNote(ctx, p.ID, render(p.Email)); err != nil {
			return nil, err
		}
		v.Bounced = true
		logger.Info("Partner email failed validation", "partner_id", p.ID, "email", p.Email, "mailbox", mailbox)
		return v, nil
	}

	if mailbox == "unknown" && !auto {
		return nil, fmt.Errorf("%s: %w: either the request couldn't be completed or the mailbox provider doesn't support email verification",
			p.Email, ErrMailboxUnverifiable)
	}
	return v, nil
}

// CheckBounced syncs the partner's bounced flag from the provider's bounce
// list and returns the new value.
func (s *Service) CheckBounced(ctx context.Context, partnerID int64) (bool, error) {
	if s.cfg.APIReady != nil {
		return false, s.cfg.APIReady
	}
	p, err := s.partnerWithEmail(ctx, partnerID)
	if err != nil {
		return false, err
	}
	bounced, err := s.provider.IsBounced(ctx, p.Email)
	if err != nil {
		return p.EmailBounced, fmt.Errorf("%w: %v", tracking.ErrProviderUnavailable, err)
	}
	if err := s.partners.SetEmailBounced(ctx, p.ID, bounced); err != nil {
		return false, err
	}
	return bounced, nil
}

// ForceSetBounced adds the partner's address to the bounce list and flags
// the partner.
func (s *Service) ForceSetBounced(ctx context.Context, partnerID int64) error {
	if s.cfg.APIReady != nil {
		return s.cfg.APIReady
	}
	p, err := s.partnerWithEmail(ctx, partnerID)
	if err != nil {
		return err
	}
	if err := s.provider.AddBounce(ctx, p.Email); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderBounceUpdate, err)
	}
	logger.Info("Partner email force-bounced", "partner_id", p.ID, "email", p.Email)
	return s.partners.SetEmailBounced(ctx, p.ID, true)
}

// ForceUnsetBounced removes the partner's address from the bounce list and
// clears the flag.
func (s *Service) ForceUnsetBounced(ctx context.Context, partnerID int64) error {
	if s.cfg.APIReady != nil {
		return s.cfg.APIReady
	}
	p, err := s.partnerWithEmail(ctx, partnerID)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteBounce(ctx, p.Email); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderBounceUpdate, err)
	}
	logger.Info("Partner email bounce cleared", "partner_id", p.ID, "email", p.Email)
	return s.partners.SetEmailBounced(ctx, p.ID, false)
}

func (s *Service) partnerWithEmail(ctx context.Context, partnerID int64) (*domain.Partner, error) {
	p, err := s.partners.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if p.Email == "" {
		return nil, ErrNoEmail
	}
	return p, nil
}

func (s *Service) invalidNote(email string) string {
	fallback := fmt.Sprintf("%s is not a valid email address. Please check it in order to avoid sending issues", email)
	if s.notes == nil {
		return fallback
	}
	body, err := s.notes.InvalidAddressNote(email)
	if err != nil {
		logger.Warn("Invalid address note template failed", "error", err)
		return fallback
	}
	return body
}

func (s *Service) mailboxNote(email string) string {
	fallback := fmt.Sprintf("%s failed the mailbox verification. Please check it in order to avoid sending issues", email)
	if s.notes == nil {
		return fallback
	}
	body, err := s.notes.MailboxFailedNote(email)
	if err != nil {
		logger.Warn("Mailbox note template failed", "error", err)
		return fallback
	}
	return body
}
