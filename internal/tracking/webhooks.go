package tracking

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// WebhookClient manages provider webhook registrations.
type WebhookClient interface {
	Webhooks(ctx context.Context) (map[string]mailgun.WebhookTarget, error)
	RegisterWebhook(ctx context.Context, event, target string) error
	DeleteWebhook(ctx context.Context, event string) error
}

// WebhookManager points the provider's webhooks at this instance.
type WebhookManager struct {
	client WebhookClient
	ready  error
	target string
}

// NewWebhookManager builds a manager posting to
// {webhooksDomain}/mail/tracking/mailgun/all?db={instance}. ready is the
// provider configuration check; when non-nil every call returns it.
func NewWebhookManager(client WebhookClient, ready error, webhooksDomain, instance string) *WebhookManager {
	return &WebhookManager{
		client: client,
		ready:  ready,
		target: WebhookURL(webhooksDomain, instance),
	}
}

// WebhookURL is the public webhook endpoint of an instance.
func WebhookURL(webhooksDomain, instance string) string {
	return strings.TrimRight(webhooksDomain, "/") + "/mail/tracking/mailgun/all?db=" + url.QueryEscape(instance)
}

// Target returns the URL webhooks are registered with.
func (m *WebhookManager) Target() string { return m.target }

// Register subscribes every tracked event family.
func (m *WebhookManager) Register(ctx context.Context) error {
	if m.ready != nil {
		return m.ready
	}
	for _, event := range mailgun.WebhookEvents {
		logger.Info("Registering webhook", "event", event, "url", m.target)
		if err := m.client.RegisterWebhook(ctx, event, m.target); err != nil {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}

// Unregister removes every webhook currently registered on the domain.
func (m *WebhookManager) Unregister(ctx context.Context) error {
	if m.ready != nil {
		return m.ready
	}
	hooks, err := m.client.Webhooks(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	for event, target := range hooks {
		logger.Info("Deleting webhook", "event", event, "urls", strings.Join(target.All(), ", "))
		if err := m.client.DeleteWebhook(ctx, event); err != nil {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}
