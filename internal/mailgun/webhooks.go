package mailgun

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// WebhookEvents are the event families the tracking endpoint subscribes to.
var WebhookEvents = []string{
	"clicked",
	"complained",
	"delivered",
	"opened",
	"permanent_fail",
	"temporary_fail",
	"unsubscribed",
}

// Webhooks returns the registered webhooks keyed by event family.
func (c *Client) Webhooks(ctx context.Context) (map[string]WebhookTarget, error) {
	var response WebhooksResponse
	path := "/v3/domains/" + url.PathEscape(c.domain) + "/webhooks"
	if err := c.doJSON(ctx, http.MethodGet, c.url(path, nil), nil, &response); err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	return response.Webhooks, nil
}

// RegisterWebhook points one event family at target.
func (c *Client) RegisterWebhook(ctx context.Context, event, target string) error {
	form := url.Values{}
	form.Set("id", event)
	form.Set("url", target)
	path := "/v3/domains/" + url.PathEscape(c.domain) + "/webhooks"
	if err := c.doJSON(ctx, http.MethodPost, c.url(path, nil), form, nil); err != nil {
		return fmt.Errorf("registering %s webhook: %w", event, err)
	}
	return nil
}

// DeleteWebhook removes the webhook of one event family.
func (c *Client) DeleteWebhook(ctx context.Context, event string) error {
	path := "/v3/domains/" + url.PathEscape(c.domain) + "/webhooks/" + url.PathEscape(event)
	if err := c.doJSON(ctx, http.MethodDelete, c.url(path, nil), nil, nil); err != nil {
		return fmt.Errorf("deleting %s webhook: %w", event, err)
	}
	return nil
}
