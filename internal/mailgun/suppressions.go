package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ValidateAddress runs the mailbox verification API with the validation
// key. A non-200 answer is returned as *APIError.
func (c *Client) ValidateAddress(ctx context.Context, address string) (*ValidationResult, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("mailbox_verification", "true")

	status, body, err := c.do(ctx, http.MethodGet, c.url("/v3/address/validate", params), c.validationKey, nil)
	if err != nil {
		return nil, fmt.Errorf("validating address: %w", err)
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var result ValidationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing validation response: %w", err)
	}
	return &result, nil
}

// IsBounced reports whether address is on the domain's bounce list.
func (c *Client) IsBounced(ctx context.Context, address string) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.bounceURL(address), c.apiKey, nil)
	if err != nil {
		return false, fmt.Errorf("checking bounce list: %w", err)
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &APIError{StatusCode: status, Body: string(body)}
	}
}

// AddBounce puts address on the domain's bounce list.
func (c *Client) AddBounce(ctx context.Context, address string) error {
	form := url.Values{}
	form.Set("address", address)
	path := "/v3/" + url.PathEscape(c.domain) + "/bounces"
	status, body, err := c.do(ctx, http.MethodPost, c.url(path, nil), c.apiKey, form)
	if err != nil {
		return fmt.Errorf("adding bounce: %w", err)
	}
	if status != http.StatusOK {
		return &APIError{StatusCode: status, Body: string(body)}
	}
	return nil
}

// DeleteBounce removes address from the bounce list. An address that was
// not listed counts as removed.
func (c *Client) DeleteBounce(ctx context.Context, address string) error {
	status, body, err := c.do(ctx, http.MethodDelete, c.bounceURL(address), c.apiKey, nil)
	if err != nil {
		return fmt.Errorf("deleting bounce: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return &APIError{StatusCode: status, Body: string(body)}
	}
	return nil
}

func (c *Client) bounceURL(address string) string {
	return c.url("/v3/"+url.PathEscape(c.domain)+"/bounces/"+url.PathEscape(address), nil)
}
