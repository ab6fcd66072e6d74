package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ignite/mail-tracking/internal/config"
	"github.com/ignite/mail-tracking/internal/pkg/httpretry"
	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// Client is a Mailgun API client
type Client struct {
	baseURL       string
	apiKey        string
	domain        string
	validationKey string
	httpClient    httpretry.HTTPDoer
	limiter       *rate.Limiter
}

// APIError is a non-2xx answer from the Mailgun API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// NewClient creates a new Mailgun API client
func NewClient(cfg config.MailgunConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v3")
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:       base,
		apiKey:        cfg.APIKey,
		domain:        cfg.Domain,
		validationKey: cfg.ValidationKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, cfg.MaxRetries),
		limiter: limiter,
	}
}

// Domain returns the configured sending domain
func (c *Client) Domain() string {
	return c.domain
}

// do sends an authenticated request and returns the status and body. Only
// transport failures are errors here; callers decide what a status means.
func (c *Client) do(ctx context.Context, method, fullURL, key string, form url.Values) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("waiting for rate limit: %w", err)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	// Mailgun uses Basic Auth with "api" as username
	req.SetBasicAuth("api", key)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// doJSON performs a request that must succeed with 2xx and decodes the body
// into dst when dst is non-nil.
func (c *Client) doJSON(ctx context.Context, method, fullURL string, form url.Values, dst interface{}) error {
	status, body, err := c.do(ctx, method, fullURL, c.apiKey, form)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		logger.Warn("Mailgun API error", "method", method, "status", status)
		return &APIError{StatusCode: status, Body: string(body)}
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *Client) url(path string, params url.Values) string {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// EventsQuery selects the stored events of one sent message.
type EventsQuery struct {
	Begin     float64
	MessageID string
	Recipient string
}

// ListEvents fetches the first page of events for a message, oldest first.
func (c *Client) ListEvents(ctx context.Context, q EventsQuery) (*EventsResponse, error) {
	params := url.Values{}
	params.Set("begin", strconv.FormatFloat(q.Begin, 'f', -1, 64))
	params.Set("ascending", "yes")
	params.Set("message-id", strings.Trim(q.MessageID, "<>"))
	if q.Recipient != "" {
		params.Set("recipient", q.Recipient)
	}

	var response EventsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url("/v3/"+url.PathEscape(c.domain)+"/events", params), nil, &response); err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}
	return &response, nil
}

// EventsPage fetches a follow-up page from a paging URL returned by a
// previous call.
func (c *Client) EventsPage(ctx context.Context, pageURL string) (*EventsResponse, error) {
	var response EventsResponse
	if err := c.doJSON(ctx, http.MethodGet, pageURL, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching events page: %w", err)
	}
	return &response, nil
}
