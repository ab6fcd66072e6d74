package tracking_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/tracking"
)

func (e *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(tracking.NewHandler(e.svc).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postWebhook(t *testing.T, srv *httptest.Server, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/mail/tracking/mailgun/all?db=crm", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleWebhook_Delivered(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	body, err := json.Marshal(env.signed(providerEvent("ev-1", "delivered", rec.ID, "1471021089")))
	require.NoError(t, err)

	resp := postWebhook(t, srv, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StateDelivered, env.get(t, rec.ID).State)
}

func TestHandleWebhook_RawProviderPayload(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	token := "f1349299097a51b9a7d886fcb5c2735b426ba200ada6e9e149"
	body := fmt.Sprintf(`{
		"signature": {"timestamp": "1471021089", "token": %q, "signature": %q},
		"event-data": {
			"id": "oXAVv5URCF-dKv8c6Sa7T",
			"timestamp": 1471021089.0,
			"event": "failed",
			"severity": "permanent",
			"recipient": "bob@example.com",
			"message": {"headers": {"message-id": "test-id@f187c54734e8"}},
			"delivery-status": {"code": 550, "message": "no such user"},
			"user-variables": {"odoo_db": "crm", "tracking_email_id": %d}
		}
	}`, token, tracking.Sign([]byte(signingKey), "1471021089", token), rec.ID)

	resp := postWebhook(t, srv, []byte(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StateBounced, env.get(t, rec.ID).State)
}

func TestHandleWebhook_NotAcceptable(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	payload := env.signed(providerEvent("ev-1", "delivered", rec.ID, "1471021089"))
	payload.Signature.Signature = strings.Repeat("0", 64)
	body, _ := json.Marshal(payload)

	resp := postWebhook(t, srv, body)
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
	assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)

	resp = postWebhook(t, srv, []byte(`{not json`))
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestHandleWebhook_StaleTimestamp(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	ts := "1471000000"
	payload := mailgun.WebhookPayload{
		Signature: mailgun.Signature{Timestamp: ts, Token: "old", Signature: tracking.Sign([]byte(signingKey), ts, "old")},
		EventData: providerEvent("ev-1", "delivered", rec.ID, ts),
	}
	body, _ := json.Marshal(payload)
	assert.Equal(t, http.StatusNotAcceptable, postWebhook(t, srv, body).StatusCode)
}

func TestHandleWebhook_UnknownTracking(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)

	body, _ := json.Marshal(env.signed(providerEvent("ev-1", "delivered", 31337, "1471021089")))
	assert.Equal(t, http.StatusNotFound, postWebhook(t, srv, body).StatusCode)
}

func TestHandleWebhook_ForeignTenant(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	ev := providerEvent("ev-1", "delivered", rec.ID, "1471021089")
	ev.UserVariables[mailgun.VarInstance] = "other"
	body, _ := json.Marshal(env.signed(ev))

	assert.Equal(t, http.StatusOK, postWebhook(t, srv, body).StatusCode)
	assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)
}

func getPixel(t *testing.T, srv *httptest.Server, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func assertPixel(t *testing.T, resp *http.Response) {
	t.Helper()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("GIF89a")))
}

func TestHandleOpen_RecordsOpen(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	resp := getPixel(t, srv, fmt.Sprintf("/mail/tracking/open/crm/%d/%s/blank.gif", rec.ID, rec.Token), http.Header{
		"User-Agent":      {"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"},
		"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"},
	})
	assertPixel(t, resp)

	assert.Equal(t, domain.StateOpened, env.get(t, rec.ID).State)
	opens := env.events(t, rec.ID, domain.KindOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, "203.0.113.7", opens[0].IP)
	assert.Equal(t, "iOS", opens[0].OSFamily)
	assert.True(t, opens[0].Mobile)
}

func TestHandleOpen_AlwaysServesPixel(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)
	rec := env.send(t)

	paths := []string{
		fmt.Sprintf("/mail/tracking/open/crm/%d/wrong-token/blank.gif", rec.ID),
		fmt.Sprintf("/mail/tracking/open/crm/%d/blank.gif", rec.ID),
		"/mail/tracking/open/crm/999999/blank.gif",
		"/mail/tracking/open/crm/not-a-number/blank.gif",
		fmt.Sprintf("/mail/tracking/open/other-db/%d/%s/blank.gif", rec.ID, rec.Token),
	}
	for _, p := range paths {
		assertPixel(t, getPixel(t, srv, p, nil))
	}
	assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)
	assert.Empty(t, env.events(t, rec.ID, domain.KindOpen))
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	srv := env.server(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
