package outbound_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/outbound"
)

func postSend(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleSend(t *testing.T) {
	transport := &fakeTransport{}
	sender, store := newSender(t, transport, false)
	partner := store.AddPartner(domain.Partner{Name: "Bob", Email: "bob@example.com"})
	h := outbound.NewHandler(sender).Routes()

	w := postSend(t, h, `{
		"from": "alice@crm.example.com",
		"subject": "Hello",
		"html_body": "<body>Hi</body>",
		"res_model": "crm.lead",
		"res_id": 12,
		"recipients": [{"to": "Bob <bob@example.com>", "partner_id": `+jsonInt(partner)+`}, {"to": "carol@example.com"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Trackings []domain.TrackingEmail `json:"trackings"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Trackings, 2)
	assert.Len(t, transport.sent, 2)

	rec, err := store.GetTracking(context.Background(), body.Trackings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, rec.State)
	require.NotNil(t, rec.PartnerID)
	assert.Equal(t, partner, *rec.PartnerID)
	assert.Equal(t, "crm.lead", rec.ResModel)
	require.NotNil(t, rec.ResID)
	assert.Equal(t, int64(12), *rec.ResID)
}

func TestHandleSend_BadRequest(t *testing.T) {
	transport := &fakeTransport{}
	sender, _ := newSender(t, transport, false)
	h := outbound.NewHandler(sender).Routes()

	for _, body := range []string{
		`{not json`,
		`{"subject": "Hello", "recipients": [{"to": "bob@example.com"}]}`,
		`{"from": "alice@crm.example.com", "recipients": []}`,
	} {
		assert.Equal(t, http.StatusBadRequest, postSend(t, h, body).Code, body)
	}
	assert.Empty(t, transport.sent)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
