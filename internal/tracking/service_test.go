package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
	"github.com/ignite/mail-tracking/internal/notify"
	"github.com/ignite/mail-tracking/internal/pkg/distlock"
	"github.com/ignite/mail-tracking/internal/repository/memory"
	"github.com/ignite/mail-tracking/internal/tracking"
)

const (
	signingKey  = "key-12345678901234567890123456789012"
	webhookTime = "1471021089"
	instance    = "crm"
)

type testEnv struct {
	store   *memory.Store
	svc     *tracking.Service
	partner int64
	message int64
	tokens  int
}

func newEnv(t *testing.T, opts ...tracking.Option) *testEnv {
	t.Helper()
	store := memory.New()
	verifier := tracking.NewVerifier(signingKey, tracking.NewMemoryReplayCache(100, 20*time.Minute),
		tracking.WithClock(func() time.Time { return time.Unix(1471021100, 0) }))
	notes, err := notify.NewRenderer("")
	require.NoError(t, err)

	opts = append([]tracking.Option{tracking.WithCountries(memory.NewCountries()), tracking.WithNotes(notes)}, opts...)
	env := &testEnv{
		store: store,
		svc:   tracking.NewService(store, verifier, tracking.Config{Instance: instance}, opts...),
	}
	env.partner = store.AddPartner(domain.Partner{Name: "Bob", Email: "bob@example.com"})
	env.message = store.AddMessage(domain.Message{MessageID: "<conv@crm.example.com>", Subject: "Hello", PartnerIDs: []int64{env.partner}})
	return env
}

// create stores a record for Bob without sending it.
func (e *testEnv) create(t *testing.T) *domain.TrackingEmail {
	t.Helper()
	rec, err := e.svc.CreateTracking(context.Background(), &domain.TrackingEmail{
		Name:          "Hello",
		Sender:        "Alice <alice@crm.example.com>",
		Recipient:     "Bob <bob@example.com>",
		PartnerID:     &e.partner,
		MailMessageID: &e.message,
	})
	require.NoError(t, err)
	return rec
}

// send creates a record for Bob and reports a successful SMTP hand-off.
func (e *testEnv) send(t *testing.T) *domain.TrackingEmail {
	t.Helper()
	rec := e.create(t)
	err := e.svc.MarkSent(context.Background(), rec.ID, tracking.SentInfo{
		MessageID:  fmt.Sprintf("<%d@crm.example.com>", rec.ID),
		Recipient:  "bob@example.com",
		SMTPServer: "smtp.test:25",
	})
	require.NoError(t, err)
	return e.get(t, rec.ID)
}

func (e *testEnv) get(t *testing.T, id int64) *domain.TrackingEmail {
	t.Helper()
	rec, err := e.store.GetTracking(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) events(t *testing.T, id int64, kind domain.EventKind) []domain.TrackingEvent {
	t.Helper()
	all, err := e.store.EventsForTracking(context.Background(), id)
	require.NoError(t, err)
	var out []domain.TrackingEvent
	for _, ev := range all {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// signed wraps an event in a payload with a fresh, valid signature.
func (e *testEnv) signed(ev mailgun.Event) mailgun.WebhookPayload {
	e.tokens++
	token := fmt.Sprintf("token-%d-%s", e.tokens, ev.ID)
	return mailgun.WebhookPayload{
		Signature: mailgun.Signature{
			Timestamp: webhookTime,
			Token:     token,
			Signature: tracking.Sign([]byte(signingKey), webhookTime, token),
		},
		EventData: ev,
	}
}

func (e *testEnv) deliver(t *testing.T, ev mailgun.Event) tracking.Outcome {
	t.Helper()
	outcome, err := e.svc.HandleWebhook(context.Background(), e.signed(ev))
	require.NoError(t, err)
	return outcome
}

func providerEvent(id, name string, trackingID int64, ts string) mailgun.Event {
	return mailgun.Event{
		ID:        id,
		Event:     name,
		Timestamp: json.Number(ts),
		Recipient: "bob@example.com",
		Message:   &mailgun.MessageInfo{Headers: map[string]string{"message-id": fmt.Sprintf("%d@crm.example.com", trackingID)}},
		UserVariables: map[string]interface{}{
			mailgun.VarInstance:        instance,
			mailgun.VarTrackingEmailID: strconv.FormatInt(trackingID, 10),
		},
	}
}

func TestScenarioA_SendThenDelivered(t *testing.T) {
	env := newEnv(t)
	rec := env.create(t)
	assert.Equal(t, domain.StateUnset, rec.State)
	assert.Equal(t, "bob@example.com", rec.RecipientAddress)
	assert.NotEmpty(t, rec.Token)

	rec = env.send(t)
	assert.Equal(t, domain.StateSent, rec.State)
	assert.Equal(t, fmt.Sprintf("<%d@crm.example.com>", rec.ID), rec.MessageID)
	require.Len(t, env.events(t, rec.ID, domain.KindSent), 1)

	outcome := env.deliver(t, providerEvent("ev-delivered", "delivered", rec.ID, "1471021089.25"))
	assert.Equal(t, tracking.OutcomeApplied, outcome)

	rec = env.get(t, rec.ID)
	assert.Equal(t, domain.StateDelivered, rec.State)
	delivered := env.events(t, rec.ID, domain.KindDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, 1471021089.25, delivered[0].Timestamp)
	assert.Equal(t, "ev-delivered", delivered[0].ProviderEventID)
}

func TestScenarioB_Opened(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)
	env.deliver(t, providerEvent("ev-delivered", "delivered", rec.ID, "1471021089"))

	ev := providerEvent("ev-open", "opened", rec.ID, "1471021095")
	ev.Country = "US"
	ev.DeviceType = "desktop"
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, ev))

	assert.Equal(t, domain.StateOpened, env.get(t, rec.ID).State)
	opens := env.events(t, rec.ID, domain.KindOpen)
	require.Len(t, opens, 1)
	assert.False(t, opens[0].Mobile)
	assert.Equal(t, "US", opens[0].CountryCode)
}

func TestScenarioC_ClickKeepsState(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)
	env.deliver(t, providerEvent("ev-delivered", "delivered", rec.ID, "1471021089"))

	ev := providerEvent("ev-click", "clicked", rec.ID, "1471021095")
	ev.ClientInfo = &mailgun.ClientInfo{DeviceType: "tablet"}
	ev.URL = "https://example.org"
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, ev))

	assert.Equal(t, domain.StateDelivered, env.get(t, rec.ID).State)
	clicks := env.events(t, rec.ID, domain.KindClick)
	require.Len(t, clicks, 1)
	assert.True(t, clicks[0].Mobile)
	assert.Equal(t, "https://example.org", clicks[0].URL)
}

func TestScenarioD_HardBounce(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-failed", "failed", rec.ID, "1471021089")
	ev.Severity = "permanent"
	ev.DeliveryStatus = &mailgun.DeliveryStatus{Code: 550, Message: "no such user"}
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, ev))

	rec = env.get(t, rec.ID)
	assert.Equal(t, domain.StateBounced, rec.State)
	bounces := env.events(t, rec.ID, domain.KindHardBounce)
	require.Len(t, bounces, 1)
	assert.Equal(t, "550", bounces[0].ErrorType)
	assert.Equal(t, "no such user", bounces[0].ErrorDescription)

	partner, err := env.store.GetPartner(context.Background(), env.partner)
	require.NoError(t, err)
	assert.True(t, partner.EmailBounced)

	notes := env.store.Notes(env.partner)
	require.Len(t, notes, 1)
	assert.Equal(t,
		fmt.Sprintf("Email has been bounced: bob@example.com\nReason: hard_bounce\nEvent: %d", bounces[0].ID),
		notes[0].Body)

	msg, err := env.store.GetMessage(context.Background(), env.message)
	require.NoError(t, err)
	assert.True(t, msg.NeedsAction)
}

func TestScenarioE_TenantMismatch(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-other", "delivered", rec.ID, "1471021089")
	ev.UserVariables[mailgun.VarInstance] = "other-db"
	outcome, err := env.svc.HandleWebhook(context.Background(), env.signed(ev))
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeDropped, outcome)
	assert.Empty(t, env.events(t, rec.ID, domain.KindDelivered))
	assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)
}

func TestProcess_MissingTenantDropped(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-1", "delivered", rec.ID, "1471021089")
	delete(ev.UserVariables, mailgun.VarInstance)
	outcome, err := env.svc.ProcessProviderEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeDropped, outcome)
}

func TestProcess_DuplicateProviderEventID(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-dup", "delivered", rec.ID, "1471021089")
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, ev))

	again := providerEvent("ev-dup", "failed", rec.ID, "1471021189")
	again.Severity = "permanent"
	assert.Equal(t, tracking.OutcomeDuplicate, env.deliver(t, again))

	assert.Equal(t, domain.StateDelivered, env.get(t, rec.ID).State)
	assert.Len(t, env.events(t, rec.ID, ""), 2) // sent + delivered
}

func TestProcess_DuplicateWithoutTrackingID(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-dup", "delivered", rec.ID, "1471021089")
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, ev))

	replayed := providerEvent("ev-dup", "delivered", rec.ID, "1471021089")
	replayed.UserVariables[mailgun.VarTrackingEmailID] = "not-a-number"
	outcome, err := env.svc.ProcessProviderEvent(context.Background(), replayed)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeDuplicate, outcome)

	delete(replayed.UserVariables, mailgun.VarTrackingEmailID)
	outcome, err = env.svc.ProcessProviderEvent(context.Background(), replayed)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeDuplicate, outcome)
}

func TestProcess_UnknownEventIgnored(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	outcome := env.deliver(t, providerEvent("ev-stored", "stored", rec.ID, "1471021089"))
	assert.Equal(t, tracking.OutcomeIgnored, outcome)
	assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)
	assert.Len(t, env.events(t, rec.ID, ""), 1)
}

func TestProcess_UnknownTrackingID(t *testing.T) {
	env := newEnv(t)

	_, err := env.svc.HandleWebhook(context.Background(), env.signed(providerEvent("ev-1", "delivered", 9999, "1471021089")))
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	ev := providerEvent("ev-2", "delivered", 1, "1471021089")
	delete(ev.UserVariables, mailgun.VarTrackingEmailID)
	_, err = env.svc.ProcessProviderEvent(context.Background(), ev)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestHandleWebhook_VerificationFailure(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	payload := env.signed(providerEvent("ev-1", "delivered", rec.ID, "1471021089"))
	payload.Signature.Signature = "bogus"
	_, err := env.svc.HandleWebhook(context.Background(), payload)
	assert.ErrorIs(t, err, tracking.ErrVerification)
	assert.Empty(t, env.events(t, rec.ID, domain.KindDelivered))

	// The same token cannot be reused with a good signature.
	payload.Signature.Signature = tracking.Sign([]byte(signingKey), webhookTime, payload.Signature.Token)
	_, err = env.svc.HandleWebhook(context.Background(), payload)
	assert.ErrorIs(t, err, tracking.ErrReplayedToken)
}

func TestProcess_OpenDedupWindow(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, providerEvent("open-1", "opened", rec.ID, "1471021089")))
	assert.Equal(t, tracking.OutcomeDiscarded, env.deliver(t, providerEvent("open-2", "opened", rec.ID, "1471021099")))
	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, providerEvent("open-3", "opened", rec.ID, "1471021110")))

	assert.Equal(t, domain.StateOpened, env.get(t, rec.ID).State)
	assert.Len(t, env.events(t, rec.ID, domain.KindOpen), 2)
}

func TestProcess_ClickDedupWindow(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	click := func(id, ts, url string) tracking.Outcome {
		ev := providerEvent(id, "clicked", rec.ID, ts)
		ev.URL = url
		return env.deliver(t, ev)
	}
	assert.Equal(t, tracking.OutcomeApplied, click("c-1", "1471021089", "https://example.org"))
	assert.Equal(t, tracking.OutcomeDiscarded, click("c-2", "1471021092", "https://example.org"))
	assert.Equal(t, tracking.OutcomeApplied, click("c-3", "1471021092", "https://example.org/pricing"))
	assert.Len(t, env.events(t, rec.ID, domain.KindClick), 2)
}

func TestProcess_SpamFlagsPartnerAndMessage(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	env.deliver(t, providerEvent("ev-spam", "complained", rec.ID, "1471021089"))

	assert.Equal(t, domain.StateSpam, env.get(t, rec.ID).State)
	spam := env.events(t, rec.ID, domain.KindSpam)
	require.Len(t, spam, 1)
	assert.Equal(t, "spam", spam[0].ErrorType)

	partner, _ := env.store.GetPartner(context.Background(), env.partner)
	assert.True(t, partner.EmailBounced)

	failed, err := env.svc.FailedMessages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, env.message, failed[0].Message.ID)

	require.NoError(t, env.svc.ResolveFailed(context.Background(), env.message))
	failed, err = env.svc.FailedMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestProcess_SoftBounceDoesNotFlagPartner(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t)

	ev := providerEvent("ev-temp", "failed", rec.ID, "1471021089")
	ev.Severity = "temporary"
	env.deliver(t, ev)

	assert.Equal(t, domain.StateSoftBounced, env.get(t, rec.ID).State)
	partner, _ := env.store.GetPartner(context.Background(), env.partner)
	assert.False(t, partner.EmailBounced)
	assert.Empty(t, env.store.Notes(env.partner))
}

func TestProcess_WithRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := newEnv(t, tracking.WithLocks(distlock.NewFactory(client, time.Minute)))
	rec := env.send(t)

	payloads := []mailgun.WebhookPayload{
		env.signed(providerEvent("open-a", "opened", rec.ID, "1471021089")),
		env.signed(providerEvent("open-b", "opened", rec.ID, "1471021091")),
		env.signed(providerEvent("open-c", "opened", rec.ID, "1471021093")),
	}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p mailgun.WebhookPayload) {
			defer wg.Done()
			if _, err := env.svc.HandleWebhook(context.Background(), p); err != nil {
				t.Errorf("HandleWebhook() error = %v", err)
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, env.events(t, rec.ID, domain.KindOpen), 1)
	assert.False(t, mr.Exists("lock:"+distlock.RecordKey(rec.ID)), "lock released")
}

func TestProcess_BusyLockContinues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locks := distlock.NewFactory(client, time.Minute)
	env := newEnv(t, tracking.WithLocks(locks))
	rec := env.send(t)

	held := locks(distlock.RecordKey(rec.ID))
	ok, err := held.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	svc := tracking.NewService(env.store, nil, tracking.Config{Instance: instance, LockTimeout: 50 * time.Millisecond},
		tracking.WithLocks(locks))
	outcome, err := svc.ProcessProviderEvent(context.Background(), providerEvent("ev-1", "delivered", rec.ID, "1471021089"))
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeApplied, outcome)
}

func TestTrackOpen(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	md := domain.Metadata{IP: "10.0.0.1", UserAgent: "Mozilla/5.0"}

	unsent := env.create(t)
	outcome, err := env.svc.TrackOpen(ctx, unsent.ID, unsent.Token, md)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeIgnored, outcome)
	assert.Equal(t, domain.StateUnset, env.get(t, unsent.ID).State)

	rec := env.send(t)
	_, err = env.svc.TrackOpen(ctx, rec.ID, "wrong", md)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
	_, err = env.svc.TrackOpen(ctx, rec.ID, "", md)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
	_, err = env.svc.TrackOpen(ctx, rec.ID, rec.Token[:len(rec.Token)-1], md)
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	outcome, err = env.svc.TrackOpen(ctx, rec.ID, rec.Token, md)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeApplied, outcome)
	assert.Equal(t, domain.StateOpened, env.get(t, rec.ID).State)

	opens := env.events(t, rec.ID, domain.KindOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, "10.0.0.1", opens[0].IP)

	// Already opened: no second event.
	outcome, err = env.svc.TrackOpen(ctx, rec.ID, rec.Token, md)
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeIgnored, outcome)

	_, err = env.svc.TrackOpen(ctx, 424242, "", md)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestTrackOpen_Tokenless(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	id, err := env.store.CreateTracking(ctx, &domain.TrackingEmail{Name: "legacy", State: domain.StateDelivered})
	require.NoError(t, err)

	outcome, err := env.svc.TrackOpen(ctx, id, "", domain.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, tracking.OutcomeApplied, outcome)
	assert.Equal(t, domain.StateOpened, env.get(t, id).State)
}

func TestMarkSMTPError(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec := env.create(t)

	require.NoError(t, env.svc.MarkSMTPError(ctx, rec.ID, "smtp.test:25", errors.New("connection refused")))

	rec = env.get(t, rec.ID)
	assert.Equal(t, domain.StateError, rec.State)
	assert.Equal(t, "errors.errorString", rec.ErrorType)
	assert.Equal(t, "connection refused", rec.ErrorDescription)
	assert.Equal(t, "smtp.test:25", rec.ErrorSMTPServer)

	notes := env.store.Notes(env.partner)
	require.Len(t, notes, 1)
	assert.Equal(t, "Email has been bounced: bob@example.com\nReason: error\nEvent: unknown", notes[0].Body)

	msg, _ := env.store.GetMessage(ctx, env.message)
	assert.True(t, msg.NeedsAction)
}

func TestMarkSMTPError_NoRecipient(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec, err := env.svc.CreateTracking(ctx, &domain.TrackingEmail{Name: "Hello"})
	require.NoError(t, err)

	require.NoError(t, env.svc.MarkSMTPError(ctx, rec.ID, "", tracking.ErrNoValidRecipient))

	rec = env.get(t, rec.ID)
	assert.Equal(t, domain.StateError, rec.State)
	assert.Equal(t, "no_recipient", rec.ErrorType)
	assert.Equal(t, "The partner doesn't have a defined email", rec.ErrorDescription)
	assert.Empty(t, env.store.Notes(env.partner))
}

func TestMarkSent_LinksPartner(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	carol := env.store.AddPartner(domain.Partner{Name: "Carol", Email: "carol@example.com"})

	rec, err := env.svc.CreateTracking(ctx, &domain.TrackingEmail{
		Name: "Hello", Recipient: "carol@example.com", PartnerID: &carol, MailMessageID: &env.message,
	})
	require.NoError(t, err)
	require.NoError(t, env.svc.MarkSent(ctx, rec.ID, tracking.SentInfo{MessageID: "<c@crm.example.com>"}))

	msg, err := env.store.GetMessage(ctx, env.message)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{env.partner, carol}, msg.PartnerIDs)
}

func TestRecordInboundBounce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	bob := env.send(t)
	carol, err := env.svc.CreateTracking(ctx, &domain.TrackingEmail{
		Name: "Hello", Recipient: "carol@example.com", MailMessageID: &env.message,
	})
	require.NoError(t, err)

	n, err := env.svc.RecordInboundBounce(ctx, tracking.InboundBounce{
		MailMessageID: env.message,
		BouncedEmail:  "Bob@Example.com",
		Metadata:      domain.Metadata{ErrorType: "bounce", ErrorDescription: "mailbox full"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StateSoftBounced, env.get(t, bob.ID).State)
	assert.Equal(t, domain.StateUnset, env.get(t, carol.ID).State)

	n, err = env.svc.RecordInboundBounce(ctx, tracking.InboundBounce{
		MailMessageID:    env.message,
		BouncedPartnerID: &env.partner,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmailScore(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	score, err := env.svc.EmailScore(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, score)

	score, err = env.svc.EmailScore(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, 50.0, score)

	first := env.send(t)
	env.deliver(t, providerEvent("d-1", "delivered", first.ID, "1471021089"))
	second := env.send(t)
	env.deliver(t, providerEvent("o-1", "opened", second.ID, "1471021089"))

	score, err = env.svc.EmailScore(ctx, " BOB@example.com ")
	require.NoError(t, err)
	assert.Equal(t, 56.0, score)

	bounced, err := env.svc.IsEmailBounced(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, bounced)

	third := env.send(t)
	env.svc.MarkSMTPError(ctx, third.ID, "smtp.test:25", errors.New("boom"))
	score, _ = env.svc.EmailScore(ctx, "bob@example.com")
	assert.Equal(t, 6.0, score)

	fourth := env.send(t)
	env.svc.MarkSMTPError(ctx, fourth.ID, "smtp.test:25", errors.New("boom"))
	score, _ = env.svc.EmailScore(ctx, "bob@example.com")
	assert.Zero(t, score)

	bounced, err = env.svc.IsEmailBounced(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, bounced)
}

// createForLead stores a record for Bob sent from CRM lead 12.
func (e *testEnv) createForLead(t *testing.T, at time.Time) *domain.TrackingEmail {
	t.Helper()
	lead := int64(12)
	rec, err := e.svc.CreateTracking(context.Background(), &domain.TrackingEmail{
		Name:          "Offer",
		Recipient:     "Bob <bob@example.com>",
		PartnerID:     &e.partner,
		MailMessageID: &e.message,
		ResModel:      "crm.lead",
		ResID:         &lead,
		Time:          at,
	})
	require.NoError(t, err)
	return rec
}

func TestRecordMailStatus(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	admin := tracking.AccessScope{Admin: true}

	_, err := env.svc.RecordMailStatus(ctx, "crm.lead", 12, admin)
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	first := env.createForLead(t, time.Unix(1471021000, 0))
	latest := env.createForLead(t, time.Unix(1471021050, 0))
	require.NoError(t, env.svc.MarkSent(ctx, latest.ID, tracking.SentInfo{
		MessageID: "<lead@crm.example.com>", Recipient: "bob@example.com", SMTPServer: "smtp.test:25",
	}))
	env.deliver(t, providerEvent("lead-delivered", "delivered", latest.ID, "1471021089"))

	got, err := env.svc.RecordMailStatus(ctx, "crm.lead", 12, admin)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)
	assert.Equal(t, domain.StateDelivered, got.State)

	_, err = env.svc.RecordMailStatus(ctx, "sale.order", 12, admin)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
	_, err = env.svc.RecordMailStatus(ctx, "crm.lead", 12, tracking.AccessScope{})
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestCreateTracking_DropsHalfRecordLink(t *testing.T) {
	env := newEnv(t)
	lead := int64(12)
	rec, err := env.svc.CreateTracking(context.Background(), &domain.TrackingEmail{Name: "x", ResID: &lead})
	require.NoError(t, err)
	assert.Nil(t, rec.ResID)
	assert.Empty(t, rec.ResModel)
}

func TestGetAndListHonorScope(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec := env.send(t)

	_, err := env.svc.Get(ctx, rec.ID, tracking.AccessScope{})
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	got, err := env.svc.Get(ctx, rec.ID, tracking.AccessScope{ReadableMessages: []int64{env.message}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	events, err := env.svc.Events(ctx, rec.ID, tracking.AccessScope{Admin: true})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	items, total, err := env.svc.List(ctx, tracking.ListFilter{Scope: tracking.AccessScope{}})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)

	items, total, err = env.svc.List(ctx, tracking.ListFilter{
		State: domain.StateSent, Recipient: "BOB@example.com", Scope: tracking.AccessScope{Admin: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
}

// fakeSource serves canned event pages keyed by paging URL.
type fakeSource struct {
	first   *mailgun.EventsResponse
	pages   map[string]*mailgun.EventsResponse
	err     error
	queries []mailgun.EventsQuery
}

func (f *fakeSource) ListEvents(_ context.Context, q mailgun.EventsQuery) (*mailgun.EventsResponse, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.first, nil
}

func (f *fakeSource) EventsPage(_ context.Context, pageURL string) (*mailgun.EventsResponse, error) {
	page, ok := f.pages[pageURL]
	if !ok {
		return nil, fmt.Errorf("unexpected page %s", pageURL)
	}
	return page, nil
}

func TestManualCheck(t *testing.T) {
	src := &fakeSource{}
	env := newEnv(t, tracking.WithEventSource(src, nil))
	ctx := context.Background()
	rec := env.send(t)

	opened := providerEvent("p-open", "opened", rec.ID, "1471021095")
	opened.Country = "ES"
	src.first = &mailgun.EventsResponse{
		Items:  []mailgun.Event{providerEvent("p-delivered", "delivered", rec.ID, "1471021089")},
		Paging: &mailgun.Paging{Next: "page-2"},
	}
	src.pages = map[string]*mailgun.EventsResponse{
		"page-2": {Items: []mailgun.Event{opened}, Paging: &mailgun.Paging{Next: "page-3"}},
		"page-3": {Paging: &mailgun.Paging{Next: "page-4"}},
	}

	applied, err := env.svc.ManualCheck(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, domain.StateOpened, env.get(t, rec.ID).State)

	require.Len(t, src.queries, 1)
	assert.Equal(t, fmt.Sprintf("%d@crm.example.com", rec.ID), src.queries[0].MessageID)
	assert.Equal(t, "bob@example.com", src.queries[0].Recipient)
	assert.Equal(t, rec.Timestamp, src.queries[0].Begin)

	opens := env.events(t, rec.ID, domain.KindOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, "ES", opens[0].CountryCode)

	// A second pass finds only known provider event ids.
	applied, err = env.svc.ManualCheck(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Len(t, env.events(t, rec.ID, ""), 3)
}

func TestManualCheck_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("events expired", func(t *testing.T) {
		env := newEnv(t, tracking.WithEventSource(&fakeSource{first: &mailgun.EventsResponse{}}, nil))
		rec := env.send(t)
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, tracking.ErrEventsExpired)
	})

	t.Run("no message id", func(t *testing.T) {
		env := newEnv(t, tracking.WithEventSource(&fakeSource{}, nil))
		rec := env.create(t)
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, tracking.ErrNoMessageID)
	})

	t.Run("provider failure", func(t *testing.T) {
		env := newEnv(t, tracking.WithEventSource(&fakeSource{err: errors.New("502 bad gateway")}, nil))
		rec := env.send(t)
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, tracking.ErrProviderUnavailable)
	})

	t.Run("page failure", func(t *testing.T) {
		src := &fakeSource{pages: map[string]*mailgun.EventsResponse{}}
		env := newEnv(t, tracking.WithEventSource(src, nil))
		rec := env.send(t)
		src.first = &mailgun.EventsResponse{
			Items:  []mailgun.Event{providerEvent("p-1", "delivered", rec.ID, "1471021089")},
			Paging: &mailgun.Paging{Next: "missing"},
		}
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, tracking.ErrProviderUnavailable)
		assert.Equal(t, domain.StateSent, env.get(t, rec.ID).State)
	})

	t.Run("not configured", func(t *testing.T) {
		missing := errors.New("mailgun api key missing")
		env := newEnv(t, tracking.WithEventSource(&fakeSource{}, missing))
		rec := env.send(t)
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, missing)
	})

	t.Run("no source", func(t *testing.T) {
		env := newEnv(t)
		rec := env.send(t)
		_, err := env.svc.ManualCheck(ctx, rec.ID)
		assert.ErrorIs(t, err, tracking.ErrProviderUnavailable)
	})

	t.Run("unknown record", func(t *testing.T) {
		env := newEnv(t, tracking.WithEventSource(&fakeSource{}, nil))
		_, err := env.svc.ManualCheck(ctx, 777)
		assert.ErrorIs(t, err, tracking.ErrNotFound)
	})
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []tracking.EventNotice
}

func (r *noticeRecorder) Publish(_ context.Context, n tracking.EventNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func TestPublisherReceivesStoredEvents(t *testing.T) {
	feed := &noticeRecorder{}
	env := newEnv(t, tracking.WithPublisher(feed))
	ctx := context.Background()
	rec := env.send(t)

	assert.Equal(t, tracking.OutcomeApplied, env.deliver(t, providerEvent("ev-1", "delivered", rec.ID, "1471021089")))
	assert.Equal(t, tracking.OutcomeDuplicate, env.deliver(t, providerEvent("ev-1", "delivered", rec.ID, "1471021089")))
	assert.Equal(t, tracking.OutcomeIgnored, env.deliver(t, providerEvent("ev-2", "stored", rec.ID, "1471021090")))

	_, err := env.svc.TrackOpen(ctx, rec.ID, rec.Token, domain.Metadata{Timestamp: 1471021095, Time: time.Unix(1471021095, 0)})
	require.NoError(t, err)
	_, err = env.svc.TrackOpen(ctx, rec.ID, rec.Token, domain.Metadata{Timestamp: 1471021096, Time: time.Unix(1471021096, 0)})
	require.NoError(t, err)

	require.Len(t, feed.notices, 2, "duplicates, ignored kinds and windowed opens are not published")
	first := feed.notices[0]
	assert.Equal(t, instance, first.Instance)
	assert.Equal(t, rec.ID, first.TrackingEmailID)
	assert.Equal(t, domain.KindDelivered, first.Kind)
	assert.Equal(t, domain.StateDelivered, first.State)
	assert.Equal(t, "bob@example.com", first.Recipient)
	assert.NotZero(t, first.EventID)

	assert.Equal(t, domain.KindOpen, feed.notices[1].Kind)
	assert.Equal(t, domain.StateOpened, feed.notices[1].State)
}
