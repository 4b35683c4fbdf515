package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/suspectuso/pay-intake/internal/storage"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func newTestService(t *testing.T, secret string) (*Service, *fakeSessions, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := &fakeSessions{}
	svc := NewService(Config{Domain: "https://donate.example.org/", WebhookSecret: secret},
		sessions, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, sessions, store
}

func TestAmountToCents(t *testing.T) {
	cases := map[string]int64{
		"25":     2500,
		"10.5":   1050,
		"0.015":  2,
		"0.025":  2,
		"19.999": 2000,
		"0":      0,
		"-3":     0,
		"":       0,
		"abc":    0,
		"0.004":  0,

		"999999999.99": 99999999999,
		"1e9":          0,
		"1e20000000":   0,
		"1e-20000000":  0,
	}
	for in, want := range cases {
		assert.Equal(t, want, AmountToCents(in), "amount %q", in)
	}
}

func TestParseFrequency(t *testing.T) {
	f, r := ParseFrequency("")
	assert.Equal(t, "one_time", f)
	assert.Nil(t, r)

	f, r = ParseFrequency(" Quarterly ")
	assert.Equal(t, "quarterly", f)
	assert.Equal(t, &Recurrence{Interval: "month", IntervalCount: 3}, r)

	_, r = ParseFrequency("yearly")
	assert.Equal(t, &Recurrence{Interval: "year", IntervalCount: 1}, r)

	_, r = ParseFrequency("fortnightly")
	assert.Equal(t, &Recurrence{Interval: "month", IntervalCount: 1}, r)
}

func TestCreateSessionOneTime(t *testing.T) {
	svc, sessions, _ := newTestService(t, "")

	url, err := svc.CreateSession(context.Background(), Donation{
		Amount:    "25",
		Frequency: "one_time",
		FirstName: "Ada",
		Email:     "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", url)

	p := sessions.params
	require.NotNil(t, p)
	assert.Equal(t, "payment", *p.Mode)
	assert.Equal(t, "https://donate.example.org/donate/success/", *p.SuccessURL)
	assert.Equal(t, "https://donate.example.org/donate/cancel/", *p.CancelURL)
	assert.Equal(t, "ada@example.com", *p.CustomerEmail)
	require.Len(t, p.LineItems, 1)
	assert.Equal(t, int64(2500), *p.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *p.LineItems[0].PriceData.Currency)
	assert.Nil(t, p.LineItems[0].PriceData.Recurring)
	assert.Equal(t, "Donation", *p.LineItems[0].PriceData.ProductData.Name)
	assert.Equal(t, DefaultOrg, p.Metadata["org"])
	assert.Equal(t, "Ada", p.PaymentIntentData.Metadata["first_name"])
	assert.Nil(t, p.SubscriptionData)
}

func TestCreateSessionQuarterly(t *testing.T) {
	svc, sessions, _ := newTestService(t, "")

	_, err := svc.CreateSession(context.Background(), Donation{Amount: "10.00", Frequency: "quarterly", Org: "tanya-client"})
	require.NoError(t, err)

	p := sessions.params
	assert.Equal(t, "subscription", *p.Mode)
	assert.Nil(t, p.CustomerEmail)
	rec := p.LineItems[0].PriceData.Recurring
	require.NotNil(t, rec)
	assert.Equal(t, "month", *rec.Interval)
	assert.Equal(t, int64(3), *rec.IntervalCount)
	assert.Equal(t, "Recurring Donation (Quarterly)", *p.LineItems[0].PriceData.ProductData.Name)
	assert.Equal(t, "tanya-client", p.SubscriptionData.Metadata["org"])
	assert.Equal(t, "quarterly", p.Metadata["frequency"])
}

func TestCreateSessionInvalidAmount(t *testing.T) {
	svc, sessions, _ := newTestService(t, "")
	_, err := svc.CreateSession(context.Background(), Donation{Amount: "0"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Nil(t, sessions.params)
}

func TestCreateSessionProviderError(t *testing.T) {
	svc, sessions, _ := newTestService(t, "")
	sessions.err = errors.New("card_declined")
	_, err := svc.CreateSession(context.Background(), Donation{Amount: "5"})
	assert.ErrorIs(t, err, ErrProvider)
}

const completedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_test_42",
    "object": "checkout.session",
    "mode": "subscription",
    "amount_total": 2500,
    "currency": "usd",
    "customer_details": {"email": "donor@example.com", "name": "Grace Hopper"},
    "metadata": {"org": "tanya-client", "frequency": "monthly"},
    "subscription": "sub_42"
  }}
}`

const failedInvoiceEvent = `{
  "id": "evt_2",
  "object": "event",
  "type": "invoice.payment_failed",
  "data": {"object": {"id": "in_1", "object": "invoice", "subscription": "sub_42"}}
}`

func TestHandleWebhookUnsigned(t *testing.T) {
	svc, _, store := newTestService(t, "")
	ctx := context.Background()

	require.NoError(t, svc.HandleWebhook(ctx, []byte(completedEvent), ""))
	// redelivery is harmless
	require.NoError(t, svc.HandleWebhook(ctx, []byte(completedEvent), ""))

	cp, err := store.GetCardPayment("cs_test_42")
	require.NoError(t, err)
	assert.Equal(t, "sub_42", cp.SubscriptionID)
	assert.Equal(t, int64(2500), cp.AmountCents)
	assert.Equal(t, "donor@example.com", cp.Email)
	assert.Equal(t, "Grace Hopper", cp.CustomerName)
	assert.Equal(t, "tanya-client", cp.Org)
	assert.Equal(t, storage.CardStatusPaid, cp.Status)

	require.NoError(t, svc.HandleWebhook(ctx, []byte(failedInvoiceEvent), ""))
	cp, err = store.GetCardPayment("cs_test_42")
	require.NoError(t, err)
	assert.Equal(t, storage.CardStatusFailed, cp.Status)
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	err := svc.HandleWebhook(context.Background(),
		[]byte(`{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{}}}`), "")
	assert.NoError(t, err)
}

func TestHandleWebhookMalformed(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	err := svc.HandleWebhook(context.Background(), []byte(`not json`), "")
	assert.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestHandleWebhookSigned(t *testing.T) {
	const secret = "whsec_test"
	svc, _, store := newTestService(t, secret)
	ctx := context.Background()

	err := svc.HandleWebhook(ctx, []byte(completedEvent), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidWebhook)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(completedEvent),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	require.NoError(t, svc.HandleWebhook(ctx, signed.Payload, signed.Header))

	_, err = store.GetCardPayment("cs_test_42")
	assert.NoError(t, err)
}
