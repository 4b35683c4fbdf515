package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/pay-intake/internal/chain"
	"github.com/suspectuso/pay-intake/internal/chain/chaintest"
	"github.com/suspectuso/pay-intake/internal/checkout"
	"github.com/suspectuso/pay-intake/internal/notifier"
	"github.com/suspectuso/pay-intake/internal/payment"
	"github.com/suspectuso/pay-intake/internal/ratelimit"
	"github.com/suspectuso/pay-intake/internal/storage"
	"github.com/suspectuso/pay-intake/internal/verifier"
)

const block = 5_000

type fakeCheckout struct {
	donation   checkout.Donation
	sessionErr error
	webhookErr error
	payload    []byte
	signature  string
}

func (f *fakeCheckout) CreateSession(_ context.Context, d checkout.Donation) (string, error) {
	f.donation = d
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	return "https://checkout.stripe.com/c/pay/cs_test_1", nil
}

func (f *fakeCheckout) HandleWebhook(_ context.Context, payload []byte, signature string) error {
	f.payload, f.signature = payload, signature
	return f.webhookErr
}

type staticCaptcha bool

func (c staticCaptcha) Verify(context.Context, string, string) bool { return bool(c) }

type panicky struct{}

func (panicky) Submit(context.Context, payment.SubmitRequest) (*storage.Payment, error) {
	panic("boom")
}
func (panicky) Status(context.Context, string) (*storage.Payment, error)  { panic("boom") }
func (panicky) Details(context.Context, string) (*storage.Payment, error) { panic("boom") }

type testEnv struct {
	backend  *chaintest.Backend
	checkout *fakeCheckout
	handler  http.Handler
}

func newEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := chaintest.NewBackend(block)
	client, err := chain.New(backend, chain.Config{TokenContract: chaintest.Token.Hex(), Decimals: 6}, log)
	require.NoError(t, err)

	store, err := storage.New(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := payment.NewService(payment.Config{
		ReceiverWallet:        chaintest.Receiver.Hex(),
		RequiredConfirmations: 2,
		NotifyTimeout:         time.Second,
		DefaultOrg:            "tanya-client",
	}, store, verifier.New(client, log), client, notifier.Nop{}, log)

	co := &fakeCheckout{}
	srv := NewServer(Options{ExplorerURL: "https://basescan.org", FrameAncestors: "'self' https://tanya.example"},
		svc, co, staticCaptcha(true), ratelimit.NewMemory(limit, time.Minute), log)

	return &testEnv{backend: backend, checkout: co, handler: srv.Handler()}
}

func (e *testEnv) addTransfer(n int64, value int64) string {
	hash := chaintest.Hash(n)
	e.backend.AddTransaction(hash, block, types.ReceiptStatusSuccessful,
		chaintest.TransferLog(chaintest.Token, chaintest.Payer, chaintest.Receiver, big.NewInt(value), 0))
	return hash.Hex()
}

func (e *testEnv) do(method, path, body, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if ip != "" {
		req.RemoteAddr = ip + ":40000"
	}
	if method == http.MethodPost && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func verifyBody(hash, amount string) string {
	return `{"transaction_hash":"` + hash + `","amount_usdc":` + amount +
		`,"first_name":"Ada","email":"ada@example.com","payment_type":"course"}`
}

func TestVerifyTransaction(t *testing.T) {
	env := newEnv(t, 100)
	hash := env.addTransfer(1, 25_000_000)

	rec := env.do(http.MethodPost, "/api/crypto/verify-transaction/", verifyBody(hash, `"25"`), "198.51.100.1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, hash, body["transaction_hash"])
	assert.Equal(t, float64(0), body["confirmations"])
	assert.Equal(t, float64(2), body["required_confirmations"])
	assert.Equal(t, "25", body["amount_usdc"])
	assert.Equal(t, "https://basescan.org/tx/"+hash, body["explorer_url"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "frame-ancestors 'self' https://tanya.example", rec.Header().Get("Content-Security-Policy"))

	// replay
	rec = env.do(http.MethodPost, "/api/crypto/verify-transaction", verifyBody(hash, "25"), "198.51.100.2")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "transaction already processed", body["error"])
	assert.NotZero(t, body["payment_id"])
	assert.Equal(t, "pending", body["status"])
}

func TestVerifyTransactionErrors(t *testing.T) {
	env := newEnv(t, 100)
	wrong := env.addTransfer(2, 1_000_000)

	cases := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"bad json", `{"transaction_hash":`, http.StatusBadRequest, "invalid JSON body"},
		{"missing hash", `{"amount_usdc": 5}`, http.StatusBadRequest, "transaction hash is required"},
		{"zero amount", verifyBody(wrong, "0"), http.StatusBadRequest, "amount must be greater than 0"},
		{"not found", verifyBody(chaintest.Hash(77).Hex(), "5"), http.StatusBadRequest,
			"transaction verification failed: transaction not found"},
		{"amount mismatch", verifyBody(wrong, "5"), http.StatusBadRequest,
			"transaction verification failed: amount mismatch: 1000000 != 5000000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/crypto/verify-transaction/", tc.body, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.errMsg, decode(t, rec)["error"])
		})
	}
}

func TestVerifyTransactionNodeDown(t *testing.T) {
	env := newEnv(t, 100)
	hash := env.addTransfer(1, 25_000_000)
	env.backend.SetErr(errors.New("dial tcp: connection refused"))

	rec := env.do(http.MethodPost, "/api/crypto/verify-transaction/", verifyBody(hash, "25"), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVerifyTransactionRateLimited(t *testing.T) {
	env := newEnv(t, 1)
	hash := env.addTransfer(1, 25_000_000)

	rec := env.do(http.MethodPost, "/api/crypto/verify-transaction/", verifyBody(hash, "25"), "192.0.2.9")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/crypto/verify-transaction/", verifyBody(hash, "25"), "192.0.2.9")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// status reads are not limited
	rec = env.do(http.MethodGet, "/api/crypto/payment-status/"+hash+"/", "", "192.0.2.9")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentStatusAndDetails(t *testing.T) {
	env := newEnv(t, 100)
	hash := env.addTransfer(1, 25_000_000)
	rec := env.do(http.MethodPost, "/api/crypto/verify-transaction/", verifyBody(hash, "25"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.backend.SetHead(block + 2)
	rec = env.do(http.MethodGet, "/api/crypto/payment-status/"+hash+"/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, float64(2), body["confirmations"])
	assert.Equal(t, "25.00", body["amount_usd"])
	assert.Equal(t, strings.ToLower(chaintest.Payer.Hex()), body["from_address"])

	// the node goes away; the stored snapshot is still served
	env.backend.SetErr(errors.New("timeout"))
	rec = env.do(http.MethodGet, "/api/crypto/payment-status/"+hash, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decode(t, rec)["status"])

	rec = env.do(http.MethodGet, "/api/crypto/payment-details/"+chaintest.Hash(99).Hex()+"/", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/crypto/payment-details/"+hash+"/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "Ada", body["customer_name"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "course", body["payment_type"])
	assert.Equal(t, float64(block), body["block_number"])
	assert.NotNil(t, body["created_at"])
	assert.NotNil(t, body["confirmed_at"])
}

func TestPaymentStatusNotFound(t *testing.T) {
	env := newEnv(t, 100)
	rec := env.do(http.MethodGet, "/api/crypto/payment-status/"+chaintest.Hash(3).Hex()+"/", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "payment not found", decode(t, rec)["error"])
}

func TestCreateCheckoutSession(t *testing.T) {
	env := newEnv(t, 100)
	form := url.Values{
		"amount":     {"25"},
		"frequency":  {"monthly"},
		"first_name": {"Grace"},
		"org":        {"tanya-client"},
	}
	req := httptest.NewRequest(http.MethodPost, "/donate/create-checkout-session/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", rec.Header().Get("Location"))
	assert.Equal(t, "monthly", env.checkout.donation.Frequency)
	assert.Equal(t, "Grace", env.checkout.donation.FirstName)

	env.checkout.sessionErr = checkout.ErrInvalidAmount
	req = httptest.NewRequest(http.MethodPost, "/donate/create-checkout-session/", strings.NewReader("amount=0"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.77:1234"
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	env := newEnv(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook/", strings.NewReader(`{"type":"invoice.paid"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", env.checkout.signature)
	assert.JSONEq(t, `{"type":"invoice.paid"}`, string(env.checkout.payload))

	env.checkout.webhookErr = checkout.ErrInvalidWebhook
	rec = env.do(http.MethodPost, "/stripe/webhook/", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.checkout.webhookErr = errors.New("database is locked")
	rec = env.do(http.MethodPost, "/stripe/webhook/", `{}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCheckoutNotConfigured(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewServer(Options{}, panicky{}, nil, staticCaptcha(true), ratelimit.NewMemory(10, time.Minute), log).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stripe/webhook/", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCaptchaRejected(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	co := &fakeCheckout{}
	h := NewServer(Options{}, panicky{}, co, staticCaptcha(false), ratelimit.NewMemory(10, time.Minute), log).Handler()

	req := httptest.NewRequest(http.MethodPost, "/donate/create-checkout-session/", strings.NewReader("amount=5"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, co.donation.Amount)
}

func TestPanicRecovered(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewServer(Options{}, panicky{}, nil, staticCaptcha(true), ratelimit.NewMemory(10, time.Minute), log).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/crypto/payment-details/0xabc/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t, 100)

	rec := env.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestIDPropagated(t *testing.T) {
	env := newEnv(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
