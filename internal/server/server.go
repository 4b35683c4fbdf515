package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/suspectuso/pay-intake/internal/checkout"
	"github.com/suspectuso/pay-intake/internal/metrics"
	"github.com/suspectuso/pay-intake/internal/payment"
	"github.com/suspectuso/pay-intake/internal/ratelimit"
	"github.com/suspectuso/pay-intake/internal/storage"
)

type PaymentService interface {
	Submit(ctx context.Context, req payment.SubmitRequest) (*storage.Payment, error)
	Status(ctx context.Context, txHash string) (*storage.Payment, error)
	Details(ctx context.Context, txHash string) (*storage.Payment, error)
}

type CheckoutService interface {
	CreateSession(ctx context.Context, d checkout.Donation) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type Captcha interface {
	Verify(ctx context.Context, token, remoteIP string) bool
}

type Options struct {
	ExplorerURL    string
	FrameAncestors string
	// TrustedProxies may be nil, in which case clients are keyed by peer address.
	TrustedProxies *ratelimit.Proxies
}

// Server exposes the payment API over HTTP
type Server struct {
	opts     Options
	payments PaymentService
	checkout CheckoutService
	captcha  Captcha
	limiter  ratelimit.Limiter
	log      *slog.Logger

	server *http.Server
}

// NewServer wires the handlers. checkout may be nil when card payments are
// not configured.
func NewServer(opts Options, payments PaymentService, co CheckoutService, captcha Captcha, limiter ratelimit.Limiter, log *slog.Logger) *Server {
	return &Server{
		opts:     opts,
		payments: payments,
		checkout: co,
		captcha:  captcha,
		limiter:  limiter,
		log:      log,
	}
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	verify := ratelimit.Middleware(s.limiter, "verify", s.opts.TrustedProxies, s.log)
	donate := ratelimit.Middleware(s.limiter, "donate", s.opts.TrustedProxies, s.log)

	route(mux, "POST /api/crypto/verify-transaction", verify(http.HandlerFunc(s.handleVerify)))
	route(mux, "GET /api/crypto/payment-status/{txHash}", http.HandlerFunc(s.handleStatus))
	route(mux, "GET /api/crypto/payment-details/{txHash}", http.HandlerFunc(s.handleDetails))
	route(mux, "POST /donate/create-checkout-session", donate(http.HandlerFunc(s.handleCreateCheckout)))
	route(mux, "POST /stripe/webhook", http.HandlerFunc(s.handleStripeWebhook))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.withLogging(h)
	h = s.withSecurityHeaders(h)
	h = s.withRecover(h)
	h = s.withRequestID(h)
	return h
}

// route registers pattern with and without the trailing slash.
func route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, h)
	mux.Handle(pattern+"/{$}", h)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.log.Info("starting http server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
