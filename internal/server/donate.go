package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/suspectuso/pay-intake/internal/checkout"
)

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if s.checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "card payments are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	if !s.captcha.Verify(r.Context(), r.PostFormValue("g-recaptcha-response"), s.opts.TrustedProxies.ClientIP(r)) {
		writeError(w, http.StatusBadRequest, "Invalid reCAPTCHA. Please try again.")
		return
	}

	url, err := s.checkout.CreateSession(r.Context(), checkout.Donation{
		Amount:     r.PostFormValue("amount"),
		Frequency:  r.PostFormValue("frequency"),
		FirstName:  r.PostFormValue("first_name"),
		LastName:   r.PostFormValue("last_name"),
		Email:      r.PostFormValue("email"),
		Mobile:     r.PostFormValue("mobile"),
		Address:    r.PostFormValue("address"),
		City:       r.PostFormValue("city"),
		State:      r.PostFormValue("state"),
		Country:    r.PostFormValue("country"),
		PostalCode: r.PostFormValue("postal_code"),
		Message:    r.PostFormValue("message"),
		Org:        r.PostFormValue("org"),
	})
	switch {
	case errors.Is(err, checkout.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	case errors.Is(err, checkout.ErrProvider):
		writeError(w, http.StatusBadRequest, "could not create checkout session")
		return
	case err != nil:
		s.logger(r).Error("create checkout session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	http.Redirect(w, r, url, http.StatusSeeOther)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "card payments are not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook")
		return
	}

	err = s.checkout.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, checkout.ErrInvalidWebhook):
		writeError(w, http.StatusBadRequest, "Invalid webhook")
	case err != nil:
		// non-2xx makes Stripe redeliver
		s.logger(r).Error("handle stripe webhook", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		w.WriteHeader(http.StatusOK)
	}
}
