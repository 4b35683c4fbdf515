// Package checkout creates Stripe Checkout sessions for card donations and
// records their outcome from Stripe webhooks.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"

	"github.com/suspectuso/pay-intake/internal/storage"
)

const (
	DefaultOrg = "solutions-for-change"
	currency   = "usd"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidWebhook = errors.New("invalid webhook")
	// ErrProvider wraps failures reported by Stripe.
	ErrProvider = errors.New("checkout provider error")
)

// SessionCreator is satisfied by the CheckoutSessions client of stripe-go.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type CardStore interface {
	SaveCardPayment(cp *storage.CardPayment) (bool, error)
	SetCardPaymentStatusBySubscription(subscriptionID, status string) (int64, error)
}

type Config struct {
	// Domain is the public base URL used for success and cancel redirects.
	Domain        string
	WebhookSecret string
}

type Service struct {
	cfg      Config
	sessions SessionCreator
	store    CardStore
	log      *slog.Logger
}

func NewService(cfg Config, sessions SessionCreator, store CardStore, log *slog.Logger) *Service {
	return &Service{cfg: cfg, sessions: sessions, store: store, log: log}
}

// Donation is the donation form as posted by the widget.
type Donation struct {
	Amount     string
	Frequency  string
	FirstName  string
	LastName   string
	Email      string
	Mobile     string
	Address    string
	City       string
	State      string
	Country    string
	PostalCode string
	Message    string
	Org        string
}

func (d Donation) metadata(frequency string) map[string]string {
	org := d.Org
	if org == "" {
		org = DefaultOrg
	}
	return map[string]string{
		"first_name":  d.FirstName,
		"last_name":   d.LastName,
		"email":       d.Email,
		"mobile":      d.Mobile,
		"address":     d.Address,
		"city":        d.City,
		"state":       d.State,
		"country":     d.Country,
		"postal_code": d.PostalCode,
		"message":     d.Message,
		"org":         org,
		"frequency":   frequency,
	}
}

// Recurrence maps a form frequency to a Stripe interval. one_time has none;
// unknown values fall back to monthly.
type Recurrence struct {
	Interval      string
	IntervalCount int64
}

func ParseFrequency(s string) (string, *Recurrence) {
	f := strings.ToLower(strings.TrimSpace(s))
	switch f {
	case "", "one_time":
		return "one_time", nil
	case "quarterly":
		return f, &Recurrence{Interval: "month", IntervalCount: 3}
	case "yearly":
		return f, &Recurrence{Interval: "year", IntervalCount: 1}
	default:
		return f, &Recurrence{Interval: "month", IntervalCount: 1}
	}
}

// Donations stay below 10^maxAmountDigits with at most maxAmountScale
// fractional digits on input.
const (
	maxAmountDigits = 9
	maxAmountScale  = 18
)

// AmountToCents quantizes to cents, half to even. Unparsable, non-positive or
// out of range input is 0.
func AmountToCents(s string) int64 {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	// rounding rescales the coefficient, so bound the magnitude first
	exp := int64(amount.Exponent())
	if exp < -maxAmountScale || exp+int64(amount.NumDigits()) > maxAmountDigits {
		return 0
	}
	cents := amount.RoundBank(2).Shift(2).IntPart()
	if cents <= 0 {
		return 0
	}
	return cents
}

// CreateSession returns the hosted checkout URL the donor is redirected to.
func (s *Service) CreateSession(ctx context.Context, d Donation) (string, error) {
	cents := AmountToCents(d.Amount)
	if cents <= 0 {
		return "", ErrInvalidAmount
	}

	frequency, recurrence := ParseFrequency(d.Frequency)
	donor := d.metadata(frequency)

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(joinURL(s.cfg.Domain, "donate/success/")),
		CancelURL:          stripe.String(joinURL(s.cfg.Domain, "donate/cancel/")),
	}
	params.Context = ctx
	params.Metadata = donor
	if d.Email != "" {
		params.CustomerEmail = stripe.String(d.Email)
	}

	price := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(cents),
	}
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
		Quantity:  stripe.Int64(1),
		PriceData: price,
	}}

	if recurrence == nil {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.CustomerCreation = stripe.String("if_required")
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: donor}
		price.ProductData = &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String("Donation"),
		}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: donor}
		price.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval:      stripe.String(recurrence.Interval),
			IntervalCount: stripe.Int64(recurrence.IntervalCount),
		}
		price.ProductData = &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(fmt.Sprintf("Recurring Donation (%s)", title(frequency))),
		}
	}

	sess, err := s.sessions.New(params)
	if err != nil {
		s.log.Error("create checkout session", "error", err, "frequency", frequency)
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}

	s.log.Info("checkout session created",
		"session_id", sess.ID,
		"mode", *params.Mode,
		"amount_cents", cents,
		"org", donor["org"],
	)
	return sess.URL, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func title(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
