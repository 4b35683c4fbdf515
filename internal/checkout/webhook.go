package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/suspectuso/pay-intake/internal/storage"
)

// HandleWebhook checks the Stripe-Signature header when a secret is
// configured; without one the payload is trusted as plain JSON.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.parseEvent(payload, signature)
	if err != nil {
		s.log.Warn("invalid stripe webhook", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.sessionCompleted(event)
	case "invoice.paid":
		return s.invoiceStatus(event, storage.CardStatusPaid)
	case "invoice.payment_failed":
		return s.invoiceStatus(event, storage.CardStatusFailed)
	default:
		s.log.Debug("stripe event ignored", "type", event.Type, "id", event.ID)
	}
	return nil
}

func (s *Service) parseEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.cfg.WebhookSecret != "" {
		return webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, err
	}
	if event.Type == "" {
		return event, fmt.Errorf("missing event type")
	}
	return event, nil
}

func (s *Service) sessionCompleted(event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", ErrInvalidWebhook, event.ID)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("%w: decode checkout session: %v", ErrInvalidWebhook, err)
	}

	cp := &storage.CardPayment{
		SessionID:   sess.ID,
		Mode:        string(sess.Mode),
		AmountCents: sess.AmountTotal,
		Currency:    string(sess.Currency),
		Email:       sess.CustomerEmail,
		Org:         sess.Metadata["org"],
		Frequency:   sess.Metadata["frequency"],
		Status:      storage.CardStatusPaid,
	}
	if sess.CustomerDetails != nil {
		if sess.CustomerDetails.Email != "" {
			cp.Email = sess.CustomerDetails.Email
		}
		cp.CustomerName = sess.CustomerDetails.Name
	}
	if sess.Subscription != nil {
		cp.SubscriptionID = sess.Subscription.ID
	}
	if cp.Org == "" {
		cp.Org = DefaultOrg
	}

	isNew, err := s.store.SaveCardPayment(cp)
	if err != nil {
		return fmt.Errorf("save card payment: %w", err)
	}
	if !isNew {
		s.log.Debug("checkout session already recorded", "session_id", sess.ID)
		return nil
	}

	s.log.Info("card payment recorded",
		"session_id", sess.ID,
		"mode", cp.Mode,
		"amount_cents", cp.AmountCents,
		"org", cp.Org,
	)
	return nil
}

func (s *Service) invoiceStatus(event stripe.Event, status string) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", ErrInvalidWebhook, event.ID)
	}
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: decode invoice: %v", ErrInvalidWebhook, err)
	}
	if inv.Subscription == nil {
		s.log.Info("invoice without subscription", "invoice_id", inv.ID, "status", status)
		return nil
	}

	n, err := s.store.SetCardPaymentStatusBySubscription(inv.Subscription.ID, status)
	if err != nil {
		return fmt.Errorf("update card payment: %w", err)
	}
	s.log.Info("subscription invoice",
		"invoice_id", inv.ID,
		"subscription_id", inv.Subscription.ID,
		"status", status,
		"updated", n,
	)
	return nil
}
