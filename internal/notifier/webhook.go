package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/suspectuso/pay-intake/internal/storage"
)

// Webhook posts a JSON payload to an automation hook.
type Webhook struct {
	url         string
	explorerURL string
	httpClient  *http.Client
	log         *slog.Logger
}

func NewWebhook(url, explorerURL string, timeout time.Duration, log *slog.Logger) *Webhook {
	return &Webhook{
		url:         url,
		explorerURL: explorerURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Payload is the body sent to the hook.
type Payload struct {
	TransactionHash string `json:"transaction_hash"`
	PaymentID       int64  `json:"payment_id"`
	PaymentType     string `json:"payment_type"`
	Status          string `json:"status"`
	AmountUSDC      string `json:"amount_usdc"`
	AmountUSD       string `json:"amount_usd"`
	Currency        string `json:"currency"`

	CustomerName string `json:"customer_name"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Mobile       string `json:"mobile"`
	CompanyName  string `json:"company_name"`
	Notes        string `json:"notes"`

	FromAddress           string `json:"from_address"`
	ToAddress             string `json:"to_address"`
	BlockNumber           uint64 `json:"block_number"`
	Confirmations         int64  `json:"confirmations"`
	RequiredConfirmations int64  `json:"required_confirmations"`
	ExplorerURL           string `json:"explorer_url"`
	BasescanURL           string `json:"basescan_url"`

	CreatedAt     *string `json:"created_at"`
	ConfirmedAt   *string `json:"confirmed_at"`
	WebhookSentAt string  `json:"webhook_sent_at"`

	Org           string `json:"org"`
	TokenContract string `json:"token_contract"`
}

func (w *Webhook) buildPayload(p *storage.Payment) Payload {
	link := p.ExplorerURL(w.explorerURL)
	return Payload{
		TransactionHash: p.TxHash,
		PaymentID:       p.ID,
		PaymentType:     string(p.PaymentType),
		Status:          string(p.Status),
		AmountUSDC:      p.AmountToken.String(),
		AmountUSD:       p.AmountUSD.StringFixed(2),
		Currency:        "USDC",

		CustomerName: p.CustomerName(),
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Email:        p.Email,
		Mobile:       p.Mobile,
		CompanyName:  p.CompanyName,
		Notes:        p.Notes,

		FromAddress:           p.FromAddress,
		ToAddress:             p.ToAddress,
		BlockNumber:           p.BlockNumber,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		ExplorerURL:           link,
		BasescanURL:           link,

		CreatedAt:     isoTime(&p.CreatedAt),
		ConfirmedAt:   isoTime(p.ConfirmedAt),
		WebhookSentAt: time.Now().UTC().Format(time.RFC3339),

		Org:           p.Org,
		TokenContract: p.TokenContract,
	}
}

// Notify succeeds only on HTTP 200.
func (w *Webhook) Notify(ctx context.Context, p *storage.Payment) bool {
	if w.url == "" {
		w.log.Warn("payment webhook url not configured, skipping")
		return false
	}

	body, err := json.Marshal(w.buildPayload(p))
	if err != nil {
		w.log.Error("marshal webhook payload", "error", err)
		return record("webhook", false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Error("create webhook request", "error", err)
		return record("webhook", false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.log.Error("send payment webhook", "error", err, "tx_hash", p.TxHash)
		return record("webhook", false)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		w.log.Warn("payment webhook rejected",
			"status", resp.StatusCode,
			"tx_hash", p.TxHash,
			"response", string(snippet),
		)
		return record("webhook", false)
	}

	w.log.Info("payment webhook sent", "tx_hash", p.TxHash)
	return record("webhook", true)
}

func isoTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
