package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/pay-intake/internal/chain"
	"github.com/suspectuso/pay-intake/internal/payment"
	"github.com/suspectuso/pay-intake/internal/storage"
)

const maxBodyBytes = 64 << 10

type verifyRequest struct {
	TransactionHash string          `json:"transaction_hash"`
	AmountUSDC      decimal.Decimal `json:"amount_usdc"`
	FromAddress     string          `json:"from_address"`
	FirstName       string          `json:"first_name"`
	LastName        string          `json:"last_name"`
	Email           string          `json:"email"`
	Mobile          string          `json:"mobile"`
	CompanyName     string          `json:"company_name"`
	Message         string          `json:"message"`
	PaymentType     string          `json:"payment_type"`
	Org             string          `json:"org"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger(r).Warn("invalid verify payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.payments.Submit(r.Context(), payment.SubmitRequest{
		TxHash:      req.TransactionHash,
		AmountUSDC:  req.AmountUSDC,
		FromAddress: req.FromAddress,
		PaymentType: req.PaymentType,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		Mobile:      req.Mobile,
		CompanyName: req.CompanyName,
		Notes:       req.Message,
		Org:         req.Org,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	link := p.ExplorerURL(s.opts.ExplorerURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                true,
		"payment_id":             p.ID,
		"status":                 p.Status,
		"transaction_hash":       p.TxHash,
		"confirmations":          p.Confirmations,
		"required_confirmations": p.RequiredConfirmations,
		"amount_usdc":            p.AmountToken.String(),
		"explorer_url":           link,
		"basescan_url":           link,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Status(r.Context(), r.PathValue("txHash"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	link := p.ExplorerURL(s.opts.ExplorerURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 p.Status,
		"confirmations":          p.Confirmations,
		"required_confirmations": p.RequiredConfirmations,
		"amount_usdc":            p.AmountToken.String(),
		"amount_usd":             p.AmountUSD.StringFixed(2),
		"explorer_url":           link,
		"basescan_url":           link,
		"from_address":           p.FromAddress,
		"to_address":             p.ToAddress,
	})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Details(r.Context(), r.PathValue("txHash"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	email := p.Email
	if email == "" {
		email = "N/A"
	}
	link := p.ExplorerURL(s.opts.ExplorerURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_hash": p.TxHash,
		"payment_type":     p.PaymentType,
		"amount_usdc":      p.AmountToken.String(),
		"amount_usd":       p.AmountUSD.StringFixed(2),
		"status":           p.Status,
		"customer_name":    p.CustomerName(),
		"email":            email,
		"company_name":     p.CompanyName,
		"created_at":       isoTime(&p.CreatedAt),
		"confirmed_at":     isoTime(p.ConfirmedAt),
		"explorer_url":     link,
		"basescan_url":     link,
		"from_address":     p.FromAddress,
		"to_address":       p.ToAddress,
		"block_number":     p.BlockNumber,
		"confirmations":    p.Confirmations,
	})
}

// writeServiceError maps payment and chain errors to HTTP responses. Unknown
// errors are logged and hidden behind a generic 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  *payment.ValidationError
		already  *payment.AlreadyProcessedError
		rejected *payment.VerificationError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Message)
	case errors.As(err, &already):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "transaction already processed",
			"payment_id": already.PaymentID,
			"status":     already.Status,
		})
	case errors.As(err, &rejected):
		writeError(w, http.StatusBadRequest, rejected.Error())
	case errors.Is(err, chain.ErrNetwork):
		s.logger(r).Error("chain node unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "blockchain service unavailable, please retry")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "payment not found")
	default:
		s.logger(r).Error("request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isoTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
