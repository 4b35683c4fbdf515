// Package payment turns verified on-chain transfers into payment records and
// keeps their confirmation counts current.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/pay-intake/internal/chain"
	"github.com/suspectuso/pay-intake/internal/metrics"
	"github.com/suspectuso/pay-intake/internal/notifier"
	"github.com/suspectuso/pay-intake/internal/storage"
	"github.com/suspectuso/pay-intake/internal/verifier"
)

const defaultNotifyTimeout = 10 * time.Second

// Accepted amounts stay below 10^maxAmountDigits with at most
// maxAmountScale fractional digits.
const (
	maxAmountDigits = 12
	maxAmountScale  = 18
)

var txHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

type Store interface {
	GetPaymentByTxHash(txHash string) (*storage.Payment, error)
	CreatePayment(p *storage.Payment) error
	UpdateConfirmations(id int64, confirmations int64) error
	MarkConfirmed(id int64, confirmations int64, at time.Time) (bool, error)
	MarkFailed(id int64) (bool, error)
	ListPending(limit int) ([]storage.Payment, error)
}

type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Result, error)
}

// Chain is the part of *chain.Client the service uses directly.
type Chain interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
	GetConfirmations(ctx context.Context, blockNumber uint64) (int64, error)
	AmountToRawUnits(amount decimal.Decimal) *big.Int
	RawUnitsToAmount(raw *big.Int) decimal.Decimal
	TokenContract() common.Address
}

type Config struct {
	ReceiverWallet        string
	RequiredConfirmations int64
	NotifyTimeout         time.Duration
	DefaultOrg            string
}

type Service struct {
	cfg      Config
	store    Store
	verifier Verifier
	chain    Chain
	notifier notifier.Notifier
	log      *slog.Logger

	now func() time.Time
}

func NewService(cfg Config, store Store, v Verifier, c Chain, n notifier.Notifier, log *slog.Logger) *Service {
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		verifier: v,
		chain:    c,
		notifier: n,
		log:      log,
		now:      time.Now,
	}
}

// SubmitRequest is a client's claim that TxHash paid AmountUSDC.
type SubmitRequest struct {
	TxHash      string
	AmountUSDC  decimal.Decimal
	FromAddress string
	PaymentType string

	FirstName   string
	LastName    string
	Email       string
	Mobile      string
	CompanyName string
	Notes       string
	Org         string
}

// Submit verifies the transfer on chain and records it. The same hash is
// accepted at most once.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*storage.Payment, error) {
	txHash := normalizeHash(req.TxHash)
	if txHash == "" {
		return nil, s.outcome("invalid", invalid("transaction hash is required"))
	}
	if !txHashRegex.MatchString(txHash) {
		return nil, s.outcome("invalid", invalid("transaction hash must be 0x followed by 64 hex characters"))
	}
	if !req.AmountUSDC.IsPositive() {
		return nil, s.outcome("invalid", invalid("amount must be greater than 0"))
	}
	if !amountInRange(req.AmountUSDC) {
		return nil, s.outcome("invalid", invalid("amount is out of range"))
	}
	sender := strings.TrimSpace(req.FromAddress)
	if sender != "" && !common.IsHexAddress(sender) {
		return nil, s.outcome("invalid", invalid("invalid sender address"))
	}
	paymentType, ok := storage.ParsePaymentType(req.PaymentType)
	if !ok {
		return nil, s.outcome("invalid", invalid("invalid payment type %q", req.PaymentType))
	}

	existing, err := s.store.GetPaymentByTxHash(txHash)
	if err == nil {
		s.log.Info("transaction already processed", "tx_hash", txHash, "payment_id", existing.ID)
		return nil, s.outcome("duplicate", &AlreadyProcessedError{PaymentID: existing.ID, Status: existing.Status})
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, s.outcome("error", fmt.Errorf("lookup payment: %w", err))
	}

	expectedRaw := s.chain.AmountToRawUnits(req.AmountUSDC)
	result, err := s.verifier.Verify(ctx, verifier.Request{
		TxHash:            common.HexToHash(txHash),
		ExpectedRecipient: s.cfg.ReceiverWallet,
		ExpectedAmountRaw: expectedRaw,
		ExpectedSender:    sender,
	})
	if err != nil {
		return nil, s.outcome("error", err)
	}
	if !result.Accepted {
		s.log.Info("transaction rejected", "tx_hash", txHash, "reason", result.Reason)
		return nil, s.outcome("rejected", &VerificationError{Reason: result.Reason})
	}

	tx, event := result.Tx, result.Event
	block := tx.BlockNumber()

	// a node hiccup here only delays confirmation
	confirmations, err := s.chain.GetConfirmations(ctx, block)
	if err != nil {
		s.log.Warn("get confirmations for new payment", "tx_hash", txHash, "error", err)
		confirmations = 0
	}

	org := strings.TrimSpace(req.Org)
	if org == "" {
		org = s.cfg.DefaultOrg
	}

	p := &storage.Payment{
		TxHash:                txHash,
		FromAddress:           strings.ToLower(event.From.Hex()),
		ToAddress:             strings.ToLower(event.To.Hex()),
		AmountRaw:             new(big.Int).Set(event.Value),
		AmountToken:           s.chain.RawUnitsToAmount(event.Value),
		AmountUSD:             req.AmountUSDC.Round(2),
		PaymentType:           paymentType,
		TokenContract:         strings.ToLower(s.chain.TokenContract().Hex()),
		Status:                storage.StatusPending,
		BlockNumber:           block,
		Confirmations:         confirmations,
		RequiredConfirmations: s.cfg.RequiredConfirmations,
		GasPrice:              tx.GasPrice(),
		GasUsed:               tx.GasUsed(),
		TransferEventIndex:    int(event.LogIndex),
		FirstName:             strings.TrimSpace(req.FirstName),
		LastName:              strings.TrimSpace(req.LastName),
		Email:                 strings.TrimSpace(req.Email),
		Mobile:                strings.TrimSpace(req.Mobile),
		CompanyName:           strings.TrimSpace(req.CompanyName),
		Notes:                 strings.TrimSpace(req.Notes),
		Org:                   org,
	}

	if err := s.store.CreatePayment(p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// lost the race against a concurrent submission of the same hash
			if winner, gerr := s.store.GetPaymentByTxHash(txHash); gerr == nil {
				return nil, s.outcome("duplicate", &AlreadyProcessedError{PaymentID: winner.ID, Status: winner.Status})
			}
			return nil, s.outcome("duplicate", &AlreadyProcessedError{Status: storage.StatusPending})
		}
		return nil, s.outcome("error", fmt.Errorf("create payment: %w", err))
	}

	if p.IsConfirmable() {
		if err := s.advance(p, confirmations); err != nil {
			s.log.Error("confirm new payment", "error", err, "payment_id", p.ID)
		}
	}

	s.log.Info("payment recorded",
		"payment_id", p.ID,
		"tx_hash", p.TxHash,
		"amount", p.AmountToken.String(),
		"status", p.Status,
		"confirmations", p.Confirmations,
	)
	s.outcome("accepted", nil)

	s.notify(*p)

	return p, nil
}

// Status returns the payment with a best-effort confirmation refresh. When the
// node is unreachable the stored snapshot is returned unchanged.
func (s *Service) Status(ctx context.Context, txHash string) (*storage.Payment, error) {
	p, err := s.store.GetPaymentByTxHash(normalizeHash(txHash))
	if err != nil {
		return nil, err
	}

	if err := s.refresh(ctx, p); err != nil {
		s.log.Warn("refresh confirmations", "tx_hash", p.TxHash, "error", err)
	}
	return p, nil
}

// Details is a plain read, no chain access.
func (s *Service) Details(ctx context.Context, txHash string) (*storage.Payment, error) {
	return s.store.GetPaymentByTxHash(normalizeHash(txHash))
}

func (s *Service) refresh(ctx context.Context, p *storage.Payment) error {
	if p.Status == storage.StatusFailed {
		return nil
	}
	confirmations, err := s.chain.GetConfirmations(ctx, p.BlockNumber)
	if err != nil {
		return err
	}
	return s.advance(p, confirmations)
}

// advance records a newer confirmation count and performs the single
// pending→confirmed transition once the threshold is reached. Counts never go
// backwards, even if a lagging node reports a lower head.
func (s *Service) advance(p *storage.Payment, confirmations int64) error {
	if confirmations < p.Confirmations {
		confirmations = p.Confirmations
	}

	if p.Status == storage.StatusPending && confirmations >= p.RequiredConfirmations {
		now := s.now().UTC()
		ok, err := s.store.MarkConfirmed(p.ID, confirmations, now)
		if err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		if ok {
			p.Status = storage.StatusConfirmed
			p.Confirmations = confirmations
			p.ConfirmedAt = &now
			metrics.Confirmations.Inc()
			s.log.Info("payment confirmed", "payment_id", p.ID, "tx_hash", p.TxHash, "confirmations", confirmations)
		}
		return nil
	}

	if confirmations == p.Confirmations {
		return nil
	}
	if err := s.store.UpdateConfirmations(p.ID, confirmations); err != nil {
		return fmt.Errorf("update confirmations: %w", err)
	}
	p.Confirmations = confirmations
	return nil
}

func (s *Service) notify(p storage.Payment) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		s.notifier.Notify(ctx, &p)
	}()
}

func (s *Service) outcome(name string, err error) error {
	metrics.Verifications.WithLabelValues(name).Inc()
	return err
}

// amountInRange looks only at the exponent and coefficient length. Comparing
// or rescaling a value like 1e20000000 would materialise the whole integer.
func amountInRange(d decimal.Decimal) bool {
	exp := int64(d.Exponent())
	if exp < -maxAmountScale {
		return false
	}
	return exp+int64(d.NumDigits()) <= maxAmountDigits
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
