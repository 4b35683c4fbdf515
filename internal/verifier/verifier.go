// Package verifier decides whether a transaction hash is a real token payment
// to the receiving wallet.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/suspectuso/pay-intake/internal/chain"
)

// Rejection reasons.
const (
	ReasonNotFound      = "transaction not found"
	ReasonFailed        = "transaction failed"
	ReasonNoTransfers   = "no transfer events found"
	ReasonNoRecipient   = "no transfer to receiving wallet"
	ReasonAmount        = "amount mismatch"
	ReasonSender        = "sender mismatch"
	ReasonVerified      = "transfer verified"
	amountToleranceUnit = 1
)

// ChainReader is what the verifier needs from the chain client.
type ChainReader interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
	DecodeTransferEvents(logs []*types.Log) []chain.TransferEvent
}

type Request struct {
	TxHash            common.Hash
	ExpectedRecipient string
	// ExpectedAmountRaw is optional; nil skips the amount check.
	ExpectedAmountRaw *big.Int
	// ExpectedSender is optional; empty skips the sender check.
	ExpectedSender string
}

// Result is a verdict. Reason is always set.
type Result struct {
	Accepted bool
	Reason   string
	Event    *chain.TransferEvent
	Tx       *chain.Transaction
}

type Verifier struct {
	chain ChainReader
	log   *slog.Logger
}

func New(reader ChainReader, log *slog.Logger) *Verifier {
	return &Verifier{chain: reader, log: log}
}

// Verify runs the checks in order and stops at the first failure. Only node
// failures come back as an error; every other outcome is a Result.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, error) {
	tx, err := v.chain.GetTransaction(ctx, req.TxHash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return reject(nil, ReasonNotFound), nil
	}

	if !tx.Succeeded() {
		return reject(tx, ReasonFailed), nil
	}

	events := v.chain.DecodeTransferEvents(tx.Receipt.Logs)
	if len(events) == 0 {
		return reject(tx, ReasonNoTransfers), nil
	}

	// First match in log order wins; later transfers to the same wallet are not inspected.
	var match *chain.TransferEvent
	for i := range events {
		if sameAddress(events[i].To.Hex(), req.ExpectedRecipient) {
			match = &events[i]
			break
		}
	}
	if match == nil {
		return reject(tx, fmt.Sprintf("%s %s", ReasonNoRecipient, req.ExpectedRecipient)), nil
	}

	if req.ExpectedAmountRaw != nil {
		diff := new(big.Int).Sub(match.Value, req.ExpectedAmountRaw)
		if diff.Abs(diff).Cmp(big.NewInt(amountToleranceUnit)) > 0 {
			return reject(tx, fmt.Sprintf("%s: %s != %s", ReasonAmount, match.Value, req.ExpectedAmountRaw)), nil
		}
	}

	if req.ExpectedSender != "" && !sameAddress(match.From.Hex(), req.ExpectedSender) {
		return reject(tx, fmt.Sprintf("%s: %s != %s", ReasonSender, match.From.Hex(), req.ExpectedSender)), nil
	}

	v.log.Debug("transfer verified",
		"tx_hash", req.TxHash.Hex(),
		"log_index", match.LogIndex,
		"value", match.Value.String(),
	)

	return &Result{Accepted: true, Reason: ReasonVerified, Event: match, Tx: tx}, nil
}

func reject(tx *chain.Transaction, reason string) *Result {
	return &Result{Reason: reason, Tx: tx}
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
