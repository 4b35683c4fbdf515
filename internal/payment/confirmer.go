package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/suspectuso/pay-intake/internal/storage"
)

const confirmBatch = 100

// Confirmer periodically refreshes pending payments so they reach confirmed
// without anyone polling the status endpoint.
type Confirmer struct {
	svc *Service
	log *slog.Logger
}

func NewConfirmer(svc *Service, log *slog.Logger) *Confirmer {
	return &Confirmer{svc: svc, log: log}
}

// Start runs until ctx is cancelled.
func (c *Confirmer) Start(ctx context.Context, interval time.Duration) {
	c.log.Info("confirmer started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.log.Error("confirm pending payments", "error", err)
			}
		}
	}
}

// RunOnce processes one batch of pending payments. Per-payment failures are
// logged and skipped; only a failed listing is returned.
func (c *Confirmer) RunOnce(ctx context.Context) error {
	pending, err := c.svc.store.ListPending(confirmBatch)
	if err != nil {
		return err
	}

	for i := range pending {
		if ctx.Err() != nil {
			return nil
		}
		c.check(ctx, &pending[i])
	}
	return nil
}

func (c *Confirmer) check(ctx context.Context, p *storage.Payment) {
	tx, err := c.svc.chain.GetTransaction(ctx, common.HexToHash(p.TxHash))
	if err != nil {
		c.log.Warn("confirmer: get transaction", "tx_hash", p.TxHash, "error", err)
		return
	}
	if tx == nil {
		// dropped from the canonical chain or not yet re-included; try again later
		c.log.Debug("confirmer: transaction not visible", "tx_hash", p.TxHash)
		return
	}
	if !tx.Succeeded() {
		ok, err := c.svc.store.MarkFailed(p.ID)
		if err != nil {
			c.log.Error("mark payment failed", "payment_id", p.ID, "error", err)
			return
		}
		if ok {
			c.log.Warn("payment failed after re-check", "payment_id", p.ID, "tx_hash", p.TxHash)
		}
		return
	}

	if err := c.svc.refresh(ctx, p); err != nil {
		c.log.Warn("confirmer: refresh", "tx_hash", p.TxHash, "error", err)
	}
}
