package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/pay-intake/internal/chain/chaintest"
	"github.com/suspectuso/pay-intake/internal/storage"
)

func newConfirmer(f *fixture) *Confirmer {
	return NewConfirmer(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConfirmerConfirmsPending(t *testing.T) {
	f := newFixture(t)
	a := f.addTransfer(1, 25_000_000)
	b := f.addTransfer(2, 10_000_000)
	for _, h := range []struct{ hash, amount string }{{a, "25"}, {b, "10"}} {
		_, err := f.svc.Submit(context.Background(), submitReq(h.hash, h.amount))
		require.NoError(t, err)
	}

	f.backend.SetHead(block + 3)
	require.NoError(t, newConfirmer(f).RunOnce(context.Background()))

	for _, h := range []string{a, b} {
		p, err := f.store.GetPaymentByTxHash(h)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusConfirmed, p.Status)
		assert.Equal(t, int64(3), p.Confirmations)
	}

	pending, err := f.store.ListPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirmerMarksRevertedAsFailed(t *testing.T) {
	f := newFixture(t)
	hash := f.addTransfer(1, 25_000_000)
	_, err := f.svc.Submit(context.Background(), submitReq(hash, "25"))
	require.NoError(t, err)

	// re-included after a reorg with a failed receipt
	f.backend.AddTransaction(chaintest.Hash(1), block+1, types.ReceiptStatusFailed,
		chaintest.TransferLog(chaintest.Token, chaintest.Payer, chaintest.Receiver, big.NewInt(25_000_000), 0))
	f.backend.SetHead(block + 10)

	require.NoError(t, newConfirmer(f).RunOnce(context.Background()))

	p, err := f.store.GetPaymentByTxHash(hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, p.Status)

	// failed is terminal; status refreshes leave it alone
	p, err = f.svc.Status(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, p.Status)
}

func TestConfirmerSurvivesNodeErrors(t *testing.T) {
	f := newFixture(t)
	hash := f.addTransfer(1, 25_000_000)
	_, err := f.svc.Submit(context.Background(), submitReq(hash, "25"))
	require.NoError(t, err)

	f.backend.SetErr(errors.New("connection reset by peer"))
	require.NoError(t, newConfirmer(f).RunOnce(context.Background()))

	p, err := f.store.GetPaymentByTxHash(hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, p.Status)
}

func TestConfirmerStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		newConfirmer(f).Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("confirmer did not stop")
	}
}
