package telegram

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suspectuso/pay-intake/internal/storage"
)

const testHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

type fakeLookup struct {
	payments map[string]*storage.Payment
	err      error
}

func (f *fakeLookup) GetPaymentByTxHash(txHash string) (*storage.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.payments[txHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func newTestBot(lookup PaymentLookup) *Bot {
	return &Bot{
		payments:    lookup,
		explorerURL: "https://basescan.org/",
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testPayment() *storage.Payment {
	return &storage.Payment{
		ID:                    7,
		TxHash:                testHash,
		FromAddress:           "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		AmountToken:           decimal.RequireFromString("25.5"),
		PaymentType:           storage.PaymentTypeCourse,
		Status:                storage.StatusConfirmed,
		Confirmations:         3,
		RequiredConfirmations: 2,
		FirstName:             "Ada",
		LastName:              "<Lovelace>",
		Email:                 "ada@example.com",
	}
}

func TestLookupFound(t *testing.T) {
	b := newTestBot(&fakeLookup{payments: map[string]*storage.Payment{testHash: testPayment()}})

	text, keyboard := b.lookup("/payment 0x" + strings.ToUpper(testHash[2:]))
	assert.Contains(t, text, "USDC payment #7")
	assert.Contains(t, text, "25.5 USDC")
	assert.Contains(t, text, "&lt;Lovelace&gt;")
	assert.Contains(t, text, "3/2")

	require.NotNil(t, keyboard)
	assert.Equal(t, "https://basescan.org/tx/"+testHash, keyboard.InlineKeyboard[0][0].URL)
}

func TestLookupNotFound(t *testing.T) {
	b := newTestBot(&fakeLookup{})
	text, keyboard := b.lookup("/payment " + testHash)
	assert.Contains(t, text, "No payment recorded")
	assert.Nil(t, keyboard)
}

func TestLookupUsage(t *testing.T) {
	b := newTestBot(&fakeLookup{})
	text, _ := b.lookup("/payment nope")
	assert.Contains(t, text, "Usage")
}

func TestLookupStoreError(t *testing.T) {
	b := newTestBot(&fakeLookup{err: errors.New("disk I/O error")})
	text, keyboard := b.lookup(testHash)
	assert.Equal(t, "Lookup failed, try again later.", text)
	assert.Nil(t, keyboard)
}

func TestAuthorized(t *testing.T) {
	b := newTestBot(&fakeLookup{})
	assert.True(t, b.authorized(123))

	b.adminChatID = -100500
	assert.True(t, b.authorized(-100500))
	assert.False(t, b.authorized(123))
}

func TestFormatPaymentPending(t *testing.T) {
	p := testPayment()
	p.Status = storage.StatusPending
	p.FirstName, p.LastName, p.Email = "", "", ""

	text := FormatPayment(p)
	assert.True(t, strings.HasPrefix(text, "⏳"))
	assert.Contains(t, text, "Customer: N/A")
	assert.NotContains(t, text, "Email:")
}
