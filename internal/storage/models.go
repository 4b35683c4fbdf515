package storage

import (
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type PaymentType string

const (
	PaymentTypeCourse   PaymentType = "course"
	PaymentTypeSupplier PaymentType = "supplier"
	PaymentTypeCustom   PaymentType = "custom"
)

// ParsePaymentType maps an empty string to course.
func ParsePaymentType(s string) (PaymentType, bool) {
	switch PaymentType(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaymentTypeCourse:
		return PaymentTypeCourse, true
	case PaymentTypeSupplier:
		return PaymentTypeSupplier, true
	case PaymentTypeCustom:
		return PaymentTypeCustom, true
	}
	return "", false
}

// Payment is one accepted on-chain payment.
type Payment struct {
	ID            int64
	TxHash        string
	FromAddress   string
	ToAddress     string
	AmountRaw     *big.Int
	AmountToken   decimal.Decimal
	AmountUSD     decimal.Decimal
	PaymentType   PaymentType
	TokenContract string

	Status                Status
	BlockNumber           uint64
	Confirmations         int64
	RequiredConfirmations int64

	GasPrice           *big.Int
	GasUsed            uint64
	TransferEventIndex int

	// Customer metadata as submitted; never checked against the chain.
	FirstName   string
	LastName    string
	Email       string
	Mobile      string
	CompanyName string
	Notes       string
	Org         string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

func (p *Payment) CustomerName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return "N/A"
	}
	return name
}

// ExplorerURL links the transaction on a block explorer such as basescan.
func (p *Payment) ExplorerURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/tx/" + p.TxHash
}

func (p *Payment) IsConfirmable() bool {
	return p.Status == StatusPending && p.Confirmations >= p.RequiredConfirmations
}

// CardPayment records a completed Stripe Checkout session.
type CardPayment struct {
	ID             int64
	SessionID      string
	SubscriptionID string
	Mode           string
	AmountCents    int64
	Currency       string
	Email          string
	CustomerName   string
	Org            string
	Frequency      string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	CardStatusPaid   = "paid"
	CardStatusFailed = "failed"
)
