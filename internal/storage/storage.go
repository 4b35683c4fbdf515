package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New opens the database and creates the schema.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_hash TEXT NOT NULL UNIQUE COLLATE NOCASE,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			amount_raw TEXT NOT NULL,
			amount_token TEXT NOT NULL,
			amount_usd TEXT NOT NULL,
			payment_type TEXT NOT NULL DEFAULT 'course',
			token_contract TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			block_number INTEGER NOT NULL DEFAULT 0,
			confirmations INTEGER NOT NULL DEFAULT 0,
			required_confirmations INTEGER NOT NULL DEFAULT 2,
			gas_price TEXT NOT NULL DEFAULT '0',
			gas_used INTEGER NOT NULL DEFAULT 0,
			transfer_event_index INTEGER NOT NULL DEFAULT 0,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			mobile TEXT NOT NULL DEFAULT '',
			company_name TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			org TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			confirmed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_from_address ON payments(from_address)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_payment_type ON payments(payment_type)`,

		`CREATE TABLE IF NOT EXISTS card_payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			subscription_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			customer_name TEXT NOT NULL DEFAULT '',
			org TEXT NOT NULL DEFAULT '',
			frequency TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_card_payments_subscription ON card_payments(subscription_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// --- Payments ---

const paymentColumns = `id, transaction_hash, from_address, to_address, amount_raw, amount_token, amount_usd,
	payment_type, token_contract, status, block_number, confirmations, required_confirmations,
	gas_price, gas_used, transfer_event_index, first_name, last_name, email, mobile, company_name,
	notes, org, created_at, updated_at, confirmed_at`

// CreatePayment inserts p and fills its ID and timestamps. A duplicate
// transaction hash returns ErrAlreadyExists; the UNIQUE constraint is the
// only guard, so concurrent inserts of one hash cannot both succeed.
func (s *Storage) CreatePayment(p *Payment) error {
	now := time.Now()
	var confirmedAt sql.NullInt64
	if p.ConfirmedAt != nil {
		confirmedAt = sql.NullInt64{Int64: p.ConfirmedAt.Unix(), Valid: true}
	}

	result, err := s.db.Exec(
		`INSERT INTO payments (transaction_hash, from_address, to_address, amount_raw, amount_token, amount_usd,
			payment_type, token_contract, status, block_number, confirmations, required_confirmations,
			gas_price, gas_used, transfer_event_index, first_name, last_name, email, mobile, company_name,
			notes, org, created_at, updated_at, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TxHash, p.FromAddress, p.ToAddress, bigString(p.AmountRaw), p.AmountToken.String(), p.AmountUSD.StringFixed(2),
		string(p.PaymentType), p.TokenContract, string(p.Status), int64(p.BlockNumber), p.Confirmations, p.RequiredConfirmations,
		bigString(p.GasPrice), int64(p.GasUsed), p.TransferEventIndex, p.FirstName, p.LastName, p.Email, p.Mobile, p.CompanyName,
		p.Notes, p.Org, now.Unix(), now.Unix(), confirmedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	p.ID, _ = result.LastInsertId()
	p.CreatedAt = time.Unix(now.Unix(), 0)
	p.UpdatedAt = p.CreatedAt
	return nil
}

// GetPaymentByTxHash matches the hash case-insensitively.
func (s *Storage) GetPaymentByTxHash(txHash string) (*Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE transaction_hash = ?`, txHash)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPending returns the oldest pending payments first.
func (s *Storage) ListPending(limit int) ([]Payment, error) {
	rows, err := s.db.Query(
		`SELECT `+paymentColumns+` FROM payments WHERE status = ? ORDER BY id ASC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}

	return payments, rows.Err()
}

// UpdateConfirmations stores a refreshed count without touching status.
func (s *Storage) UpdateConfirmations(id int64, confirmations int64) error {
	result, err := s.db.Exec(
		"UPDATE payments SET confirmations = ?, updated_at = ? WHERE id = ?",
		confirmations, time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConfirmed moves a pending payment to confirmed. Returns false if the
// payment was not pending.
func (s *Storage) MarkConfirmed(id int64, confirmations int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE payments SET status = ?, confirmations = ?, confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusConfirmed), confirmations, at.Unix(), at.Unix(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkFailed moves a pending payment to failed.
func (s *Storage) MarkFailed(id int64) (bool, error) {
	result, err := s.db.Exec(
		"UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(StatusFailed), time.Now().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                                 Payment
		amountRaw, amountToken, amountUSD string
		paymentType, status, gasPrice     string
		blockNumber, gasUsed              int64
		createdAt, updatedAt              int64
		confirmedAt                       sql.NullInt64
	)

	err := row.Scan(
		&p.ID, &p.TxHash, &p.FromAddress, &p.ToAddress, &amountRaw, &amountToken, &amountUSD,
		&paymentType, &p.TokenContract, &status, &blockNumber, &p.Confirmations, &p.RequiredConfirmations,
		&gasPrice, &gasUsed, &p.TransferEventIndex, &p.FirstName, &p.LastName, &p.Email, &p.Mobile, &p.CompanyName,
		&p.Notes, &p.Org, &createdAt, &updatedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.AmountRaw, err = parseBig(amountRaw); err != nil {
		return nil, fmt.Errorf("payment %d amount_raw: %w", p.ID, err)
	}
	if p.GasPrice, err = parseBig(gasPrice); err != nil {
		return nil, fmt.Errorf("payment %d gas_price: %w", p.ID, err)
	}
	if p.AmountToken, err = decimal.NewFromString(amountToken); err != nil {
		return nil, fmt.Errorf("payment %d amount_token: %w", p.ID, err)
	}
	if p.AmountUSD, err = decimal.NewFromString(amountUSD); err != nil {
		return nil, fmt.Errorf("payment %d amount_usd: %w", p.ID, err)
	}

	p.PaymentType = PaymentType(paymentType)
	p.Status = Status(status)
	p.BlockNumber = uint64(blockNumber)
	p.GasUsed = uint64(gasUsed)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0)
		p.ConfirmedAt = &t
	}

	return &p, nil
}

// --- Card payments ---

// SaveCardPayment records a checkout session once; returns true if it was new.
func (s *Storage) SaveCardPayment(cp *CardPayment) (bool, error) {
	now := time.Now().Unix()
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO card_payments (session_id, subscription_id, mode, amount_cents, currency,
			email, customer_name, org, frequency, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.SubscriptionID, cp.Mode, cp.AmountCents, cp.Currency,
		cp.Email, cp.CustomerName, cp.Org, cp.Frequency, cp.Status, now, now,
	)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		cp.ID, _ = result.LastInsertId()
		cp.CreatedAt = time.Unix(now, 0)
		cp.UpdatedAt = cp.CreatedAt
	}
	return rows > 0, nil
}

// SetCardPaymentStatusBySubscription updates every session of a subscription.
func (s *Storage) SetCardPaymentStatusBySubscription(subscriptionID, status string) (int64, error) {
	if subscriptionID == "" {
		return 0, nil
	}
	result, err := s.db.Exec(
		"UPDATE card_payments SET status = ?, updated_at = ? WHERE subscription_id = ?",
		status, time.Now().Unix(), subscriptionID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) GetCardPayment(sessionID string) (*CardPayment, error) {
	var cp CardPayment
	var createdAt, updatedAt int64

	err := s.db.QueryRow(
		`SELECT id, session_id, subscription_id, mode, amount_cents, currency, email, customer_name,
			org, frequency, status, created_at, updated_at
		 FROM card_payments WHERE session_id = ?`,
		sessionID,
	).Scan(&cp.ID, &cp.SessionID, &cp.SubscriptionID, &cp.Mode, &cp.AmountCents, &cp.Currency, &cp.Email,
		&cp.CustomerName, &cp.Org, &cp.Frequency, &cp.Status, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cp.CreatedAt = time.Unix(createdAt, 0)
	cp.UpdatedAt = time.Unix(updatedAt, 0)
	return &cp, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
