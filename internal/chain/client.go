package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/pay-intake/internal/metrics"
)

var (
	// ErrConfiguration is returned at construction time: missing endpoint,
	// bad contract address or a node that does not answer.
	ErrConfiguration = errors.New("chain configuration error")
	// ErrNetwork is a transport failure talking to the node.
	ErrNetwork = errors.New("chain node unavailable")
)

const probeTimeout = 10 * time.Second

// Backend is the subset of ethclient.Client the Client needs.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	RPCURL        string
	TokenContract string
	Decimals      int32
}

// Client gives read access to one EVM chain and one ERC-20 token contract.
type Client struct {
	backend  Backend
	closer   func()
	token    common.Address
	decimals int32
	transfer abi.Event
	indexed  abi.Arguments
	log      *slog.Logger
}

// Transaction pairs a mined transaction with its receipt.
type Transaction struct {
	Hash    common.Hash
	Tx      *types.Transaction
	Receipt *types.Receipt
}

func (t *Transaction) Succeeded() bool {
	return t.Receipt != nil && t.Receipt.Status == types.ReceiptStatusSuccessful
}

func (t *Transaction) BlockNumber() uint64 {
	if t.Receipt == nil || t.Receipt.BlockNumber == nil {
		return 0
	}
	return t.Receipt.BlockNumber.Uint64()
}

// GasPrice prefers the receipt's effective price; dynamic-fee transactions
// only carry a fee cap.
func (t *Transaction) GasPrice() *big.Int {
	if t.Receipt != nil && t.Receipt.EffectiveGasPrice != nil {
		return new(big.Int).Set(t.Receipt.EffectiveGasPrice)
	}
	if t.Tx != nil && t.Tx.GasPrice() != nil {
		return new(big.Int).Set(t.Tx.GasPrice())
	}
	return new(big.Int)
}

func (t *Transaction) GasUsed() uint64 {
	if t.Receipt == nil {
		return 0
	}
	return t.Receipt.GasUsed
}

// Dial connects to the node and probes it once so a bad endpoint fails at startup.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("%w: rpc endpoint is empty", ErrConfiguration)
	}

	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %w", ErrConfiguration, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	head, err := ec.BlockNumber(probeCtx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("%w: node unreachable: %w", ErrConfiguration, err)
	}

	c, err := New(ec, cfg, log)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close

	log.Info("chain client connected", "head", head, "token", c.token.Hex())
	return c, nil
}

// New builds a Client over an existing backend.
func New(backend Backend, cfg Config, log *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("%w: invalid token contract %q", ErrConfiguration, cfg.TokenContract)
	}
	if cfg.Decimals < 0 {
		return nil, fmt.Errorf("%w: negative decimals", ErrConfiguration)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse transfer abi: %w", err)
	}
	event := parsed.Events["Transfer"]

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	return &Client{
		backend:  backend,
		token:    common.HexToAddress(cfg.TokenContract),
		decimals: cfg.Decimals,
		transfer: event,
		indexed:  indexed,
		log:      log,
	}, nil
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) TokenContract() common.Address {
	return c.token
}

// GetTransaction returns nil without error when the node does not know the hash
// or the transaction is not mined yet.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error) {
	start := time.Now()
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	observe("eth_getTransactionByHash", start)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get transaction %s: %w", ErrNetwork, hash.Hex(), err)
	}

	start = time.Now()
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	observe("eth_getTransactionReceipt", start)
	if errors.Is(err, ethereum.NotFound) {
		c.log.Debug("transaction has no receipt yet", "tx_hash", hash.Hex())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get receipt %s: %w", ErrNetwork, hash.Hex(), err)
	}

	return &Transaction{Hash: hash, Tx: tx, Receipt: receipt}, nil
}

func (c *Client) GetCurrentBlock(ctx context.Context) (uint64, error) {
	start := time.Now()
	head, err := c.backend.BlockNumber(ctx)
	observe("eth_blockNumber", start)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %w", ErrNetwork, err)
	}
	return head, nil
}

// GetConfirmations returns max(0, head - blockNumber). Block 0 means unknown.
func (c *Client) GetConfirmations(ctx context.Context, blockNumber uint64) (int64, error) {
	if blockNumber == 0 {
		return 0, nil
	}
	head, err := c.GetCurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	return Confirmations(head, blockNumber), nil
}

// Confirmations is the pure part of GetConfirmations.
func Confirmations(head, blockNumber uint64) int64 {
	if blockNumber == 0 || head <= blockNumber {
		return 0
	}
	return int64(head - blockNumber)
}

func (c *Client) AmountToRawUnits(amount decimal.Decimal) *big.Int {
	return ToRawUnits(amount, c.decimals)
}

func (c *Client) RawUnitsToAmount(raw *big.Int) decimal.Decimal {
	return FromRawUnits(raw, c.decimals)
}

// ToRawUnits scales amount by 10^decimals. Digits past the token precision are
// truncated toward zero.
func ToRawUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

func FromRawUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

func observe(method string, start time.Time) {
	metrics.ChainRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
