// Package chaintest provides an in-memory chain.Backend and log builders for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	ApprovalTopic = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

	Token    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	Receiver = common.HexToAddress("0x918e03d7c59d61b6505fed486082419941ffd77f")
	Payer    = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	Other    = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

// Backend implements chain.Backend from maps. Set Err to fail every call.
type Backend struct {
	mu       sync.Mutex
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	head     uint64
	err      error
	calls    int
}

func NewBackend(head uint64) *Backend {
	return &Backend{
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		head:     head,
	}
}

func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, false, b.err
	}
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := b.receipts[hash]
	return tx, !mined, nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return 0, b.err
	}
	return b.head, nil
}

// AddTransaction registers a mined transaction at block with the given
// receipt status and logs.
func (b *Backend) AddTransaction(hash common.Hash, block uint64, status uint64, logs ...*types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()

	to := Token
	b.txs[hash] = types.NewTx(&types.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(1_500_000),
		Gas:      90_000,
		To:       &to,
		Value:    big.NewInt(0),
	})
	for _, lg := range logs {
		lg.TxHash = hash
		lg.BlockNumber = block
	}
	b.receipts[hash] = &types.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(block),
		GasUsed:           52_011,
		EffectiveGasPrice: big.NewInt(1_200_000),
		Logs:              logs,
	}
}

// AddPending registers a transaction the node knows but has not mined.
func (b *Backend) AddPending(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	to := Token
	b.txs[hash] = types.NewTx(&types.LegacyTx{Nonce: 2, GasPrice: big.NewInt(1), Gas: 21_000, To: &to, Value: big.NewInt(0)})
}

func (b *Backend) SetHead(head uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = head
}

func (b *Backend) SetErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// TransferLog builds an ERC-20 Transfer log emitted by token.
func TransferLog(token, from, to common.Address, value *big.Int, index uint) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:  common.LeftPadBytes(value.Bytes(), 32),
		Index: index,
	}
}

// ApprovalLog has the same shape as a Transfer but a different signature.
func ApprovalLog(token, owner, spender common.Address, value *big.Int, index uint) *types.Log {
	lg := TransferLog(token, owner, spender, value, index)
	lg.Topics[0] = ApprovalTopic
	return lg
}

// Hash returns a deterministic 32-byte hash for n.
func Hash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n + 0xabcdef))
}
