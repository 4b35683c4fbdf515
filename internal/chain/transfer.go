package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	],
	"name": "Transfer",
	"type": "event"
}]`

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	LogIndex uint
}

// DecodeTransferEvents keeps receipt order. Logs that are not Transfers of the
// configured token are skipped.
func (c *Client) DecodeTransferEvents(logs []*types.Log) []TransferEvent {
	var events []TransferEvent
	for _, lg := range logs {
		if ev, ok := c.decodeTransfer(lg); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (c *Client) decodeTransfer(lg *types.Log) (TransferEvent, bool) {
	if lg == nil || lg.Address != c.token {
		return TransferEvent{}, false
	}
	if len(lg.Topics) != len(c.indexed)+1 || lg.Topics[0] != c.transfer.ID {
		return TransferEvent{}, false
	}

	fields := make(map[string]interface{}, len(c.indexed))
	if err := abi.ParseTopicsIntoMap(fields, c.indexed, lg.Topics[1:]); err != nil {
		return TransferEvent{}, false
	}
	from, ok := fields["from"].(common.Address)
	if !ok {
		return TransferEvent{}, false
	}
	to, ok := fields["to"].(common.Address)
	if !ok {
		return TransferEvent{}, false
	}

	values, err := c.transfer.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil || len(values) != 1 {
		return TransferEvent{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return TransferEvent{}, false
	}

	return TransferEvent{
		From:     from,
		To:       to,
		Value:    value,
		LogIndex: lg.Index,
	}, true
}

// TransferTopic is the event id of Transfer(address,address,uint256).
func (c *Client) TransferTopic() common.Hash {
	return c.transfer.ID
}
