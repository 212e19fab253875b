package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// StoryChainEventsABI describes the contract events the engine reconciles
// against. Only events are listed: the server never calls the contract, it
// only decodes what the wallet already executed.
const StoryChainEventsABI = `[
  {
    "type": "event",
    "name": "SlotPurchased",
    "anonymous": false,
    "inputs": [
      {"name": "parentId", "type": "uint64", "indexed": true},
      {"name": "buyer", "type": "address", "indexed": true},
      {"name": "letter", "type": "uint8", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "SceneConfirmed",
    "anonymous": false,
    "inputs": [
      {"name": "slotId", "type": "uint256", "indexed": true},
      {"name": "owner", "type": "address", "indexed": true}
    ]
  },
  {
    "type": "event",
    "name": "RefundIssued",
    "anonymous": false,
    "inputs": [
      {"name": "slotId", "type": "uint256", "indexed": true},
      {"name": "recipient", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  }
]`

const (
	EventSlotPurchased  = "SlotPurchased"
	EventSceneConfirmed = "SceneConfirmed"
	EventRefundIssued   = "RefundIssued"
)

// ParseEventsABI parses the contract event ABI once at construction time.
func ParseEventsABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(StoryChainEventsABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse storychain ABI: %w", err)
	}
	return parsed, nil
}

// SlotPurchasedEvent — декодированное событие покупки слота.
type SlotPurchasedEvent struct {
	ParentID uint64
	Buyer    common.Address
	Letter   uint8
	Amount   *big.Int
}

// SceneConfirmedEvent — декодированное событие финализации сцены.
type SceneConfirmedEvent struct {
	SlotID *big.Int
	Owner  common.Address
}

// RefundIssuedEvent — декодированное событие возврата средств.
type RefundIssuedEvent struct {
	SlotID    *big.Int
	Recipient common.Address
	Amount    *big.Int
}

// matchesEvent reports whether the log was emitted by the given contract for
// the named event.
func matchesEvent(contractABI abi.ABI, contract common.Address, log *types.Log, eventName string) bool {
	if log.Address != contract || len(log.Topics) == 0 {
		return false
	}
	return log.Topics[0] == contractABI.Events[eventName].ID
}

// decodeSlotPurchased unpacks a SlotPurchased log. Indexed fields live in the
// topics, the rest in the data segment.
func decodeSlotPurchased(contractABI abi.ABI, log *types.Log) (*SlotPurchasedEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("SlotPurchased: unexpected topic count %d", len(log.Topics))
	}
	evt := &SlotPurchasedEvent{
		ParentID: new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(),
		Buyer:    common.BytesToAddress(log.Topics[2].Bytes()),
	}
	values, err := contractABI.Events[EventSlotPurchased].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("SlotPurchased: unpack data: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("SlotPurchased: unexpected value count %d", len(values))
	}
	letter, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("SlotPurchased: letter has unexpected type %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("SlotPurchased: amount has unexpected type %T", values[1])
	}
	evt.Letter = letter
	evt.Amount = amount
	return evt, nil
}

func decodeSceneConfirmed(log *types.Log) (*SceneConfirmedEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("SceneConfirmed: unexpected topic count %d", len(log.Topics))
	}
	return &SceneConfirmedEvent{
		SlotID: new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Owner:  common.BytesToAddress(log.Topics[2].Bytes()),
	}, nil
}

func decodeRefundIssued(contractABI abi.ABI, log *types.Log) (*RefundIssuedEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("RefundIssued: unexpected topic count %d", len(log.Topics))
	}
	evt := &RefundIssuedEvent{
		SlotID:    new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Recipient: common.BytesToAddress(log.Topics[2].Bytes()),
	}
	values, err := contractABI.Events[EventRefundIssued].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("RefundIssued: unpack data: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("RefundIssued: unexpected value count %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("RefundIssued: amount has unexpected type %T", values[0])
	}
	evt.Amount = amount
	return evt, nil
}
