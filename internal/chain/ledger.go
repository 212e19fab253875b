package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.Ledger = (*EventLedger)(nil)

// ReceiptSource is the single RPC call the ledger needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var txRefPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// EventLedger verifies claimed transactions against the StoryChain contract's
// event log. A transaction merely existing is never enough: the receipt must
// be successful AND carry the exact event with the exact parameters.
type EventLedger struct {
	client     ReceiptSource
	contract   common.Address
	abi        abi.ABI
	rpcTimeout time.Duration
	logger     *zap.Logger
}

// NewEventLedger wraps an RPC client. rpcTimeout bounds each receipt fetch;
// it is deliberately separate from any business-level window.
func NewEventLedger(client ReceiptSource, contractAddr string, rpcTimeout time.Duration, logger *zap.Logger) (*EventLedger, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddr)
	}
	parsed, err := ParseEventsABI()
	if err != nil {
		return nil, err
	}
	return &EventLedger{
		client:     client,
		contract:   common.HexToAddress(contractAddr),
		abi:        parsed,
		rpcTimeout: rpcTimeout,
		logger:     logger.Named("EventLedger"),
	}, nil
}

// Dial connects an EventLedger to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL, contractAddr string, rpcTimeout time.Duration, logger *zap.Logger) (*EventLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewEventLedger(client, contractAddr, rpcTimeout, logger)
}

func (l *EventLedger) VerifyPurchase(ctx context.Context, txRef string, parentID int64, letter models.Letter, buyer string) error {
	receipt, err := l.fetchReceipt(ctx, txRef)
	if err != nil {
		return err
	}
	for _, log := range receipt.Logs {
		if !matchesEvent(l.abi, l.contract, log, EventSlotPurchased) {
			continue
		}
		evt, err := decodeSlotPurchased(l.abi, log)
		if err != nil {
			l.logger.Warn("Undecodable SlotPurchased log", zap.Error(err), zap.String("txRef", txRef))
			continue
		}
		if evt.ParentID != uint64(parentID) {
			return fmt.Errorf("%w: purchase is for parent %d, expected %d", models.ErrVerificationFailed, evt.ParentID, parentID)
		}
		evtLetter, ok := models.LetterFromIndex(evt.Letter)
		if !ok || evtLetter != letter {
			return fmt.Errorf("%w: purchase is for letter index %d, expected %s", models.ErrVerificationFailed, evt.Letter, letter)
		}
		if !addressEqual(evt.Buyer, buyer) {
			return fmt.Errorf("%w: purchase buyer %s does not match requester", models.ErrVerificationFailed, evt.Buyer.Hex())
		}
		l.logger.Info("Purchase verified on chain",
			zap.String("txRef", txRef),
			zap.Int64("parentID", parentID),
			zap.String("letter", string(letter)))
		return nil
	}
	return fmt.Errorf("%w: no SlotPurchased event in transaction", models.ErrVerificationFailed)
}

func (l *EventLedger) VerifyConfirmation(ctx context.Context, txRef string, slotID int64, owner string) error {
	receipt, err := l.fetchReceipt(ctx, txRef)
	if err != nil {
		return err
	}
	for _, log := range receipt.Logs {
		if !matchesEvent(l.abi, l.contract, log, EventSceneConfirmed) {
			continue
		}
		evt, err := decodeSceneConfirmed(log)
		if err != nil {
			l.logger.Warn("Undecodable SceneConfirmed log", zap.Error(err), zap.String("txRef", txRef))
			continue
		}
		if !evt.SlotID.IsInt64() || evt.SlotID.Int64() != slotID {
			return fmt.Errorf("%w: confirmation is for slot %s, expected %d", models.ErrVerificationFailed, evt.SlotID, slotID)
		}
		if !addressEqual(evt.Owner, owner) {
			return fmt.Errorf("%w: confirmation owner %s does not match requester", models.ErrVerificationFailed, evt.Owner.Hex())
		}
		l.logger.Info("Confirmation verified on chain", zap.String("txRef", txRef), zap.Int64("slotID", slotID))
		return nil
	}
	return fmt.Errorf("%w: no SceneConfirmed event in transaction", models.ErrVerificationFailed)
}

func (l *EventLedger) VerifyRefund(ctx context.Context, txRef string, slotID int64, recipient string) error {
	receipt, err := l.fetchReceipt(ctx, txRef)
	if err != nil {
		return err
	}
	for _, log := range receipt.Logs {
		if !matchesEvent(l.abi, l.contract, log, EventRefundIssued) {
			continue
		}
		evt, err := decodeRefundIssued(l.abi, log)
		if err != nil {
			l.logger.Warn("Undecodable RefundIssued log", zap.Error(err), zap.String("txRef", txRef))
			continue
		}
		if !evt.SlotID.IsInt64() || evt.SlotID.Int64() != slotID {
			return fmt.Errorf("%w: refund is for slot %s, expected %d", models.ErrVerificationFailed, evt.SlotID, slotID)
		}
		if !addressEqual(evt.Recipient, recipient) {
			return fmt.Errorf("%w: refund recipient %s does not match requester", models.ErrVerificationFailed, evt.Recipient.Hex())
		}
		l.logger.Info("Refund verified on chain", zap.String("txRef", txRef), zap.Int64("slotID", slotID))
		return nil
	}
	return fmt.Errorf("%w: no RefundIssued event in transaction", models.ErrVerificationFailed)
}

// fetchReceipt retrieves the receipt under the RPC timeout and rejects failed
// or unknown transactions. RPC transport errors surface as ErrLedgerUnavailable
// so callers can distinguish "ledger said no" from "ledger unreachable".
func (l *EventLedger) fetchReceipt(ctx context.Context, txRef string) (*types.Receipt, error) {
	if !txRefPattern.MatchString(txRef) {
		return nil, fmt.Errorf("%w: malformed transaction reference", models.ErrVerificationFailed)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout)
	defer cancel()

	receipt, err := l.client.TransactionReceipt(rpcCtx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: transaction not found on chain", models.ErrVerificationFailed)
		}
		l.logger.Error("Receipt fetch failed", zap.Error(err), zap.String("txRef", txRef))
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction reverted", models.ErrVerificationFailed)
	}
	return receipt, nil
}

func addressEqual(addr common.Address, hex string) bool {
	return common.IsHexAddress(hex) && addr == common.HexToAddress(hex)
}
