package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storychain-server/internal/chain"
	"storychain-server/internal/models"
)

const (
	testContract = "0x00000000000000000000000000000000000000aa"
	testTxHash   = "0x4a5b000000000000000000000000000000000000000000000000000000000001"
	testBuyer    = "0x1111111111111111111111111111111111111111"
)

// fakeReceiptSource serves a canned receipt (or error) per tx hash.
type fakeReceiptSource struct {
	receipts map[common.Hash]*types.Receipt
	err      error
}

func (f *fakeReceiptSource) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newLedger(t *testing.T, source *fakeReceiptSource) *chain.EventLedger {
	t.Helper()
	ledger, err := chain.NewEventLedger(source, testContract, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	return ledger
}

func eventsABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := chain.ParseEventsABI()
	require.NoError(t, err)
	return parsed
}

func purchaseLog(t *testing.T, contract common.Address, parentID int64, letter uint8, buyer string) *types.Log {
	t.Helper()
	parsed := eventsABI(t)
	data, err := parsed.Events[chain.EventSlotPurchased].Inputs.NonIndexed().Pack(letter, big.NewInt(1_000_000))
	require.NoError(t, err)
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			parsed.Events[chain.EventSlotPurchased].ID,
			common.BigToHash(big.NewInt(parentID)),
			common.BytesToHash(common.HexToAddress(buyer).Bytes()),
		},
		Data: data,
	}
}

func confirmedLog(t *testing.T, contract common.Address, slotID int64, owner string) *types.Log {
	t.Helper()
	parsed := eventsABI(t)
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			parsed.Events[chain.EventSceneConfirmed].ID,
			common.BigToHash(big.NewInt(slotID)),
			common.BytesToHash(common.HexToAddress(owner).Bytes()),
		},
	}
}

func refundLog(t *testing.T, contract common.Address, slotID int64, recipient string) *types.Log {
	t.Helper()
	parsed := eventsABI(t)
	data, err := parsed.Events[chain.EventRefundIssued].Inputs.NonIndexed().Pack(big.NewInt(1_000_000))
	require.NoError(t, err)
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			parsed.Events[chain.EventRefundIssued].ID,
			common.BigToHash(big.NewInt(slotID)),
			common.BytesToHash(common.HexToAddress(recipient).Bytes()),
		},
		Data: data,
	}
}

func successReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: logs}
}

func sourceWith(receipt *types.Receipt) *fakeReceiptSource {
	return &fakeReceiptSource{receipts: map[common.Hash]*types.Receipt{
		common.HexToHash(testTxHash): receipt,
	}}
}

func TestVerifyPurchase(t *testing.T) {
	ctx := context.Background()
	contract := common.HexToAddress(testContract)

	t.Run("Matching event verifies", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, contract, 7, 1, testBuyer),
		)))
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, testBuyer)
		assert.NoError(t, err)
	})

	t.Run("Wrong parent fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, contract, 7, 1, testBuyer),
		)))
		err := ledger.VerifyPurchase(ctx, testTxHash, 8, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Wrong letter fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, contract, 7, 1, testBuyer),
		)))
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterC, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Wrong buyer fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, contract, 7, 1, testBuyer),
		)))
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, "0x2222222222222222222222222222222222222222")
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Event from another contract is ignored", func(t *testing.T) {
		other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, other, 7, 1, testBuyer),
		)))
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Reverted transaction fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(&types.Receipt{
			Status: types.ReceiptStatusFailed,
			Logs:   []*types.Log{purchaseLog(t, contract, 7, 1, testBuyer)},
		}))
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Unknown transaction fails verification", func(t *testing.T) {
		ledger := newLedger(t, &fakeReceiptSource{receipts: map[common.Hash]*types.Receipt{}})
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Malformed reference never hits RPC", func(t *testing.T) {
		ledger := newLedger(t, &fakeReceiptSource{err: errors.New("must not be called")})
		err := ledger.VerifyPurchase(ctx, "not-a-hash", 7, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("RPC outage is transient, not a rejection", func(t *testing.T) {
		ledger := newLedger(t, &fakeReceiptSource{err: errors.New("connection refused")})
		err := ledger.VerifyPurchase(ctx, testTxHash, 7, models.LetterB, testBuyer)
		assert.ErrorIs(t, err, models.ErrLedgerUnavailable)
		assert.NotErrorIs(t, err, models.ErrVerificationFailed)
	})
}

func TestVerifyConfirmation(t *testing.T) {
	ctx := context.Background()
	contract := common.HexToAddress(testContract)

	t.Run("Matching event verifies", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			confirmedLog(t, contract, 42, testBuyer),
		)))
		assert.NoError(t, ledger.VerifyConfirmation(ctx, testTxHash, 42, testBuyer))
	})

	t.Run("Wrong slot fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			confirmedLog(t, contract, 42, testBuyer),
		)))
		err := ledger.VerifyConfirmation(ctx, testTxHash, 43, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})

	t.Run("Purchase event does not prove confirmation", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			purchaseLog(t, contract, 7, 1, testBuyer),
		)))
		err := ledger.VerifyConfirmation(ctx, testTxHash, 42, testBuyer)
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})
}

func TestVerifyRefund(t *testing.T) {
	ctx := context.Background()
	contract := common.HexToAddress(testContract)

	t.Run("Matching event verifies", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			refundLog(t, contract, 42, testBuyer),
		)))
		assert.NoError(t, ledger.VerifyRefund(ctx, testTxHash, 42, testBuyer))
	})

	t.Run("Wrong recipient fails verification", func(t *testing.T) {
		ledger := newLedger(t, sourceWith(successReceipt(
			refundLog(t, contract, 42, testBuyer),
		)))
		err := ledger.VerifyRefund(ctx, testTxHash, 42, "0x2222222222222222222222222222222222222222")
		assert.ErrorIs(t, err, models.ErrVerificationFailed)
	})
}

func TestNewEventLedger(t *testing.T) {
	_, err := chain.NewEventLedger(&fakeReceiptSource{}, "not-an-address", time.Second, zap.NewNop())
	assert.Error(t, err)
}
