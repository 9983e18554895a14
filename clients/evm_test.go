package clients

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/midatopay/qrsettle/types"
)

const (
	testGateway  = "0x52a83a44aa073C0a423f914A6c824DA640ED2F6A"
	testMerchant = "0xC37c16139a8eFC8f4c2B7CAA5C607514C825FC4C"
	testToken    = "0x3d127a80655e4650D97e4499217dC8c083A39242"
)

func TestReferenceToChainID(t *testing.T) {
	id, err := ReferenceToChainID("payment_1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 31; i++ {
		if id[i] != 0 {
			t.Fatalf("expected zero padding at byte %d, got %x", i, id[i])
		}
	}
	if id[31] != 1 {
		t.Errorf("expected last byte 1, got %x", id[31])
	}

	id, err = ReferenceToChainID("payment_256")
	if err != nil {
		t.Fatal(err)
	}
	if id[30] != 1 || id[31] != 0 {
		t.Errorf("expected big-endian 256, got %x", id[30:])
	}
}

func TestReferenceToChainIDInvalid(t *testing.T) {
	for _, ref := range []string{"order_1", "payment_", "payment_abc", "payment_-5", ""} {
		if _, err := ReferenceToChainID(ref); types.ErrorCode(err) != types.ErrInvalidReference {
			t.Errorf("ReferenceToChainID(%q): expected INVALID_REFERENCE, got %v", ref, err)
		}
	}
}

func TestReferenceSequenceRoundTrip(t *testing.T) {
	for _, n := range []uint64{1, 42, 1 << 40} {
		seq, err := ReferenceSequence(FormatReference(n))
		if err != nil {
			t.Fatal(err)
		}
		if seq != n {
			t.Errorf("round trip of %d gave %d", n, seq)
		}
	}
}

// fakeBackend lets adapter behavior be exercised without an RPC node.
type fakeBackend struct {
	processed    bool
	processedErr error

	sendErr   error
	sendCalls int

	receiptStatus uint64
	receiptLogs   []*gethtypes.Log
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(137), nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.processedErr != nil {
		return nil, f.processedErr
	}
	out := make([]byte, 32)
	if f.processed {
		out[31] = 1
	}
	return out, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 120_000, nil
}

func (f *fakeBackend) SendTransaction(context.Context, *gethtypes.Transaction) error {
	f.sendCalls++
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{
		Status:      f.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(12345),
		GasUsed:     90_000,
		Logs:        f.receiptLogs,
	}, nil
}

func newTestAdapter(t *testing.T, backend *fakeBackend, withKey bool) *EVMAdapter {
	t.Helper()

	keyHex := ""
	if withKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		keyHex = hex.EncodeToString(crypto.FromECDSA(key))
	}

	a, err := newEVMAdapter(types.NetworkPolygon, testGateway, backend, keyHex, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestExecuteWithoutSigningKey(t *testing.T) {
	backend := &fakeBackend{receiptStatus: 1}
	a := newTestAdapter(t, backend, false)

	_, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_1")
	if types.ErrorCode(err) != types.ErrSigningNotConfigured {
		t.Fatalf("expected SIGNING_NOT_CONFIGURED, got %v", err)
	}
	if backend.sendCalls != 0 {
		t.Error("expected no broadcast without a signing key")
	}
}

func TestExecuteAddressValidation(t *testing.T) {
	backend := &fakeBackend{receiptStatus: 1}
	a := newTestAdapter(t, backend, true)

	if _, err := a.Execute(context.Background(), "0x1234", 1000, testToken, "payment_1"); types.ErrorCode(err) != types.ErrAddressFormat {
		t.Errorf("short merchant address: expected ADDRESS_FORMAT, got %v", err)
	}
	if _, err := a.Execute(context.Background(), testMerchant, 1000, "notanaddress", "payment_1"); types.ErrorCode(err) != types.ErrAddressFormat {
		t.Errorf("bad token address: expected ADDRESS_FORMAT, got %v", err)
	}
	if backend.sendCalls != 0 {
		t.Error("expected no broadcast on validation failure")
	}
}

func TestExecuteAlreadyProcessed(t *testing.T) {
	backend := &fakeBackend{processed: true, receiptStatus: 1}
	a := newTestAdapter(t, backend, true)

	_, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_1")
	if types.ErrorCode(err) != types.ErrAlreadyProcessed {
		t.Fatalf("expected ALREADY_PROCESSED, got %v", err)
	}
	if backend.sendCalls != 0 {
		t.Error("idempotency fast path must not broadcast")
	}
}

func TestExecuteSecondAttemptShortCircuits(t *testing.T) {
	backend := &fakeBackend{receiptStatus: 1}
	a := newTestAdapter(t, backend, true)

	res, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_4")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || backend.sendCalls != 1 {
		t.Fatalf("first attempt: success=%v sends=%d", res.Success, backend.sendCalls)
	}

	// The registry now reports the payment as processed; a replay must
	// stop at the pre-check without another broadcast.
	backend.processed = true
	_, err = a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_4")
	if types.ErrorCode(err) != types.ErrAlreadyProcessed {
		t.Fatalf("error = %v, want ALREADY_PROCESSED", err)
	}
	if backend.sendCalls != 1 {
		t.Errorf("broadcasts = %d, want 1", backend.sendCalls)
	}
}

func TestExecutePreCheckFailsOpen(t *testing.T) {
	backend := &fakeBackend{processedErr: errors.New("bad data"), receiptStatus: 1}
	a := newTestAdapter(t, backend, true)

	res, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_1")
	if err != nil {
		t.Fatalf("pre-check failure must not abort execution: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if backend.sendCalls != 1 {
		t.Errorf("expected one broadcast, got %d", backend.sendCalls)
	}
}

func TestExecuteSuccessExtractsEvent(t *testing.T) {
	backend := &fakeBackend{receiptStatus: 1}
	a := newTestAdapter(t, backend, true)

	paymentID, err := ReferenceToChainID("payment_9")
	if err != nil {
		t.Fatal(err)
	}

	// ABI-encoded non-indexed payload: merchant, token, amount.
	data := append(common.LeftPadBytes(common.HexToAddress(testMerchant).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(testToken).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(1000).Bytes(), 32)...)

	backend.receiptLogs = []*gethtypes.Log{{
		Address: common.HexToAddress(testGateway),
		Topics: []common.Hash{
			a.gatewayABI.Events["PaymentProcessed"].ID,
			common.BytesToHash(paymentID[:]),
		},
		Data: data,
	}}

	res, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_9")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.BlockNumber != 12345 || res.GasUsed != 90_000 {
		t.Errorf("unexpected receipt data: %+v", res)
	}
	if res.ExplorerURL != "https://polygonscan.com/tx/"+res.TxHash {
		t.Errorf("unexpected explorer url %q", res.ExplorerURL)
	}
	if res.Event == nil {
		t.Fatal("expected a decoded PaymentProcessed event")
	}
	if res.Event.Merchant != common.HexToAddress(testMerchant).Hex() || res.Event.Amount != "1000" {
		t.Errorf("unexpected event: %+v", res.Event)
	}
	if res.Event.PaymentID != paymentID {
		t.Errorf("event payment id mismatch")
	}
}

func TestExecuteRevertedReturnsPartialResult(t *testing.T) {
	backend := &fakeBackend{receiptStatus: 0}
	a := newTestAdapter(t, backend, true)

	res, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_1")
	if err != nil {
		t.Fatalf("reverted transaction must be reported via result, got error %v", err)
	}
	if res.Success {
		t.Error("expected failure result")
	}
	if res.TxHash == "" || res.ExplorerURL == "" {
		t.Errorf("expected transaction data on failure result: %+v", res)
	}
}

func TestExecuteBroadcastFailureRaises(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	a := newTestAdapter(t, backend, true)

	_, err := a.Execute(context.Background(), testMerchant, 1000, testToken, "payment_1")
	if err == nil {
		t.Fatal("expected error when nothing was broadcast")
	}
}

func TestIsProcessed(t *testing.T) {
	backend := &fakeBackend{processed: true}
	a := newTestAdapter(t, backend, false)

	processed, err := a.IsProcessed(context.Background(), "payment_3")
	if err != nil || !processed {
		t.Errorf("expected processed=true, got %v %v", processed, err)
	}

	backend.processedErr = errors.New("rpc down")
	processed, err = a.IsProcessed(context.Background(), "payment_3")
	if err != nil || processed {
		t.Errorf("query failure must read as not processed, got %v %v", processed, err)
	}

	if _, err := a.IsProcessed(context.Background(), "garbage"); types.ErrorCode(err) != types.ErrInvalidReference {
		t.Errorf("expected INVALID_REFERENCE, got %v", err)
	}
}
