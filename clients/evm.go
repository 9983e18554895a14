package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/midatopay/qrsettle/logger"
	"github.com/midatopay/qrsettle/types"
)

var _ Adapter = (*EVMAdapter)(nil)

// gatewayABI is the fixed external surface of the PaymentGateway contract.
const gatewayABIJSON = `
[
  {
    "name": "pay",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "merchant", "type": "address" },
      { "name": "amountARS", "type": "uint256" },
      { "name": "token", "type": "address" },
      { "name": "paymentId", "type": "bytes32" }
    ],
    "outputs": [ { "name": "", "type": "bool" } ]
  },
  {
    "name": "processedPayments",
    "type": "function",
    "stateMutability": "view",
    "inputs": [ { "name": "", "type": "bytes32" } ],
    "outputs": [ { "name": "", "type": "bool" } ]
  },
  {
    "name": "PaymentProcessed",
    "type": "event",
    "inputs": [
      { "name": "id", "type": "bytes32", "indexed": true },
      { "name": "merchant", "type": "address", "indexed": false },
      { "name": "token", "type": "address", "indexed": false },
      { "name": "amount", "type": "uint256", "indexed": false }
    ]
  }
]
`

const (
	// fallbackGasLimit is used when gas estimation fails; the pay call is
	// a storage write plus one event and fits comfortably.
	fallbackGasLimit = 300_000

	receiptPollInterval = 2 * time.Second
)

// evmBackend is the subset of ethclient.Client the adapter needs;
// abstracted so settlement behavior is testable without an RPC node.
type evmBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMAdapter settles payments through the PaymentGateway contract on one
// EVM network. The signing key is a long-lived server-side credential set
// at construction; without it Execute fails fast before any network call.
type EVMAdapter struct {
	network    types.Network
	gateway    common.Address
	backend    evmBackend
	gatewayABI abi.ABI
	signingKey *ecdsa.PrivateKey
	log        logger.Logger

	client *ethclient.Client // nil when constructed over a test backend
}

// NewEVMAdapter dials the network RPC and prepares the gateway binding.
// cfg.SigningKeyHex may be empty; the adapter then serves read paths only.
func NewEVMAdapter(network types.Network, cfg types.NetworkConfig, log logger.Logger) (*EVMAdapter, error) {
	if !network.IsEVM() {
		return nil, types.NewError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("network %s is not an EVM network", network))
	}
	if len(cfg.GatewayAddress) != types.AddressLength || !common.IsHexAddress(cfg.GatewayAddress) {
		return nil, types.NewError(types.ErrAddressFormat,
			fmt.Sprintf("gateway address %q is not a valid %s account", cfg.GatewayAddress, network))
	}

	client, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", network, err)
	}

	a, err := newEVMAdapter(network, cfg.GatewayAddress, client, cfg.SigningKeyHex, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.client = client
	return a, nil
}

func newEVMAdapter(network types.Network, gatewayAddress string, backend evmBackend, signingKeyHex string, log logger.Logger) (*EVMAdapter, error) {
	parsed, err := abi.JSON(strings.NewReader(gatewayABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse gateway ABI: %w", err)
	}

	if log == nil {
		log = logger.NoopLogger{}
	}

	a := &EVMAdapter{
		network:    network,
		gateway:    common.HexToAddress(gatewayAddress),
		backend:    backend,
		gatewayABI: parsed,
		log:        log,
	}

	if signingKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(signingKeyHex, "0x"))
		if err != nil {
			return nil, types.NewError(types.ErrSigningNotConfigured,
				fmt.Sprintf("invalid signing key for %s: %v", network, err))
		}
		a.signingKey = key
	}

	return a, nil
}

func (a *EVMAdapter) Network() types.Network {
	return a.network
}

func (a *EVMAdapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// SignerAddress returns the account the adapter submits from, or empty
// when no signing key is configured.
func (a *EVMAdapter) SignerAddress() string {
	if a.signingKey == nil {
		return ""
	}
	return crypto.PubkeyToAddress(a.signingKey.PublicKey).Hex()
}

func (a *EVMAdapter) validateAddress(kind, address string) error {
	if len(address) != types.AddressLength || !common.IsHexAddress(address) {
		return types.NewError(types.ErrAddressFormat,
			fmt.Sprintf("%s address %q is not a %d-character hex account for %s",
				kind, address, types.AddressLength, a.network))
	}
	return nil
}

// Execute submits the gateway pay call and waits for one confirmation.
//
// The processed-payments pre-check is an optimization only: the contract's
// own registry is the authoritative idempotency guard, so a failing
// pre-check call is logged and the submission proceeds.
func (a *EVMAdapter) Execute(ctx context.Context, merchantAddress string, amountFiat int64, tokenAddress, reference string) (*types.ExecutionResult, error) {
	if a.signingKey == nil {
		return nil, types.NewError(types.ErrSigningNotConfigured,
			fmt.Sprintf("no signing key configured for %s", a.network))
	}

	if err := a.validateAddress("merchant", merchantAddress); err != nil {
		return nil, err
	}
	if err := a.validateAddress("token", tokenAddress); err != nil {
		return nil, err
	}

	paymentID, err := ReferenceToChainID(reference)
	if err != nil {
		return nil, err
	}

	processed, err := a.queryProcessed(ctx, paymentID)
	switch {
	case err != nil:
		a.log.Warn("processed pre-check failed, continuing with submission", map[string]any{
			"network": a.network, "reference": reference, "error": err.Error(),
		})
	case processed:
		return nil, types.NewError(types.ErrAlreadyProcessed,
			fmt.Sprintf("payment %s was already processed on %s", reference, a.network))
	}

	tx, err := a.submitPay(ctx, merchantAddress, amountFiat, tokenAddress, paymentID)
	if err != nil {
		// Nothing was broadcast; raise to the caller.
		return nil, err
	}

	txHash := tx.Hash().Hex()
	a.log.Info("settlement transaction sent", map[string]any{
		"network": a.network, "reference": reference, "txHash": txHash,
	})

	receipt, err := a.waitMined(ctx, tx.Hash())
	if err != nil {
		return &types.ExecutionResult{
			Success:     false,
			TxHash:      txHash,
			ExplorerURL: a.network.ExplorerTxURL(txHash),
			Error:       fmt.Sprintf("confirmation wait failed: %v", err),
			Network:     a.network,
		}, nil
	}

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return &types.ExecutionResult{
			Success:     false,
			TxHash:      txHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
			ExplorerURL: a.network.ExplorerTxURL(txHash),
			Error:       "transaction reverted",
			Network:     a.network,
		}, nil
	}

	return &types.ExecutionResult{
		Success:     true,
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		ExplorerURL: a.network.ExplorerTxURL(txHash),
		Event:       a.extractPaymentEvent(receipt),
		Network:     a.network,
	}, nil
}

// IsProcessed reports the contract registry state for a reference.
// Query failures read as "not processed": this path serves display only.
func (a *EVMAdapter) IsProcessed(ctx context.Context, reference string) (bool, error) {
	paymentID, err := ReferenceToChainID(reference)
	if err != nil {
		return false, err
	}

	processed, err := a.queryProcessed(ctx, paymentID)
	if err != nil {
		a.log.Warn("processedPayments query failed", map[string]any{
			"network": a.network, "reference": reference, "error": err.Error(),
		})
		return false, nil
	}
	return processed, nil
}

func (a *EVMAdapter) queryProcessed(ctx context.Context, paymentID [32]byte) (bool, error) {
	callData, err := a.gatewayABI.Pack("processedPayments", paymentID)
	if err != nil {
		return false, err
	}

	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.gateway, Data: callData}, nil)
	if err != nil {
		return false, err
	}

	values, err := a.gatewayABI.Unpack("processedPayments", out)
	if err != nil {
		return false, err
	}
	processed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected processedPayments return type %T", values[0])
	}
	return processed, nil
}

func (a *EVMAdapter) submitPay(ctx context.Context, merchantAddress string, amountFiat int64, tokenAddress string, paymentID [32]byte) (*gethtypes.Transaction, error) {
	merchant := common.HexToAddress(merchantAddress)
	token := common.HexToAddress(tokenAddress)
	// ARS travels as a plain integer; the contract holds no fiat decimals.
	amount := big.NewInt(amountFiat)

	callData, err := a.gatewayABI.Pack("pay", merchant, amount, token, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pay call: %w", err)
	}

	from := crypto.PubkeyToAddress(a.signingKey.PublicKey)

	chainID, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain id: %w", err)
	}

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &a.gateway,
		Data: callData,
	})
	if err != nil {
		a.log.Warn("gas estimation failed, using fallback limit", map[string]any{
			"network": a.network, "error": err.Error(),
		})
		gasLimit = fallbackGasLimit
	}

	tx, err := gethtypes.SignNewTx(a.signingKey, gethtypes.LatestSignerForChainID(chainID), &gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &a.gateway,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return tx, nil
}

// waitMined polls for the receipt until the context expires. One
// confirmation is sufficient for the engine's settlement guarantee.
func (a *EVMAdapter) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *EVMAdapter) extractPaymentEvent(receipt *gethtypes.Receipt) *types.PaymentEvent {
	processedEvent := a.gatewayABI.Events["PaymentProcessed"]

	for _, lg := range receipt.Logs {
		if lg.Address != a.gateway || len(lg.Topics) < 2 || lg.Topics[0] != processedEvent.ID {
			continue
		}

		values, err := a.gatewayABI.Unpack("PaymentProcessed", lg.Data)
		if err != nil || len(values) != 3 {
			a.log.Warn("failed to decode PaymentProcessed event", map[string]any{
				"network": a.network, "error": fmt.Sprint(err),
			})
			continue
		}

		merchant, _ := values[0].(common.Address)
		token, _ := values[1].(common.Address)
		amount, _ := values[2].(*big.Int)

		ev := &types.PaymentEvent{
			Merchant: merchant.Hex(),
			Token:    token.Hex(),
		}
		copy(ev.PaymentID[:], lg.Topics[1].Bytes())
		if amount != nil {
			ev.Amount = amount.String()
		}
		return ev
	}
	return nil
}
