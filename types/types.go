// Package types holds the shared data model of the qrsettle settlement
// engine: networks, payment sessions, quotes, execution results and the
// structured error taxonomy.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a payment session.
// A session leaves PENDING at most once; PAID, EXPIRED and FAILED
// are terminal.
type SessionStatus string

const (
	StatusPending SessionStatus = "PENDING"
	StatusPaid    SessionStatus = "PAID"
	StatusExpired SessionStatus = "EXPIRED"
	StatusFailed  SessionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

// Currency is fixed: the engine invoices in Argentine pesos and settles
// in a stablecoin on the selected network.
const (
	FiatCurrency = "ARS"
	TargetCrypto = "USDC"
)

// SessionTTL is the fixed validity window of an issued QR.
const SessionTTL = 30 * time.Minute

// PaymentSession is the authoritative record of one issued QR charge.
type PaymentSession struct {
	// Reference is the sequence-derived identifier ("payment_<n>").
	// It is the lookup key and, after numeric extraction, the seed for
	// the on-chain payment identifier.
	Reference string `json:"reference"`

	MerchantID      string `json:"merchantId"`
	MerchantAddress string `json:"merchantAddress"`

	AmountFiat int64  `json:"amountFiat"`
	Currency   string `json:"currency"`
	Concept    string `json:"concept"`

	Network Network       `json:"network"`
	Status  SessionStatus `json:"status"`

	// Display quote captured at creation time. Informational only:
	// execution always uses AmountFiat, never the quote.
	QuotedCryptoAmount decimal.Decimal `json:"quotedCryptoAmount"`
	QuotedRate         decimal.Decimal `json:"quotedRate"`
	QuoteSource        string          `json:"quoteSource"`

	BlockchainTxHash string `json:"blockchainTxHash,omitempty"`
	BlockNumber      uint64 `json:"blockNumber,omitempty"`
	GasUsed          uint64 `json:"gasUsed,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the session may no longer execute.
func (p *PaymentSession) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Merchant is the receiving party of a settlement. The engine treats
// creation and rotation of the wallet as an external concern but requires
// a well-formed address before any session is created.
type Merchant struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
}

// Quote source markers. DEFAULT marks a degraded quote produced by the
// fallback policy after an oracle failure.
const (
	QuoteSourceOracle  = "ORACLE"
	QuoteSourceDefault = "DEFAULT"
)

// Quote is a fiat-to-token conversion estimate used for display.
// It is never authoritative for settlement.
type Quote struct {
	AmountFiat  int64           `json:"amountFiat"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	// Rate is the fiat value of one unit of token.
	Rate      decimal.Decimal `json:"rate"`
	Token     string          `json:"token"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// PaymentEvent is the structured "payment processed" event emitted by the
// gateway contract, extracted from the transaction receipt when present.
type PaymentEvent struct {
	PaymentID [32]byte `json:"paymentId"`
	Merchant  string   `json:"merchant"`
	Token     string   `json:"token"`
	Amount    string   `json:"amount"`
}

// ExecutionResult is the outcome of one on-chain settlement attempt.
// Success false with a non-empty TxHash means the transaction was
// broadcast but failed; callers can still display it.
type ExecutionResult struct {
	Success     bool          `json:"success"`
	TxHash      string        `json:"txHash,omitempty"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	GasUsed     uint64        `json:"gasUsed,omitempty"`
	ExplorerURL string        `json:"explorerUrl,omitempty"`
	Event       *PaymentEvent `json:"event,omitempty"`
	Error       string        `json:"error,omitempty"`
	Network     Network       `json:"network"`
}

// BlockchainTransaction is the transaction view returned to scan callers.
type BlockchainTransaction struct {
	Hash        string  `json:"hash"`
	ExplorerURL string  `json:"explorerUrl,omitempty"`
	BlockNumber uint64  `json:"blockNumber,omitempty"`
	GasUsed     uint64  `json:"gasUsed,omitempty"`
	Success     bool    `json:"success"`
	Network     Network `json:"network"`
}

// CreateSessionRequest carries the inputs of Engine.CreateSession.
type CreateSessionRequest struct {
	MerchantID string  `json:"merchantId" validate:"required"`
	AmountFiat int64   `json:"amountFiat" validate:"required,gt=0"`
	Concept    string  `json:"concept"`
	Network    Network `json:"network" validate:"required"`
}

// CreateSessionResult is returned to the QR-generation caller.
type CreateSessionResult struct {
	Session *PaymentSession `json:"session"`
	Quote   *Quote          `json:"quote"`
	// Wire is the TLV payload encoded into the QR.
	Wire string `json:"wire"`
	// QRImage is the rendered PNG of Wire.
	QRImage []byte `json:"qrImage,omitempty"`
}

// ScanResult is the unified response of Engine.Scan. Success reflects the
// settlement outcome; transaction data is included even on failure when a
// transaction was broadcast.
type ScanResult struct {
	Success     bool                   `json:"success"`
	Session     *PaymentSession        `json:"session"`
	Transaction *BlockchainTransaction `json:"blockchainTransaction,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// MerchantStats aggregates a merchant's payment history.
type MerchantStats struct {
	TotalPayments     int64           `json:"totalPayments"`
	CompletedPayments int64           `json:"completedPayments"`
	TotalFiat         int64           `json:"totalFiat"`
	TotalCrypto       decimal.Decimal `json:"totalCrypto"`
	SuccessRate       float64         `json:"successRate"`
}

// RateRecord is one persisted oracle observation.
type RateRecord struct {
	Currency     string          `json:"currency"`
	BaseCurrency string          `json:"baseCurrency"`
	Price        decimal.Decimal `json:"price"`
	Source       string          `json:"source"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NetworkConfig configures one network's adapter/oracle pair.
type NetworkConfig struct {
	RPCUrl         string        `json:"rpcUrl"`
	GatewayAddress string        `json:"gatewayAddress"`
	OracleAddress  string        `json:"oracleAddress"`
	TokenAddress   string        `json:"tokenAddress"`
	SigningKeyHex  string        `json:"-"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// EngineConfig contains global configuration for the settlement engine.
type EngineConfig struct {
	DefaultTimeout  time.Duration             `json:"defaultTimeout,omitempty"`
	SessionTTL      time.Duration             `json:"sessionTtl,omitempty"`
	CacheTTL        time.Duration             `json:"cacheTtl,omitempty"`
	RefreshInterval time.Duration             `json:"refreshInterval,omitempty"`
	FallbackRate    decimal.Decimal           `json:"fallbackRate,omitempty"`
	LogLevel        string                    `json:"logLevel,omitempty"`
	EnableMetrics   bool                      `json:"enableMetrics,omitempty"`
	Networks        map[Network]NetworkConfig `json:"networks,omitempty"`
}

// Validate checks that a NetworkConfig can build a working adapter pair.
func (c NetworkConfig) Validate() error {
	if c.RPCUrl == "" {
		return fmt.Errorf("rpcUrl is required")
	}
	if len(c.GatewayAddress) != AddressLength {
		return fmt.Errorf("gatewayAddress must be %d characters", AddressLength)
	}
	if len(c.OracleAddress) != AddressLength {
		return fmt.Errorf("oracleAddress must be %d characters", AddressLength)
	}
	if len(c.TokenAddress) != AddressLength {
		return fmt.Errorf("tokenAddress must be %d characters", AddressLength)
	}
	return nil
}
