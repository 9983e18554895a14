// Package store is the GORM-backed persistence layer: payment sessions,
// merchants with their custody material, and the oracle price history.
// Sessions are retained forever for audit; nothing here is soft-deleted.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentSession struct {
	ID              uint   `gorm:"primaryKey"`
	Reference       string `gorm:"size:64;uniqueIndex;not null"`
	MerchantID      string `gorm:"size:64;not null;index"`
	MerchantAddress string `gorm:"size:42;not null"`

	AmountFiat int64  `gorm:"not null"`
	Currency   string `gorm:"size:3;not null;default:'ARS'"`
	Concept    string `gorm:"size:255"`

	Network string `gorm:"size:32;not null"`
	Status  string `gorm:"size:16;not null;index"`

	QuotedCryptoAmount decimal.Decimal `gorm:"type:decimal(32,12)"`
	QuotedRate         decimal.Decimal `gorm:"type:decimal(32,12)"`
	QuoteSource        string          `gorm:"size:16"`

	BlockchainTxHash string `gorm:"size:66"`
	BlockNumber      uint64
	GasUsed          uint64

	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PaymentSession) TableName() string {
	return "payment_sessions"
}

type Merchant struct {
	ID            string `gorm:"size:64;primaryKey"`
	Name          string `gorm:"size:255;not null"`
	WalletAddress string `gorm:"size:42"`
	// EncryptedKey holds the wallet private key sealed by the wallet
	// package; it never leaves this table in the clear.
	EncryptedKey string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Merchant) TableName() string {
	return "merchants"
}

type PriceRecord struct {
	ID           uint            `gorm:"primaryKey"`
	Currency     string          `gorm:"size:8;not null;index:idx_price_pair"`
	BaseCurrency string          `gorm:"size:8;not null;index:idx_price_pair"`
	Price        decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Source       string          `gorm:"size:32;not null"`
	Timestamp    time.Time       `gorm:"not null;index"`
	CreatedAt    time.Time
}

func (PriceRecord) TableName() string {
	return "price_records"
}

// Counter backs the serialized payment-reference sequence. A single row
// per name, incremented under a row lock.
type Counter struct {
	Name      string `gorm:"size:32;primaryKey"`
	Value     uint64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (Counter) TableName() string {
	return "counters"
}
