package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/midatopay/qrsettle/clients"
	"github.com/midatopay/qrsettle/types"
)

const referenceCounter = "payment_reference"

// SessionRepository persists payment sessions and allocates their
// references.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// NextReference allocates the next payment reference. The counter row is
// locked for the duration of the transaction so concurrent creators can
// never observe the same value.
func (r *SessionRepository) NextReference(ctx context.Context) (string, error) {
	var next uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Seed the counter row idempotently; concurrent first
		// allocations both land here and only one insert wins.
		seed := Counter{Name: referenceCounter}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var c Counter
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", referenceCounter).
			First(&c).Error; err != nil {
			return err
		}
		c.Value++
		next = c.Value
		return tx.Model(&Counter{}).Where("name = ?", referenceCounter).
			Update("value", c.Value).Error
	})
	if err != nil {
		return "", types.NewError(types.ErrStore, fmt.Sprintf("allocate reference: %v", err))
	}
	return clients.FormatReference(next), nil
}

func (r *SessionRepository) Create(ctx context.Context, session *types.PaymentSession) error {
	row := sessionRow(session)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.NewError(types.ErrStore, fmt.Sprintf("create session: %v", err))
	}
	return nil
}

func (r *SessionRepository) FindByReference(ctx context.Context, reference string) (*types.PaymentSession, error) {
	var row PaymentSession
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrSessionNotFound, "no session for reference "+reference)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("find session: %v", err))
	}
	return sessionFromRow(&row), nil
}

// UpdateStatus transitions a session from one status to another in a
// single conditional write. When tx is non-nil the transaction metadata
// is recorded alongside. Returns ErrCodeAlreadyFinalized when the
// session was concurrently moved out of the expected status.
func (r *SessionRepository) UpdateStatus(ctx context.Context, reference string, from, to types.SessionStatus, btx *types.BlockchainTransaction) error {
	updates := map[string]any{"status": string(to)}
	if btx != nil {
		updates["blockchain_tx_hash"] = btx.Hash
		updates["block_number"] = btx.BlockNumber
		updates["gas_used"] = btx.GasUsed
	}

	res := r.db.WithContext(ctx).Model(&PaymentSession{}).
		Where("reference = ? AND status = ?", reference, string(from)).
		Updates(updates)
	if res.Error != nil {
		return types.NewError(types.ErrStore, fmt.Sprintf("update session: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByReference(ctx, reference); err != nil {
			return err
		}
		return types.NewError(types.ErrAlreadyFinalized, "session "+reference+" is not "+string(from))
	}
	return nil
}

func (r *SessionRepository) ListRecent(ctx context.Context, merchantID string, limit int) ([]*types.PaymentSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var rows []PaymentSession
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("list sessions: %v", err))
	}
	sessions := make([]*types.PaymentSession, len(rows))
	for i := range rows {
		sessions[i] = sessionFromRow(&rows[i])
	}
	return sessions, nil
}

// MerchantStats aggregates settlement totals for one merchant.
func (r *SessionRepository) MerchantStats(ctx context.Context, merchantID string) (*types.MerchantStats, error) {
	type agg struct {
		Total       int64
		Completed   int64
		TotalFiat   int64
		TotalCrypto string
	}
	var a agg
	err := r.db.WithContext(ctx).Model(&PaymentSession{}).
		Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(status = ?), 0) AS completed, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN amount_fiat ELSE 0 END), 0) AS total_fiat, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN quoted_crypto_amount ELSE 0 END), 0) AS total_crypto",
			string(types.StatusPaid), string(types.StatusPaid), string(types.StatusPaid),
		).
		Where("merchant_id = ?", merchantID).
		Scan(&a).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("merchant stats: %v", err))
	}

	stats := &types.MerchantStats{
		TotalPayments:     a.Total,
		CompletedPayments: a.Completed,
		TotalFiat:         a.TotalFiat,
	}
	if crypto, err := decimal.NewFromString(a.TotalCrypto); err == nil {
		stats.TotalCrypto = crypto
	}
	if a.Total > 0 {
		stats.SuccessRate = float64(a.Completed) / float64(a.Total)
	}
	return stats, nil
}

func sessionRow(s *types.PaymentSession) *PaymentSession {
	return &PaymentSession{
		Reference:          s.Reference,
		MerchantID:         s.MerchantID,
		MerchantAddress:    s.MerchantAddress,
		AmountFiat:         s.AmountFiat,
		Currency:           s.Currency,
		Concept:            s.Concept,
		Network:            string(s.Network),
		Status:             string(s.Status),
		QuotedCryptoAmount: s.QuotedCryptoAmount,
		QuotedRate:         s.QuotedRate,
		QuoteSource:        s.QuoteSource,
		BlockchainTxHash:   s.BlockchainTxHash,
		BlockNumber:        s.BlockNumber,
		GasUsed:            s.GasUsed,
		ExpiresAt:          s.ExpiresAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func sessionFromRow(row *PaymentSession) *types.PaymentSession {
	return &types.PaymentSession{
		Reference:          row.Reference,
		MerchantID:         row.MerchantID,
		MerchantAddress:    row.MerchantAddress,
		AmountFiat:         row.AmountFiat,
		Currency:           row.Currency,
		Concept:            row.Concept,
		Network:            types.Network(row.Network),
		Status:             types.SessionStatus(row.Status),
		QuotedCryptoAmount: row.QuotedCryptoAmount,
		QuotedRate:         row.QuotedRate,
		QuoteSource:        row.QuoteSource,
		BlockchainTxHash:   row.BlockchainTxHash,
		BlockNumber:        row.BlockNumber,
		GasUsed:            row.GasUsed,
		ExpiresAt:          row.ExpiresAt,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}
