package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/midatopay/qrsettle/types"
)

// RateRepository persists oracle price observations. It satisfies
// oracle.RateStore so the converter can record every fresh rate.
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) SaveRate(ctx context.Context, record types.RateRecord) error {
	row := PriceRecord{
		Currency:     record.Currency,
		BaseCurrency: record.BaseCurrency,
		Price:        record.Price,
		Source:       record.Source,
		Timestamp:    record.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.NewError(types.ErrStore, fmt.Sprintf("save rate: %v", err))
	}
	return nil
}

// History returns observations for a pair since the given time, newest
// first, capped at 100 rows.
func (r *RateRepository) History(ctx context.Context, currency, base string, since time.Time) ([]types.RateRecord, error) {
	var rows []PriceRecord
	err := r.db.WithContext(ctx).
		Where("currency = ? AND base_currency = ? AND timestamp >= ?", currency, base, since).
		Order("timestamp DESC").
		Limit(100).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("rate history: %v", err))
	}
	records := make([]types.RateRecord, len(rows))
	for i, row := range rows {
		records[i] = types.RateRecord{
			Currency:     row.Currency,
			BaseCurrency: row.BaseCurrency,
			Price:        row.Price,
			Source:       row.Source,
			Timestamp:    row.Timestamp,
		}
	}
	return records, nil
}

// Latest returns the most recent observation for a pair, or nil when the
// pair has never been recorded.
func (r *RateRepository) Latest(ctx context.Context, currency, base string) (*types.RateRecord, error) {
	var row PriceRecord
	err := r.db.WithContext(ctx).
		Where("currency = ? AND base_currency = ?", currency, base).
		Order("timestamp DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("latest rate: %v", err))
	}
	return &types.RateRecord{
		Currency:     row.Currency,
		BaseCurrency: row.BaseCurrency,
		Price:        row.Price,
		Source:       row.Source,
		Timestamp:    row.Timestamp,
	}, nil
}
