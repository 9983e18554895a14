package oracle

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/midatopay/qrsettle/logger"
	"github.com/midatopay/qrsettle/types"
)

// DefaultFallbackRate is the fixed rate substituted when the oracle is
// unavailable: 1000 ARS per token, matching the reference deployment.
var DefaultFallbackRate = decimal.NewFromInt(1000)

// RateStore persists observed rates for price history. Save failures are
// logged and never fail a quote.
type RateStore interface {
	SaveRate(ctx context.Context, record types.RateRecord) error
}

// Converter is the orchestrator-facing conversion boundary. Oracle errors
// never propagate to a QR-generation caller: the converter degrades to the
// fallback rate and marks the quote source DEFAULT.
type Converter struct {
	quoter       Quoter
	cache        *Cache
	rates        RateStore
	fallbackRate decimal.Decimal
	clk          clock.Clock
	log          logger.Logger
}

// NewConverter wires a quoter with a cache and optional rate persistence.
// A nil clock falls back to the wall clock.
func NewConverter(quoter Quoter, cache *Cache, rates RateStore, fallbackRate decimal.Decimal, clk clock.Clock, log logger.Logger) *Converter {
	if cache == nil {
		cache = NewCache(DefaultCacheTTL, clk)
	}
	if fallbackRate.Sign() <= 0 {
		fallbackRate = DefaultFallbackRate
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Converter{
		quoter:       quoter,
		cache:        cache,
		rates:        rates,
		fallbackRate: fallbackRate,
		clk:          clk,
		log:          log,
	}
}

// Convert produces a display quote for a fiat amount. It never returns an
// error: a cache hit bypasses the chain entirely, a miss queries the
// oracle, and an oracle failure yields the DEFAULT fallback quote.
func (c *Converter) Convert(ctx context.Context, fiatAmount int64, tokenAddress string) *types.Quote {
	if rate, source, ok := c.cache.Get(DefaultPair); ok {
		return c.quoteFromRate(fiatAmount, tokenAddress, rate, source)
	}

	q, err := c.quoter.Quote(ctx, fiatAmount, tokenAddress)
	if err != nil || q.Rate.Sign() <= 0 {
		c.log.Warn("oracle quote unavailable, using default rate", map[string]any{
			"amountFiat": fiatAmount,
			"error":      fmt.Sprint(err),
		})
		return c.quoteFromRate(fiatAmount, tokenAddress, c.fallbackRate, types.QuoteSourceDefault)
	}

	c.cache.Set(DefaultPair, q.Rate, q.Source)
	c.persist(ctx, q.Rate, q.Source)
	return q
}

// Refresh force-queries the oracle for the pair rate, repopulating the
// cache and the persisted history. Unlike Convert it surfaces the failure
// so the refresher can log and retry on the next tick.
func (c *Converter) Refresh(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	q, err := c.quoter.Quote(ctx, 1, tokenAddress)
	if err != nil {
		return decimal.Zero, err
	}
	if q.Rate.Sign() <= 0 {
		return decimal.Zero, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle returned non-positive rate %s", q.Rate))
	}

	c.cache.Set(DefaultPair, q.Rate, q.Source)
	c.persist(ctx, q.Rate, q.Source)
	return q.Rate, nil
}

// RateWithMargin returns the current rate padded by a safety margin,
// for callers that want headroom against rate movement.
func (c *Converter) RateWithMargin(ctx context.Context, tokenAddress string, marginPercent int64) (decimal.Decimal, string) {
	q := c.Convert(ctx, 1, tokenAddress)
	margin := decimal.NewFromInt(marginPercent).Div(decimal.NewFromInt(100))
	return q.Rate.Mul(decimal.NewFromInt(1).Add(margin)), q.Source
}

// ValidateRate checks an expected rate against the current one within a
// tolerance band, returning the observed deviation in percent.
func (c *Converter) ValidateRate(ctx context.Context, tokenAddress string, expected decimal.Decimal, tolerancePercent int64) (bool, decimal.Decimal) {
	if expected.Sign() <= 0 {
		return false, decimal.Zero
	}

	current := c.Convert(ctx, 1, tokenAddress).Rate
	deviation := current.Sub(expected).Abs().Div(expected).Mul(decimal.NewFromInt(100))
	tolerance := decimal.NewFromInt(tolerancePercent)
	return deviation.LessThanOrEqual(tolerance), deviation
}

func (c *Converter) quoteFromRate(fiatAmount int64, tokenAddress string, rate decimal.Decimal, source string) *types.Quote {
	return &types.Quote{
		AmountFiat:  fiatAmount,
		TokenAmount: decimal.NewFromInt(fiatAmount).Div(rate),
		Rate:        rate,
		Token:       tokenAddress,
		Source:      source,
		Timestamp:   c.clk.Now(),
	}
}

func (c *Converter) persist(ctx context.Context, rate decimal.Decimal, source string) {
	if c.rates == nil {
		return
	}
	record := types.RateRecord{
		Currency:     types.TargetCrypto,
		BaseCurrency: types.FiatCurrency,
		Price:        rate,
		Source:       source,
		Timestamp:    c.clk.Now(),
	}
	if err := c.rates.SaveRate(ctx, record); err != nil {
		c.log.Warn("failed to persist rate observation", map[string]any{
			"rate":  rate.String(),
			"error": err.Error(),
		})
	}
}
