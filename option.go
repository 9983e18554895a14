package qrsettle

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/midatopay/qrsettle/logger"
	"github.com/midatopay/qrsettle/metrics"
	"github.com/midatopay/qrsettle/oracle"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(e *Engine) {
		e.timeout = t
	}
}

// WithRateStore enables persistence of oracle observations for the
// price history endpoints.
func WithRateStore(s oracle.RateStore) Option {
	return func(e *Engine) {
		e.rates = s
	}
}

// WithClock substitutes the wall clock, used by tests to control
// session expiry and cache TTLs.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clk = clk
	}
}
