package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/midatopay/qrsettle/logger"
)

// DefaultRefreshInterval matches the reference deployment's 30-second
// price update schedule.
const DefaultRefreshInterval = 30 * time.Second

// Refresher periodically re-queries the oracle and persists the observed
// rate, independent of any particular payment. A failed tick is logged and
// retried on the next one; it is never fatal to the process.
type Refresher struct {
	converter    *Converter
	tokenAddress string
	interval     time.Duration
	clk          clock.Clock
	log          logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRefresher builds a refresher over a converter. A nil clock uses wall
// time; tests drive a mock clock.
func NewRefresher(converter *Converter, tokenAddress string, interval time.Duration, clk clock.Clock, log logger.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Refresher{
		converter:    converter,
		tokenAddress: tokenAddress,
		interval:     interval,
		clk:          clk,
		log:          log,
	}
}

// Start launches the refresh loop on its own goroutine. The first refresh
// runs immediately; subsequent ones follow the tick.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	r.refreshOnce(ctx)

	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	rate, err := r.converter.Refresh(tickCtx, r.tokenAddress)
	if err != nil {
		r.log.Warn("rate refresh failed, will retry on next tick", map[string]any{
			"error": err.Error(),
		})
		return
	}
	r.log.Debug("rate refreshed", map[string]any{"rate": rate.String()})
}
