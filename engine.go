// Package qrsettle turns merchant QR charges into on-chain stablecoin
// settlements: it issues TLV-encoded payment QRs, quotes fiat amounts
// through an on-chain FX oracle with cache and fallback, and executes
// the settlement through per-network gateway adapters.
package qrsettle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"

	"github.com/midatopay/qrsettle/clients"
	"github.com/midatopay/qrsettle/logger"
	"github.com/midatopay/qrsettle/metrics"
	"github.com/midatopay/qrsettle/oracle"
	"github.com/midatopay/qrsettle/qr"
	"github.com/midatopay/qrsettle/types"
)

// SessionStore is the persistence boundary for payment sessions.
type SessionStore interface {
	NextReference(ctx context.Context) (string, error)
	Create(ctx context.Context, session *types.PaymentSession) error
	FindByReference(ctx context.Context, reference string) (*types.PaymentSession, error)
	// UpdateStatus conditionally transitions a session, failing with
	// ALREADY_FINALIZED when the session left the expected status.
	UpdateStatus(ctx context.Context, reference string, from, to types.SessionStatus, tx *types.BlockchainTransaction) error
	ListRecent(ctx context.Context, merchantID string, limit int) ([]*types.PaymentSession, error)
	MerchantStats(ctx context.Context, merchantID string) (*types.MerchantStats, error)
}

// MerchantStore resolves merchants to their receiving wallets.
type MerchantStore interface {
	FindByID(ctx context.Context, id string) (*types.Merchant, error)
}

// networkRuntime bundles everything one network needs: the settlement
// adapter, the oracle client and its converter, and the background
// rate refresher.
type networkRuntime struct {
	config    types.NetworkConfig
	adapter   clients.Adapter
	oracle    *oracle.Client
	converter *oracle.Converter
	refresher *oracle.Refresher
}

// Engine is the main entry point of the settlement library.
type Engine struct {
	sessions  SessionStore
	merchants MerchantStore
	rates     oracle.RateStore

	mu       sync.RWMutex
	networks map[types.Network]*networkRuntime

	validate *validator.Validate
	logger   logger.Logger
	metrics  metrics.Recorder
	clk      clock.Clock

	timeout         time.Duration
	sessionTTL      time.Duration
	cacheTTL        time.Duration
	refreshInterval time.Duration
	engineCfg       types.EngineConfig
}

// New creates an Engine and registers every network in the configuration.
func New(cfg *types.EngineConfig, sessions SessionStore, merchants MerchantStore, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &types.EngineConfig{}
	}

	e := &Engine{
		sessions:        sessions,
		merchants:       merchants,
		networks:        make(map[types.Network]*networkRuntime),
		validate:        validator.New(),
		logger:          logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
		clk:             clock.New(),
		timeout:         30 * time.Second,
		sessionTTL:      types.SessionTTL,
		cacheTTL:        oracle.DefaultCacheTTL,
		refreshInterval: oracle.DefaultRefreshInterval,
	}
	if cfg.DefaultTimeout > 0 {
		e.timeout = cfg.DefaultTimeout
	}
	if cfg.SessionTTL > 0 {
		e.sessionTTL = cfg.SessionTTL
	}
	if cfg.CacheTTL > 0 {
		e.cacheTTL = cfg.CacheTTL
	}
	if cfg.RefreshInterval > 0 {
		e.refreshInterval = cfg.RefreshInterval
	}
	e.engineCfg = *cfg

	for _, opt := range opts {
		opt(e)
	}

	for network, nc := range cfg.Networks {
		if err := e.AddNetwork(network, nc); err != nil {
			e.Close()
			return nil, fmt.Errorf("add network %s: %w", network, err)
		}
	}
	return e, nil
}

// AddNetwork registers a settlement adapter and oracle pipeline for one
// network. The rate refresher starts immediately.
func (e *Engine) AddNetwork(network types.Network, nc types.NetworkConfig) error {
	if !network.IsEVM() {
		return types.NewError(types.ErrUnsupportedNetwork, fmt.Sprintf("unsupported network: %s", network))
	}
	if err := nc.Validate(); err != nil {
		return types.NewError(types.ErrValidation, err.Error())
	}

	adapter, err := clients.NewEVMAdapter(network, nc, e.logger)
	if err != nil {
		return err
	}
	oc, err := oracle.NewClient(network, nc, e.logger)
	if err != nil {
		adapter.Close()
		return err
	}

	cache := oracle.NewCache(e.cacheTTL, e.clk)
	converter := oracle.NewConverter(oc, cache, e.rates, e.engineCfg.FallbackRate, e.clk, e.logger)
	refresher := oracle.NewRefresher(converter, nc.TokenAddress, e.refreshInterval, e.clk, e.logger)
	refresher.Start()

	e.mu.Lock()
	e.networks[network] = &networkRuntime{
		config:    nc,
		adapter:   adapter,
		oracle:    oc,
		converter: converter,
		refresher: refresher,
	}
	e.mu.Unlock()

	e.logger.Info("network registered", map[string]any{
		"network": network.String(),
		"gateway": nc.GatewayAddress,
	})
	return nil
}

func (e *Engine) runtime(network types.Network) (*networkRuntime, error) {
	e.mu.RLock()
	rt, ok := e.networks[network]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedNetwork, fmt.Sprintf("network %s is not registered", network))
	}
	return rt, nil
}

// SupportedNetworks lists the currently registered networks.
func (e *Engine) SupportedNetworks() []types.Network {
	e.mu.RLock()
	defer e.mu.RUnlock()
	networks := make([]types.Network, 0, len(e.networks))
	for n := range e.networks {
		networks = append(networks, n)
	}
	return networks
}

// CreateSession issues a new payment session: it allocates the next
// reference, encodes the QR payload, captures a display quote, and
// persists the PENDING session. Nothing is persisted when any step
// fails.
func (e *Engine) CreateSession(ctx context.Context, req *types.CreateSessionRequest) (*types.CreateSessionResult, error) {
	start := e.clk.Now()

	if req == nil {
		return nil, types.NewError(types.ErrValidation, "request is required")
	}
	if err := e.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrValidation, err.Error())
	}
	rt, err := e.runtime(req.Network)
	if err != nil {
		return nil, err
	}

	merchant, err := e.merchants.FindByID(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if merchant.WalletAddress == "" {
		return nil, types.NewError(types.ErrNoWallet, "merchant "+merchant.ID+" has no wallet address")
	}

	reference, err := e.sessions.NextReference(ctx)
	if err != nil {
		return nil, err
	}

	wire, err := qr.Encode(merchant.WalletAddress, req.AmountFiat, reference)
	if err != nil {
		return nil, err
	}
	image, err := qr.Image(wire, 0)
	if err != nil {
		// The wire payload is still usable without the rendering.
		e.logger.Warn("qr image rendering failed", map[string]any{
			"reference": reference,
			"error":     err.Error(),
		})
		image = nil
	}

	quoteCtx, cancel := context.WithTimeout(ctx, e.timeout)
	quote := rt.converter.Convert(quoteCtx, req.AmountFiat, rt.config.TokenAddress)
	cancel()
	if quote.Source == types.QuoteSourceDefault {
		e.metrics.IncCounter(metrics.EventQuoteFallback, map[string]string{"network": req.Network.String()})
	}

	now := e.clk.Now()
	session := &types.PaymentSession{
		Reference:          reference,
		MerchantID:         merchant.ID,
		MerchantAddress:    merchant.WalletAddress,
		AmountFiat:         req.AmountFiat,
		Currency:           types.FiatCurrency,
		Concept:            req.Concept,
		Network:            req.Network,
		Status:             types.StatusPending,
		QuotedCryptoAmount: quote.TokenAmount,
		QuotedRate:         quote.Rate,
		QuoteSource:        quote.Source,
		CreatedAt:          now,
		ExpiresAt:          now.Add(e.sessionTTL),
		UpdatedAt:          now,
	}
	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	e.metrics.IncCounter(metrics.EventSessionCreated, map[string]string{"network": req.Network.String()})
	e.metrics.ObserveLatency(metrics.OpCreateSession, e.clk.Now().Sub(start), map[string]string{"network": req.Network.String()})
	e.logger.Info("payment session created", map[string]any{
		"reference":  reference,
		"merchantId": merchant.ID,
		"amountFiat": req.AmountFiat,
		"network":    req.Network.String(),
		"source":     quote.Source,
	})

	return &types.CreateSessionResult{
		Session: session,
		Quote:   quote,
		Wire:    wire,
		QRImage: image,
	}, nil
}

// Scan decodes a scanned QR payload and settles the referenced session
// on chain. Pre-execution failures return an error; once a transaction
// is broadcast the outcome is reported through the result and the
// session only moves to PAID on confirmed success.
func (e *Engine) Scan(ctx context.Context, wire string) (*types.ScanResult, error) {
	start := e.clk.Now()

	payment, err := qr.Decode(wire)
	if err != nil {
		return nil, err
	}

	session, err := e.sessions.FindByReference(ctx, payment.Reference)
	if err != nil {
		return nil, err
	}
	rt, err := e.runtime(session.Network)
	if err != nil {
		return &types.ScanResult{Session: session, Error: err.Error()}, err
	}

	// A session already stored as EXPIRED keeps reporting expiry, not
	// finalization; only PAID and FAILED read as finalized.
	if session.Status == types.StatusExpired {
		err := types.NewError(types.ErrExpired, "session "+session.Reference+" has expired")
		return &types.ScanResult{Session: session, Error: err.Error()}, err
	}
	if session.Status.IsTerminal() {
		err := types.NewError(types.ErrAlreadyFinalized,
			fmt.Sprintf("session %s is already %s", session.Reference, session.Status))
		return &types.ScanResult{Session: session, Error: err.Error()}, err
	}

	if session.Expired(e.clk.Now()) {
		e.expireSession(ctx, session)
		err := types.NewError(types.ErrExpired, "session "+session.Reference+" has expired")
		return &types.ScanResult{Session: session, Error: err.Error()}, err
	}

	e.metrics.IncCounter(metrics.EventSessionScanned, map[string]string{"network": session.Network.String()})

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := rt.adapter.Execute(execCtx, session.MerchantAddress, session.AmountFiat, rt.config.TokenAddress, session.Reference)
	e.metrics.ObserveLatency(metrics.OpExecute, e.clk.Now().Sub(start), map[string]string{"network": session.Network.String()})
	if err != nil {
		// Nothing reached the chain; the session stays PENDING and
		// the QR can be retried.
		e.recordSettlement(session.Network, false)
		e.logger.Warn("settlement rejected before broadcast", map[string]any{
			"reference": session.Reference,
			"error":     err.Error(),
		})
		return &types.ScanResult{Session: session, Error: err.Error()}, err
	}

	tx := &types.BlockchainTransaction{
		Hash:        res.TxHash,
		ExplorerURL: res.ExplorerURL,
		BlockNumber: res.BlockNumber,
		GasUsed:     res.GasUsed,
		Success:     res.Success,
		Network:     session.Network,
	}

	if !res.Success {
		// Broadcast but reverted or unconfirmed. The session stays
		// PENDING so the merchant can retry once the cause clears.
		e.recordSettlement(session.Network, false)
		e.logger.Error("settlement failed on chain", map[string]any{
			"reference": session.Reference,
			"txHash":    res.TxHash,
			"error":     res.Error,
		})
		return &types.ScanResult{Session: session, Transaction: tx, Error: res.Error}, nil
	}

	if err := e.sessions.UpdateStatus(ctx, session.Reference, types.StatusPending, types.StatusPaid, tx); err != nil {
		// The chain settled but another writer finalized the row
		// first. Surface the stored state rather than double-paying.
		return &types.ScanResult{Session: session, Transaction: tx, Error: err.Error()}, err
	}
	session.Status = types.StatusPaid
	session.BlockchainTxHash = res.TxHash
	session.BlockNumber = res.BlockNumber
	session.GasUsed = res.GasUsed
	session.UpdatedAt = e.clk.Now()

	e.recordSettlement(session.Network, true)
	e.logger.Info("settlement confirmed", map[string]any{
		"reference": session.Reference,
		"txHash":    res.TxHash,
		"block":     res.BlockNumber,
	})
	return &types.ScanResult{Success: true, Session: session, Transaction: tx}, nil
}

// Status returns the current session state, lazily marking expiry.
func (e *Engine) Status(ctx context.Context, reference string) (*types.PaymentSession, error) {
	session, err := e.sessions.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if session.Status == types.StatusPending && session.Expired(e.clk.Now()) {
		e.expireSession(ctx, session)
	}
	return session, nil
}

// IsProcessed asks the gateway contract whether a reference was already
// settled on chain.
func (e *Engine) IsProcessed(ctx context.Context, network types.Network, reference string) (bool, error) {
	rt, err := e.runtime(network)
	if err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return rt.adapter.IsProcessed(queryCtx, reference)
}

// Quote returns a display quote for a fiat amount on a network.
func (e *Engine) Quote(ctx context.Context, network types.Network, amountFiat int64) (*types.Quote, error) {
	if amountFiat <= 0 {
		return nil, types.NewError(types.ErrValidation, "amountFiat must be positive")
	}
	rt, err := e.runtime(network)
	if err != nil {
		return nil, err
	}
	quoteCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return rt.converter.Convert(quoteCtx, amountFiat, rt.config.TokenAddress), nil
}

// OracleStatus reports the health of a network's price oracle.
func (e *Engine) OracleStatus(ctx context.Context, network types.Network) (*oracle.Status, error) {
	rt, err := e.runtime(network)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return rt.oracle.Status(queryCtx, rt.config.TokenAddress), nil
}

// History lists a merchant's recent sessions, newest first.
func (e *Engine) History(ctx context.Context, merchantID string, limit int) ([]*types.PaymentSession, error) {
	return e.sessions.ListRecent(ctx, merchantID, limit)
}

// MerchantStats aggregates a merchant's settlement totals.
func (e *Engine) MerchantStats(ctx context.Context, merchantID string) (*types.MerchantStats, error) {
	if _, err := e.merchants.FindByID(ctx, merchantID); err != nil {
		return nil, err
	}
	return e.sessions.MerchantStats(ctx, merchantID)
}

// Close stops every refresher and closes all network connections.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rt := range e.networks {
		if rt.refresher != nil {
			rt.refresher.Stop()
		}
		if rt.adapter != nil {
			rt.adapter.Close()
		}
		if rt.oracle != nil {
			rt.oracle.Close()
		}
	}
	e.networks = make(map[types.Network]*networkRuntime)
}

func (e *Engine) expireSession(ctx context.Context, session *types.PaymentSession) {
	err := e.sessions.UpdateStatus(ctx, session.Reference, types.StatusPending, types.StatusExpired, nil)
	if err != nil {
		// Another writer may have finalized it first; the stored
		// state wins.
		e.logger.Warn("could not mark session expired", map[string]any{
			"reference": session.Reference,
			"error":     err.Error(),
		})
		return
	}
	session.Status = types.StatusExpired
	session.UpdatedAt = e.clk.Now()
}

func (e *Engine) recordSettlement(network types.Network, ok bool) {
	event := metrics.EventSettlementFailed
	if ok {
		event = metrics.EventSettlementOK
	}
	e.metrics.IncCounter(event, map[string]string{"network": network.String()})
}
