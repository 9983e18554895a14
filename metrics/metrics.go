// Package metrics defines the event/latency recorder used by the engine.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Well-known event names recorded by the engine.
const (
	EventSessionCreated   = "session_created"
	EventSessionScanned   = "session_scanned"
	EventSettlementOK     = "settlement_success"
	EventSettlementFailed = "settlement_failed"
	EventQuoteFallback    = "quote_fallback"
	EventRateRefresh      = "rate_refresh"

	OpCreateSession = "create_session"
	OpScan          = "scan"
	OpExecute       = "execute"
	OpQuote         = "quote"
)
