// Package clients provides the per-network chain adapters that submit and
// idempotently verify settlement transactions against the payment gateway
// contract.
package clients

import (
	"context"

	"github.com/midatopay/qrsettle/types"
)

// Adapter is the contract every network-specific settlement client
// implements. One instance serves one network.
type Adapter interface {
	// Network returns the network this adapter settles on.
	Network() types.Network

	// Execute submits the settlement call for a payment and waits for one
	// confirmation. A broadcast-then-failed transaction is reported through
	// the result, not an error, so callers can still display it.
	Execute(ctx context.Context, merchantAddress string, amountFiat int64, tokenAddress, reference string) (*types.ExecutionResult, error)

	// IsProcessed is the read-only idempotency check. It returns false on
	// query failure and must never be the sole settlement guard.
	IsProcessed(ctx context.Context, reference string) (bool, error)

	Close()
}
