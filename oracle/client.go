// Package oracle implements the FX price pipeline: an on-chain oracle
// client per network, a TTL rate cache, a conversion layer with a default
// fallback rate, and a background refresher that keeps the persisted price
// history populated.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/midatopay/qrsettle/logger"
	"github.com/midatopay/qrsettle/types"
)

// oracleABI is the fixed surface of the on-chain FX oracle contract.
const oracleABIJSON = `
[
  {
    "name": "quote",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "token", "type": "address" },
      { "name": "amountARS", "type": "uint256" }
    ],
    "outputs": [ { "name": "", "type": "uint256" } ]
  },
  {
    "name": "priceInFiat",
    "type": "function",
    "stateMutability": "view",
    "inputs": [ { "name": "token", "type": "address" } ],
    "outputs": [ { "name": "", "type": "uint256" } ]
  },
  {
    "name": "hasPrice",
    "type": "function",
    "stateMutability": "view",
    "inputs": [ { "name": "token", "type": "address" } ],
    "outputs": [ { "name": "", "type": "bool" } ]
  },
  {
    "name": "active",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [ { "name": "", "type": "bool" } ]
  },
  {
    "name": "lastUpdated",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [ { "name": "", "type": "uint256" } ]
  }
]
`

// quoteDecimals is the fixed-point scale of the oracle's quote output.
const quoteDecimals = 6

// callBackend is the read-only RPC surface the client needs.
type callBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Quoter is the quoting contract the converter consumes; satisfied by
// Client and by fakes in tests.
type Quoter interface {
	Quote(ctx context.Context, fiatAmount int64, tokenAddress string) (*types.Quote, error)
}

// Status summarizes the oracle's health for a token.
type Status struct {
	Active      bool            `json:"active"`
	HasPrice    bool            `json:"hasPrice"`
	CurrentRate decimal.Decimal `json:"currentRate"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Client queries one network's FX oracle contract.
type Client struct {
	network   types.Network
	oracle    common.Address
	backend   callBackend
	oracleABI abi.ABI
	log       logger.Logger

	client *ethclient.Client // nil when constructed over a test backend
}

var _ Quoter = (*Client)(nil)

// NewClient dials the network RPC and binds the oracle contract.
func NewClient(network types.Network, cfg types.NetworkConfig, log logger.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", network, err)
	}

	c, err := newClient(network, cfg.OracleAddress, client, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.client = client
	return c, nil
}

func newClient(network types.Network, oracleAddress string, backend callBackend, log logger.Logger) (*Client, error) {
	if !common.IsHexAddress(oracleAddress) {
		return nil, types.NewError(types.ErrAddressFormat,
			fmt.Sprintf("oracle address %q is not a valid account", oracleAddress))
	}

	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle ABI: %w", err)
	}

	if log == nil {
		log = logger.NoopLogger{}
	}

	return &Client{
		network:   network,
		oracle:    common.HexToAddress(oracleAddress),
		backend:   backend,
		oracleABI: parsed,
		log:       log,
	}, nil
}

func (c *Client) Network() types.Network {
	return c.network
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Quote converts a fiat amount into token terms using the on-chain oracle.
// Both preconditions (oracle active, token priced) must hold or the call
// fails with ORACLE_UNAVAILABLE.
func (c *Client) Quote(ctx context.Context, fiatAmount int64, tokenAddress string) (*types.Quote, error) {
	active, err := c.callBool(ctx, "active")
	if err != nil {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle active check failed on %s: %v", c.network, err))
	}
	if !active {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle on %s is paused", c.network))
	}

	token := common.HexToAddress(tokenAddress)
	hasPrice, err := c.callBool(ctx, "hasPrice", token)
	if err != nil {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle hasPrice check failed on %s: %v", c.network, err))
	}
	if !hasPrice {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("token %s has no price configured on %s", tokenAddress, c.network))
	}

	rawQuote, err := c.callUint(ctx, "quote", token, big.NewInt(fiatAmount))
	if err != nil {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle quote failed on %s: %v", c.network, err))
	}

	rawPrice, err := c.callUint(ctx, "priceInFiat", token)
	if err != nil {
		return nil, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle priceInFiat failed on %s: %v", c.network, err))
	}

	// The quote comes back as 6-decimal fixed point; the price is whole
	// fiat units per token. Both stay decimal from here on: this value is
	// for display, never for settlement amounts.
	return &types.Quote{
		AmountFiat:  fiatAmount,
		TokenAmount: decimal.NewFromBigInt(rawQuote, -quoteDecimals),
		Rate:        decimal.NewFromBigInt(rawPrice, 0),
		Token:       tokenAddress,
		Source:      types.QuoteSourceOracle,
		Timestamp:   time.Now(),
	}, nil
}

// PriceInFiat returns the fiat value of one unit of token.
func (c *Client) PriceInFiat(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	raw, err := c.callUint(ctx, "priceInFiat", common.HexToAddress(tokenAddress))
	if err != nil {
		return decimal.Zero, types.NewError(types.ErrOracleUnavailable,
			fmt.Sprintf("oracle priceInFiat failed on %s: %v", c.network, err))
	}
	return decimal.NewFromBigInt(raw, 0), nil
}

// Status reports the oracle's health for a token. Individual read failures
// degrade the corresponding field rather than failing the whole check.
func (c *Client) Status(ctx context.Context, tokenAddress string) *Status {
	s := &Status{}

	active, err := c.callBool(ctx, "active")
	if err != nil {
		c.log.Warn("oracle status check failed", map[string]any{
			"network": c.network, "error": err.Error(),
		})
		return s
	}
	s.Active = active

	token := common.HexToAddress(tokenAddress)
	if hasPrice, err := c.callBool(ctx, "hasPrice", token); err == nil {
		s.HasPrice = hasPrice
	}
	if s.HasPrice {
		if price, err := c.callUint(ctx, "priceInFiat", token); err == nil {
			s.CurrentRate = decimal.NewFromBigInt(price, 0)
		}
	}
	if updated, err := c.callUint(ctx, "lastUpdated"); err == nil && updated.IsInt64() {
		s.LastUpdated = time.Unix(updated.Int64(), 0)
	}
	return s
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	callData, err := c.oracleABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.oracle, Data: callData}, nil)
	if err != nil {
		return nil, err
	}
	return c.oracleABI.Unpack(method, out)
}

func (c *Client) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s return type %T", method, values[0])
	}
	return v, nil
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s return type %T", method, values[0])
	}
	return v, nil
}
