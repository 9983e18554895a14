package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"

	"github.com/midatopay/qrsettle/types"
)

const (
	testOracle = "0x2eF8D1930b1d20504445943A18d6F70e7ce6ABbe"
	testToken  = "0xC37c16139a8eFC8f4c2B7CAA5C607514C825FC4C"
)

// chainFake answers oracle contract calls with configurable values,
// dispatching on the 4-byte method selector.
type chainFake struct {
	abi      abi.ABI
	active   bool
	hasPrice bool
	quote    *big.Int
	price    *big.Int
	err      error
}

func newChainFake(t *testing.T) *chainFake {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		t.Fatal(err)
	}
	return &chainFake{
		abi:      parsed,
		active:   true,
		hasPrice: true,
		quote:    big.NewInt(1_000_000), // 1.000000 token, 6 decimals
		price:    big.NewInt(1450),
	}
}

func (f *chainFake) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}

	encodeBool := func(v bool) []byte {
		out := make([]byte, 32)
		if v {
			out[31] = 1
		}
		return out
	}
	encodeUint := func(v *big.Int) []byte {
		out := make([]byte, 32)
		v.FillBytes(out)
		return out
	}

	switch {
	case bytes.HasPrefix(msg.Data, f.abi.Methods["active"].ID):
		return encodeBool(f.active), nil
	case bytes.HasPrefix(msg.Data, f.abi.Methods["hasPrice"].ID):
		return encodeBool(f.hasPrice), nil
	case bytes.HasPrefix(msg.Data, f.abi.Methods["quote"].ID):
		return encodeUint(f.quote), nil
	case bytes.HasPrefix(msg.Data, f.abi.Methods["priceInFiat"].ID):
		return encodeUint(f.price), nil
	case bytes.HasPrefix(msg.Data, f.abi.Methods["lastUpdated"].ID):
		return encodeUint(big.NewInt(1_700_000_000)), nil
	}
	return nil, errors.New("unexpected call")
}

func newTestClient(t *testing.T, fake *chainFake) *Client {
	t.Helper()
	c, err := newClient(types.NetworkPolygon, testOracle, fake, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClientQuote(t *testing.T) {
	fake := newChainFake(t)
	fake.quote = big.NewInt(689_655) // 0.689655 token
	c := newTestClient(t, fake)

	q, err := c.Quote(context.Background(), 1000, testToken)
	if err != nil {
		t.Fatal(err)
	}
	if !q.TokenAmount.Equal(decimal.RequireFromString("0.689655")) {
		t.Errorf("unexpected token amount %s", q.TokenAmount)
	}
	if !q.Rate.Equal(decimal.NewFromInt(1450)) {
		t.Errorf("unexpected rate %s", q.Rate)
	}
	if q.Source != types.QuoteSourceOracle {
		t.Errorf("unexpected source %s", q.Source)
	}
}

func TestClientQuotePreconditions(t *testing.T) {
	fake := newChainFake(t)
	fake.active = false
	c := newTestClient(t, fake)
	if _, err := c.Quote(context.Background(), 1000, testToken); types.ErrorCode(err) != types.ErrOracleUnavailable {
		t.Errorf("paused oracle: expected ORACLE_UNAVAILABLE, got %v", err)
	}

	fake = newChainFake(t)
	fake.hasPrice = false
	c = newTestClient(t, fake)
	if _, err := c.Quote(context.Background(), 1000, testToken); types.ErrorCode(err) != types.ErrOracleUnavailable {
		t.Errorf("unpriced token: expected ORACLE_UNAVAILABLE, got %v", err)
	}

	fake = newChainFake(t)
	fake.err = errors.New("rpc down")
	c = newTestClient(t, fake)
	if _, err := c.Quote(context.Background(), 1000, testToken); types.ErrorCode(err) != types.ErrOracleUnavailable {
		t.Errorf("rpc failure: expected ORACLE_UNAVAILABLE, got %v", err)
	}
}

func TestCacheTTL(t *testing.T) {
	mock := clock.NewMock()
	cache := NewCache(30*time.Second, mock)

	if _, _, ok := cache.Get(DefaultPair); ok {
		t.Fatal("empty cache must miss")
	}

	cache.Set(DefaultPair, decimal.NewFromInt(1450), types.QuoteSourceOracle)

	rate, source, ok := cache.Get(DefaultPair)
	if !ok || !rate.Equal(decimal.NewFromInt(1450)) || source != types.QuoteSourceOracle {
		t.Fatalf("expected fresh hit, got %v %s %s", ok, rate, source)
	}

	mock.Add(29 * time.Second)
	if _, _, ok := cache.Get(DefaultPair); !ok {
		t.Error("entry expired before TTL")
	}

	mock.Add(2 * time.Second)
	if _, _, ok := cache.Get(DefaultPair); ok {
		t.Error("entry survived past TTL")
	}
}

// failQuoter always fails; countQuoter counts chain calls.
type failQuoter struct{}

func (failQuoter) Quote(context.Context, int64, string) (*types.Quote, error) {
	return nil, types.NewError(types.ErrOracleUnavailable, "oracle is down")
}

type countQuoter struct {
	calls int
	rate  decimal.Decimal
}

func (q *countQuoter) Quote(_ context.Context, fiatAmount int64, tokenAddress string) (*types.Quote, error) {
	q.calls++
	return &types.Quote{
		AmountFiat:  fiatAmount,
		TokenAmount: decimal.NewFromInt(fiatAmount).Div(q.rate),
		Rate:        q.rate,
		Token:       tokenAddress,
		Source:      types.QuoteSourceOracle,
		Timestamp:   time.Now(),
	}, nil
}

func TestConverterFallback(t *testing.T) {
	conv := NewConverter(failQuoter{}, nil, nil, decimal.Zero, nil, nil)

	q := conv.Convert(context.Background(), 1000, testToken)
	if q.Source != types.QuoteSourceDefault {
		t.Errorf("expected DEFAULT source, got %s", q.Source)
	}
	if q.TokenAmount.Sign() <= 0 {
		t.Errorf("expected positive fallback token amount, got %s", q.TokenAmount)
	}
	if !q.Rate.Equal(DefaultFallbackRate) {
		t.Errorf("expected fallback rate %s, got %s", DefaultFallbackRate, q.Rate)
	}
}

func TestConverterCachesRate(t *testing.T) {
	mock := clock.NewMock()
	quoter := &countQuoter{rate: decimal.NewFromInt(1450)}
	conv := NewConverter(quoter, NewCache(30*time.Second, mock), nil, decimal.Zero, mock, nil)

	first := conv.Convert(context.Background(), 1000, testToken)
	second := conv.Convert(context.Background(), 500, testToken)

	if quoter.calls != 1 {
		t.Errorf("expected one chain call, got %d", quoter.calls)
	}
	if !first.Rate.Equal(second.Rate) {
		t.Errorf("cached rate mismatch: %s vs %s", first.Rate, second.Rate)
	}
	// Token amount is recomputed per request off the cached rate.
	want := decimal.NewFromInt(500).Div(decimal.NewFromInt(1450))
	if !second.TokenAmount.Equal(want) {
		t.Errorf("expected %s, got %s", want, second.TokenAmount)
	}

	mock.Add(31 * time.Second)
	conv.Convert(context.Background(), 1000, testToken)
	if quoter.calls != 2 {
		t.Errorf("expected a second chain call after TTL, got %d", quoter.calls)
	}
}

type recordingRateStore struct {
	saved chan types.RateRecord
	err   error
}

func (r *recordingRateStore) SaveRate(_ context.Context, record types.RateRecord) error {
	if r.err != nil {
		return r.err
	}
	r.saved <- record
	return nil
}

func TestRefresherPersistsOnTick(t *testing.T) {
	mock := clock.NewMock()
	store := &recordingRateStore{saved: make(chan types.RateRecord, 10)}
	quoter := &countQuoter{rate: decimal.NewFromInt(1450)}
	conv := NewConverter(quoter, NewCache(time.Second, mock), store, decimal.Zero, mock, nil)

	r := NewRefresher(conv, testToken, 30*time.Second, mock, nil)
	r.Start()
	defer r.Stop()

	// Immediate refresh on start.
	select {
	case rec := <-store.saved:
		if rec.Currency != types.TargetCrypto || rec.BaseCurrency != types.FiatCurrency {
			t.Errorf("unexpected record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial refresh observed")
	}

	// Let the loop reach its ticker before advancing the mock clock.
	time.Sleep(10 * time.Millisecond)
	mock.Add(30 * time.Second)
	select {
	case <-store.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh observed after tick")
	}
}

func TestRefresherSurvivesFailures(t *testing.T) {
	mock := clock.NewMock()
	conv := NewConverter(failQuoter{}, NewCache(time.Second, mock), nil, decimal.Zero, mock, nil)

	r := NewRefresher(conv, testToken, 30*time.Second, mock, nil)
	r.Start()
	time.Sleep(10 * time.Millisecond)
	mock.Add(90 * time.Second)
	r.Stop() // must return: the loop survived failing ticks
}

func TestConverterTimestampsFollowInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := &recordingRateStore{saved: make(chan types.RateRecord, 1)}
	quoter := &countQuoter{rate: decimal.NewFromInt(1450)}
	conv := NewConverter(quoter, NewCache(time.Minute, mock), store, decimal.Zero, mock, nil)

	if _, err := conv.Refresh(context.Background(), testToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	rec := <-store.saved
	if !rec.Timestamp.Equal(mock.Now()) {
		t.Errorf("record timestamp = %s, want %s", rec.Timestamp, mock.Now())
	}

	// Cache-hit quotes are stamped off the same clock.
	q := conv.Convert(context.Background(), 1000, testToken)
	if !q.Timestamp.Equal(mock.Now()) {
		t.Errorf("quote timestamp = %s, want %s", q.Timestamp, mock.Now())
	}
}

func TestConverterValidateRate(t *testing.T) {
	quoter := &countQuoter{rate: decimal.NewFromInt(1000)}
	conv := NewConverter(quoter, NewCache(time.Minute, clock.NewMock()), nil, decimal.Zero, nil, nil)

	ok, deviation := conv.ValidateRate(context.Background(), testToken, decimal.NewFromInt(1040), 5)
	if !ok {
		t.Errorf("3.8%% deviation should pass a 5%% tolerance (got %s)", deviation)
	}

	ok, _ = conv.ValidateRate(context.Background(), testToken, decimal.NewFromInt(1200), 5)
	if ok {
		t.Error("16% deviation should fail a 5% tolerance")
	}
}
