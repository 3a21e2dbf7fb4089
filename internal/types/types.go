package types

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies an XRPL asset: the native asset (XRP, no issuer) or an
// issued token keyed by (currency, issuer).
type Asset struct {
	Currency string
	Issuer   string
}

func XRP() Asset { return Asset{Currency: "XRP"} }

func Issued(currency, issuer string) Asset {
	return Asset{Currency: strings.ToUpper(strings.TrimSpace(currency)), Issuer: strings.TrimSpace(issuer)}
}

func (a Asset) IsNative() bool { return a.Issuer == "" }

func (a Asset) Equal(b Asset) bool { return a.Currency == b.Currency && a.Issuer == b.Issuer }

func (a Asset) String() string {
	if a.IsNative() {
		return "XRP"
	}
	return a.Currency + "." + a.Issuer
}

// PoolPair is the normalized asset pair identifying a pool during discovery,
// before metrics are computed.
type PoolPair struct {
	A Asset
	B Asset
}

// Key is order-independent: (A,B) and (B,A) map to the same pool.
func (p PoolPair) Key() string {
	x, y := p.A.String(), p.B.String()
	if x > y {
		x, y = y, x
	}
	return x + "|" + y
}

func (p PoolPair) String() string { return p.A.String() + "/" + p.B.String() }

// PoolMetrics is the normalized pricing/liquidity snapshot for one pool.
// Recomputed whole every scan tick; a cached value is never partially updated.
type PoolMetrics struct {
	PoolID         string
	Pair           PoolPair
	ReserveA       float64 // in Pair.A units
	ReserveB       float64 // in Pair.B units
	FeeBps         uint32
	TVL            float64 // XRP-equivalent; 0 when neither side is native
	PriceImpact    float64 // for a unit probe trade
	LiquidityDepth float64 // trade size holding impact under the slippage target
	APR            float64
	UpdatedAt      time.Time

	// LP token identity and outstanding supply, carried so position
	// valuation can run off the same snapshot as the pricing metrics.
	LPCurrency    string
	LPIssuer      string
	LPOutstanding decimal.Decimal
}

// ReserveOf returns the reserve held in the given asset.
func (m *PoolMetrics) ReserveOf(a Asset) (float64, bool) {
	switch {
	case m.Pair.A.Equal(a):
		return m.ReserveA, true
	case m.Pair.B.Equal(a):
		return m.ReserveB, true
	}
	return 0, false
}

// Counterpart returns the pool's other asset.
func (m *PoolMetrics) Counterpart(a Asset) (Asset, bool) {
	switch {
	case m.Pair.A.Equal(a):
		return m.Pair.B, true
	case m.Pair.B.Equal(a):
		return m.Pair.A, true
	}
	return Asset{}, false
}

// PriceOf quotes asset a as reserve(a)/reserve(other).
func (m *PoolMetrics) PriceOf(a Asset) (float64, bool) {
	ra, ok := m.ReserveOf(a)
	if !ok {
		return 0, false
	}
	other, _ := m.Counterpart(a)
	ro, _ := m.ReserveOf(other)
	if ro <= 0 {
		return 0, false
	}
	return ra / ro, true
}

// ArbitrageOpportunity is a detected cross-pool price divergence. Transient:
// consumed by the executor within the tick that produced it.
type ArbitrageOpportunity struct {
	BuyPool     *PoolMetrics // cheaper pool, first leg buys here
	SellPool    *PoolMetrics
	SharedToken Asset
	PriceDiff   float64 // relative, |p1-p2|/min
	EstProfit   float64 // XRP-equivalent
	TradeAmount float64 // XRP-equivalent input size
	DetectedAt  time.Time
}

// ArbitrageExecution is the outcome of attempting one opportunity.
type ArbitrageExecution struct {
	Opportunity    ArbitrageOpportunity
	Executed       bool
	ActualProfit   float64
	SettlementRefs []string
	Duration       time.Duration
	Err            string
}

type DepositStrategy string

const (
	DepositSingleSided DepositStrategy = "single_sided"
	DepositBalanced    DepositStrategy = "balanced"
)

// LPPosition is a live liquidity position, owned by one provider instance.
type LPPosition struct {
	PoolID          string
	Pair            PoolPair
	LPBalance       decimal.Decimal
	InitialA        float64
	InitialB        float64
	InitialValueXRP float64
	InitialPrice    float64 // Pair.A priced in Pair.B at entry
	CurrentValueXRP float64
	FeesEarnedXRP   float64
	ILPct           float64 // impermanent loss, <= 0
	CurrentAPR      float64
	EnteredAt       time.Time
	Strategy        DepositStrategy
}

// TradeIntent is one directional trade: spend AmountIn of In, receive Out.
type TradeIntent struct {
	User     string
	In       Asset
	Out      Asset
	AmountIn float64
	PoolID   string // pool backing the direct-AMM venue
}

func (t TradeIntent) String() string {
	return fmt.Sprintf("%.6f %s -> %s", t.AmountIn, t.In, t.Out)
}

// SubmitResult is what the signing layer reports back for one transaction.
type SubmitResult struct {
	Ref       string  // settlement reference (tx hash)
	Delivered float64 // amount actually received, from settlement metadata
	Meta      []byte  // raw metadata, for LP-token delta extraction
}

// Signer is the injected custody boundary. The engine never sees keys.
type Signer interface {
	Address() string
	SubmitSwap(ctx context.Context, intent TradeIntent, venue string) (*SubmitResult, error)
	SubmitDeposit(ctx context.Context, poolID string, pair PoolPair, amountA, amountB float64) (*SubmitResult, error)
	SubmitWithdraw(ctx context.Context, poolID string, pair PoolPair, lpAmount decimal.Decimal) (*SubmitResult, error)
}
