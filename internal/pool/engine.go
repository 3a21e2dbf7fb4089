// Package pool computes normalized pricing and liquidity statistics for AMM
// pools from raw on-ledger reserve data.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

const (
	defaultFeeBps  = 10   // assumed when the pool reports no fee
	probeSize      = 1.0  // unit trade for the headline impact figure
	depthBoundFrac = 0.10 // depth search never exceeds 10% of the input reserve
	depthTolerance = 1e-6 // absolute tolerance for the binary search
)

// Engine computes PoolMetrics and keeps a last-writer-wins cache keyed by
// pool id. Each Compute overwrites the whole cached value, never merges.
type Engine struct {
	ledger         xrpl.Ledger
	log            *zap.Logger
	slippageTarget float64

	mu    sync.RWMutex
	cache map[string]*types.PoolMetrics
}

func NewEngine(ledger xrpl.Ledger, slippageTarget float64, log *zap.Logger) *Engine {
	if slippageTarget <= 0 {
		slippageTarget = 0.01
	}
	return &Engine{
		ledger:         ledger,
		log:            log,
		slippageTarget: slippageTarget,
		cache:          make(map[string]*types.PoolMetrics, 64),
	}
}

// Compute fetches the pool for the pair and derives its metrics. Returns
// xrpl.ErrNotFound (wrapped) when no pool exists; malformed reserve data is an
// error the caller drops the candidate on.
func (e *Engine) Compute(ctx context.Context, pair types.PoolPair) (*types.PoolMetrics, error) {
	st, err := e.ledger.AMMInfo(ctx, pair.A, pair.B)
	if err != nil {
		return nil, err
	}

	// Which side is native is decided by the parsed amount's tag, not by the
	// order the pair was requested in.
	ra, rb := st.AmountA.Float(), st.AmountB.Float()
	if ra <= 0 || rb <= 0 {
		return nil, fmt.Errorf("pool %s: non-positive reserves (%f, %f)", st.Account, ra, rb)
	}

	feeBps := st.FeeBps()
	if feeBps == 0 {
		feeBps = defaultFeeBps
	}

	nativeReserve := 0.0
	rIn, rOut := ra, rb
	switch {
	case st.AmountA.Asset.IsNative():
		nativeReserve = ra
		rIn, rOut = ra, rb
	case st.AmountB.Asset.IsNative():
		nativeReserve = rb
		rIn, rOut = rb, ra
	}

	// Token/token pools have no price oracle: TVL stays 0 and the pool is
	// still reported, just never ranked by value.
	tvl := 2 * nativeReserve

	m := &types.PoolMetrics{
		PoolID:         st.Account,
		Pair:           types.PoolPair{A: st.AmountA.Asset, B: st.AmountB.Asset},
		ReserveA:       ra,
		ReserveB:       rb,
		FeeBps:         feeBps,
		TVL:            tvl,
		PriceImpact:    PriceImpact(probeSize, rIn, rOut),
		LiquidityDepth: LiquidityDepth(rIn, rOut, e.slippageTarget),
		APR:            EstimateAPR(tvl, feeBps),
		UpdatedAt:      time.Now(),
		LPCurrency:     st.LPToken.Asset.Currency,
		LPIssuer:       st.LPToken.Asset.Issuer,
		LPOutstanding:  st.LPToken.Value,
	}

	e.mu.Lock()
	e.cache[m.PoolID] = m
	e.mu.Unlock()

	e.log.Debug("pool metrics computed",
		zap.String("pool", m.PoolID),
		zap.String("pair", m.Pair.String()),
		zap.Float64("tvl", m.TVL),
		zap.Float64("apr", m.APR),
	)
	return m, nil
}

// Cached returns the last computed metrics for a pool id.
func (e *Engine) Cached(poolID string) (*types.PoolMetrics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.cache[poolID]
	return m, ok
}

// CachedAll snapshots the cache.
func (e *Engine) CachedAll() []*types.PoolMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.PoolMetrics, 0, len(e.cache))
	for _, m := range e.cache {
		out = append(out, m)
	}
	return out
}

// PriceImpact is the relative deviation of the effective execution price from
// the spot price for a trade of size a into the (rIn, rOut) reserve pair under
// the constant-product invariant.
func PriceImpact(a, rIn, rOut float64) float64 {
	if a <= 0 || rIn <= 0 || rOut <= 0 {
		return 0
	}
	k := rIn * rOut
	out := rOut - k/(rIn+a)
	if out <= 0 {
		return 0
	}
	spot := rIn / rOut
	effective := a / out
	d := (effective - spot) / spot
	if d < 0 {
		d = -d
	}
	return d
}

// LiquidityDepth finds the largest trade size, bounded by 10% of rIn, whose
// price impact stays below the slippage target.
func LiquidityDepth(rIn, rOut, maxSlippage float64) float64 {
	if rIn <= 0 || rOut <= 0 || maxSlippage <= 0 {
		return 0
	}
	hi := rIn * depthBoundFrac
	if PriceImpact(hi, rIn, rOut) < maxSlippage {
		return hi
	}
	lo := 0.0
	for hi-lo > depthTolerance {
		mid := (lo + hi) / 2
		if PriceImpact(mid, rIn, rOut) < maxSlippage {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// EstimateAPR annualizes fee revenue assuming daily volume of 5% of TVL.
func EstimateAPR(tvl float64, feeBps uint32) float64 {
	if tvl <= 0 {
		return 0
	}
	dailyVolume := tvl * 0.05
	dailyFees := dailyVolume * float64(feeBps) / 10000.0
	return dailyFees * 365 / tvl
}
