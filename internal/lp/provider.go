// Package lp enters, values, and exits liquidity positions over their
// lifetime.
package lp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/pool"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

// PolicyGuard admits or denies a deposit before any funds move. Satisfied by
// risk.Guard.
type PolicyGuard interface {
	Allow(ctx context.Context, user string, intent types.TradeIntent) error
}

// ActivityRecorder receives realized losses from position exits.
type ActivityRecorder interface {
	Record(user string, loss float64)
}

// ExitAction is the monitoring tick's decision for one position.
type ExitAction int

const (
	Hold ExitAction = iota
	ExitFull
	WithdrawHalf
)

func (a ExitAction) String() string {
	switch a {
	case ExitFull:
		return "exit_full"
	case WithdrawHalf:
		return "withdraw_half"
	}
	return "hold"
}

// Provider owns a set of LP positions for one bot instance. The positions map
// is never mutated from outside the provider.
type Provider struct {
	cfg    *config.Config
	pools  *pool.Engine
	signer types.Signer
	log    *zap.Logger

	// Guard, when set, is consulted before every deposit. Withdrawals only
	// reduce exposure and are never blocked.
	Guard PolicyGuard

	// Activity, when set, receives realized losses from exits.
	Activity ActivityRecorder

	// OnExit, when set, observes every executed exit with the realized
	// amounts. Must not block.
	OnExit func(pos *types.LPPosition, action ExitAction, amountA, amountB float64)

	mu        sync.Mutex
	positions map[string]*types.LPPosition // keyed by pool id
}

func NewProvider(cfg *config.Config, pools *pool.Engine, signer types.Signer, log *zap.Logger) *Provider {
	return &Provider{
		cfg:       cfg,
		pools:     pools,
		signer:    signer,
		log:       log,
		positions: make(map[string]*types.LPPosition),
	}
}

// metrics returns pool state for a known position, reusing the shared
// engine's cache when the snapshot is younger than one tick.
func (p *Provider) metrics(ctx context.Context, pair types.PoolPair, poolID string) (*types.PoolMetrics, error) {
	if m, ok := p.pools.Cached(poolID); ok && time.Since(m.UpdatedAt) < p.cfg.Bot.TickInterval() {
		return m, nil
	}
	return p.pools.Compute(ctx, pair)
}

// Deposit enters a position. Single-sided deposits one asset and lets the
// pool rebalance; balanced computes the second amount from the current
// reserve ratio.
func (p *Provider) Deposit(ctx context.Context, pair types.PoolPair, amountA float64, strategy types.DepositStrategy) (*types.LPPosition, error) {
	if amountA <= 0 {
		return nil, fmt.Errorf("lp: deposit amount must be positive, got %f", amountA)
	}

	// Always a fresh read before committing funds.
	m, err := p.pools.Compute(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("lp: pool lookup: %w", err)
	}
	ra, rb := m.ReserveA, m.ReserveB

	// The ledger may report the pair in either order.
	pair = m.Pair

	amountB := 0.0
	if strategy == types.DepositBalanced {
		amountB = amountA * rb / ra
	}

	if p.Guard != nil {
		intent := types.TradeIntent{
			User:     p.signer.Address(),
			In:       pair.A,
			Out:      pair.B,
			AmountIn: amountA,
			PoolID:   m.PoolID,
		}
		if err := p.Guard.Allow(ctx, intent.User, intent); err != nil {
			p.log.Warn("lp deposit blocked by policy",
				zap.String("pool", m.PoolID), zap.Error(err))
			return nil, fmt.Errorf("lp: deposit %s denied: %w", m.PoolID, err)
		}
	}

	res, err := p.signer.SubmitDeposit(ctx, m.PoolID, pair, amountA, amountB)
	if err != nil {
		return nil, fmt.Errorf("lp: deposit %s: %w", m.PoolID, err)
	}

	lpDelta, err := xrpl.LPTokenDelta(res.Meta, p.signer.Address(), m.LPCurrency, m.LPIssuer)
	if err != nil {
		return nil, fmt.Errorf("lp: deposit %s settled (%s) but LP tokens unaccounted: %w",
			m.PoolID, res.Ref, err)
	}

	pos := &types.LPPosition{
		PoolID:          m.PoolID,
		Pair:            pair,
		LPBalance:       lpDelta,
		InitialA:        amountA,
		InitialB:        amountB,
		InitialValueXRP: xrpEquivalent(amountA, amountB, pair, ra, rb),
		InitialPrice:    rb / ra,
		EnteredAt:       time.Now(),
		Strategy:        strategy,
	}
	pos.CurrentValueXRP = pos.InitialValueXRP

	p.mu.Lock()
	p.positions[pos.PoolID] = pos
	p.mu.Unlock()

	p.log.Info("lp position entered",
		zap.String("pool", pos.PoolID),
		zap.String("pair", pair.String()),
		zap.String("strategy", string(strategy)),
		zap.Float64("value_xrp", pos.InitialValueXRP),
		zap.String("lp_tokens", lpDelta.String()),
	)
	return pos, nil
}

// Valuate refreshes one position from current pool state: share fraction,
// current value, impermanent loss, fees earned, and annualized yield.
func (p *Provider) Valuate(ctx context.Context, poolID string) (*types.LPPosition, error) {
	p.mu.Lock()
	pos, ok := p.positions[poolID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lp: no position for pool %s", poolID)
	}

	m, err := p.metrics(ctx, pos.Pair, poolID)
	if err != nil {
		return nil, fmt.Errorf("lp: refresh %s: %w", poolID, err)
	}
	ra, rb := m.ReserveA, m.ReserveB
	if m.LPOutstanding.IsZero() {
		return nil, fmt.Errorf("lp: pool %s reported empty state", poolID)
	}

	share, _ := pos.LPBalance.Div(m.LPOutstanding).Float64()
	currentValue := share * poolValueXRP(pos.Pair, ra, rb)

	r := (rb / ra) / pos.InitialPrice
	il := ImpermanentLoss(r)

	// Value the position would have from price divergence alone; anything
	// above that was earned in fees.
	ilValue := pos.InitialValueXRP * (1 + il)
	fees := currentValue - ilValue
	if fees < 0 {
		fees = 0
	}

	days := time.Since(pos.EnteredAt).Hours() / 24
	apr := 0.0
	if days > 0 && pos.InitialValueXRP > 0 {
		totalReturn := currentValue/pos.InitialValueXRP - 1
		apr = totalReturn / days * 365
	}

	p.mu.Lock()
	pos.CurrentValueXRP = currentValue
	pos.ILPct = il * 100
	pos.FeesEarnedXRP = fees
	pos.CurrentAPR = apr
	p.mu.Unlock()

	return pos, nil
}

// EvaluateExit applies the exit rules to a valued position.
func (p *Provider) EvaluateExit(pos *types.LPPosition) ExitAction {
	days := time.Since(pos.EnteredAt).Hours() / 24

	if pos.ILPct < p.cfg.LP.ExitILPct {
		return ExitFull
	}
	if pos.CurrentAPR < p.cfg.Bot.TargetAPR/2 && days > p.cfg.LP.UnderperformDays {
		return ExitFull
	}
	if pos.CurrentAPR > 1.5*p.cfg.Bot.TargetAPR && days >= p.cfg.LP.OverperformDays {
		return WithdrawHalf
	}
	return Hold
}

// Withdraw redeems the given fraction (0,1] of the position's LP balance and
// returns the realized per-asset amounts. The position leaves the map only on
// a full, successful withdrawal.
func (p *Provider) Withdraw(ctx context.Context, poolID string, fraction float64) (amountA, amountB float64, err error) {
	if fraction <= 0 || fraction > 1 {
		return 0, 0, fmt.Errorf("lp: withdraw fraction must be in (0,1], got %f", fraction)
	}

	p.mu.Lock()
	pos, ok := p.positions[poolID]
	p.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("lp: no position for pool %s", poolID)
	}

	m, err := p.metrics(ctx, pos.Pair, poolID)
	if err != nil {
		return 0, 0, fmt.Errorf("lp: withdraw %s: %w", poolID, err)
	}
	if m.LPOutstanding.IsZero() {
		return 0, 0, fmt.Errorf("lp: pool %s has no outstanding LP tokens", poolID)
	}

	lpAmount := pos.LPBalance.Mul(decimal.NewFromFloat(fraction))
	res, err := p.signer.SubmitWithdraw(ctx, poolID, pos.Pair, lpAmount)
	if err != nil {
		return 0, 0, fmt.Errorf("lp: withdraw %s: %w", poolID, err)
	}

	redeemed, err := xrpl.LPTokenDelta(res.Meta, p.signer.Address(), m.LPCurrency, m.LPIssuer)
	if err != nil {
		return 0, 0, fmt.Errorf("lp: withdrawal %s settled (%s) but LP delta unaccounted: %w",
			poolID, res.Ref, err)
	}
	redeemed = redeemed.Abs()

	// Realized amounts are the redeemed share of current reserves.
	shareOut, _ := redeemed.Div(m.LPOutstanding).Float64()
	amountA = shareOut * m.ReserveA
	amountB = shareOut * m.ReserveB

	remaining := pos.LPBalance.Sub(redeemed)
	full := fraction == 1 || remaining.LessThanOrEqual(decimal.Zero)

	p.mu.Lock()
	if full {
		delete(p.positions, poolID)
	} else {
		pos.LPBalance = remaining
	}
	p.mu.Unlock()

	p.log.Info("lp withdrawal",
		zap.String("pool", poolID),
		zap.Bool("full", full),
		zap.Float64("amount_a", amountA),
		zap.Float64("amount_b", amountB),
		zap.String("ref", res.Ref),
	)
	return amountA, amountB, nil
}

// Positions snapshots the active position set.
func (p *Provider) Positions() []*types.LPPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.LPPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// Count is the number of open positions, consulted by the policy guard.
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// MonitorTick values every position and applies the exit rules. Failures for
// one position never stop the others.
func (p *Provider) MonitorTick(ctx context.Context) []ExitAction {
	var actions []ExitAction
	for _, pos := range p.Positions() {
		valued, err := p.Valuate(ctx, pos.PoolID)
		if err != nil {
			p.log.Warn("lp valuation failed", zap.String("pool", pos.PoolID), zap.Error(err))
			continue
		}

		action := p.EvaluateExit(valued)
		actions = append(actions, action)
		if action == Hold {
			continue
		}

		fraction := 1.0
		if action == WithdrawHalf {
			fraction = 0.5
		}
		amountA, amountB, err := p.Withdraw(ctx, pos.PoolID, fraction)
		if err != nil {
			p.log.Error("lp exit failed",
				zap.String("pool", pos.PoolID),
				zap.String("action", action.String()),
				zap.Error(err),
			)
			continue
		}
		p.log.Info("lp exit executed",
			zap.String("pool", pos.PoolID),
			zap.String("action", action.String()),
			zap.Float64("il_pct", valued.ILPct),
			zap.Float64("apr", valued.CurrentAPR),
		)
		if p.Activity != nil {
			if loss := (valued.InitialValueXRP - valued.CurrentValueXRP) * fraction; loss > 0 {
				p.Activity.Record(p.signer.Address(), loss)
			}
		}
		if p.OnExit != nil {
			p.OnExit(valued, action, amountA, amountB)
		}
	}
	return actions
}

// ImpermanentLoss for a price ratio r = currentPrice/initialPrice under the
// constant-product invariant: 2·sqrt(r)/(1+r) − 1. Zero when the price is
// unchanged, negative otherwise.
func ImpermanentLoss(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return 2*math.Sqrt(r)/(1+r) - 1
}

// poolValueXRP values the whole pool in native terms: twice the native
// reserve when one side is native. Token/token pools fall back to reserve A
// units, the same documented limitation as TVL.
func poolValueXRP(pair types.PoolPair, ra, rb float64) float64 {
	switch {
	case pair.A.IsNative():
		return 2 * ra
	case pair.B.IsNative():
		return 2 * rb
	}
	return 2 * ra
}

// xrpEquivalent values a deposit in native terms using the pool's own ratio.
func xrpEquivalent(amountA, amountB float64, pair types.PoolPair, ra, rb float64) float64 {
	switch {
	case pair.A.IsNative():
		return amountA + amountB*ra/rb
	case pair.B.IsNative():
		return amountB + amountA*rb/ra
	}
	return amountA + amountB*ra/rb
}
