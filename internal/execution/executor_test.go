package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/risk"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/router"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

type fakeRouter struct {
	calls   []types.TradeIntent
	results []*types.SubmitResult
	errs    []error
}

func (f *fakeRouter) Execute(_ context.Context, intent types.TradeIntent) (*types.SubmitResult, router.Venue, error) {
	i := len(f.calls)
	f.calls = append(f.calls, intent)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, router.VenueAMM, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], router.VenueAMM, nil
	}
	return &types.SubmitResult{Ref: fmt.Sprintf("TX%d", i+1), Delivered: 1}, router.VenueAMM, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string, types.TradeIntent) error { return nil }

type denyAll struct{ reason error }

func (d denyAll) Allow(context.Context, string, types.TradeIntent) error { return d.reason }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Executor.SettlementDelayMs = 1
	return cfg
}

func testOpportunity() types.ArbitrageOpportunity {
	token := types.Issued("TOK", "r1")
	buy := &types.PoolMetrics{PoolID: "rBuy", Pair: types.PoolPair{A: types.XRP(), B: token}, ReserveA: 1000, ReserveB: 500}
	sell := &types.PoolMetrics{PoolID: "rSell", Pair: types.PoolPair{A: types.XRP(), B: token}, ReserveA: 800, ReserveB: 500}
	return types.ArbitrageOpportunity{
		BuyPool:     buy,
		SellPool:    sell,
		SharedToken: token,
		PriceDiff:   0.25,
		TradeAmount: 40,
	}
}

func TestExecute_BothLegs(t *testing.T) {
	r := &fakeRouter{results: []*types.SubmitResult{
		{Ref: "TX1", Delivered: 20}, // 20 TOK bought
		{Ref: "TX2", Delivered: 45}, // 45 XRP proceeds
	}}
	e := NewExecutor(testConfig(), r, allowAll{}, nil, zap.NewNop())

	rec := e.Execute(context.Background(), "u1", testOpportunity())
	assert.True(t, rec.Executed)
	assert.Empty(t, rec.Err)
	assert.Equal(t, []string{"TX1", "TX2"}, rec.SettlementRefs)
	assert.InDelta(t, 5.0, rec.ActualProfit, 1e-9)

	require.Len(t, r.calls, 2)
	assert.True(t, r.calls[0].In.IsNative(), "leg 1 spends the counter asset")
	assert.Equal(t, "rBuy", r.calls[0].PoolID)
	assert.Equal(t, 20.0, r.calls[1].AmountIn, "leg 2 sells exactly what leg 1 delivered")
	assert.Equal(t, "rSell", r.calls[1].PoolID)

	st := e.Stats()
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 1, st.Successes)
	assert.InDelta(t, 5.0, st.TotalProfit, 1e-9)
}

func TestExecute_Leg1Failure(t *testing.T) {
	r := &fakeRouter{errs: []error{fmt.Errorf("tecUNFUNDED")}}
	e := NewExecutor(testConfig(), r, allowAll{}, nil, zap.NewNop())

	rec := e.Execute(context.Background(), "u1", testOpportunity())
	assert.False(t, rec.Executed)
	assert.Empty(t, rec.SettlementRefs)
	assert.Contains(t, rec.Err, "leg 1 failed")
	assert.Len(t, r.calls, 1, "no leg 2 after a failed leg 1")
}

func TestExecute_Leg2PartialFailure(t *testing.T) {
	r := &fakeRouter{
		results: []*types.SubmitResult{{Ref: "TX1", Delivered: 20}},
		errs:    []error{nil, fmt.Errorf("tecPATH_DRY")},
	}
	e := NewExecutor(testConfig(), r, allowAll{}, nil, zap.NewNop())

	rec := e.Execute(context.Background(), "u1", testOpportunity())
	assert.False(t, rec.Executed)
	require.Len(t, rec.SettlementRefs, 1, "leg 1's settlement stays on record")
	assert.Equal(t, "TX1", rec.SettlementRefs[0])
	assert.Contains(t, rec.Err, "bought but could not sell")

	st := e.Stats()
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 0, st.Successes)
}

func TestExecute_PolicyDenied(t *testing.T) {
	r := &fakeRouter{}
	e := NewExecutor(testConfig(), r, denyAll{reason: fmt.Errorf("position limit reached")}, nil, zap.NewNop())

	rec := e.Execute(context.Background(), "u1", testOpportunity())
	assert.False(t, rec.Executed)
	assert.Contains(t, rec.Err, "denied")
	assert.Empty(t, r.calls, "denied trades never reach submission")
}

// fundedLedger satisfies the guard's balance check; every other Ledger
// method panics via the embedded nil interface.
type fundedLedger struct {
	xrpl.Ledger
	balance float64
}

func (l *fundedLedger) XRPBalance(context.Context, string) (float64, error) {
	return l.balance, nil
}

func TestExecute_SettledTradesReachActivityLog(t *testing.T) {
	r := &fakeRouter{results: []*types.SubmitResult{
		{Ref: "TX1", Delivered: 20},
		{Ref: "TX2", Delivered: 45}, // +5
		{Ref: "TX3", Delivered: 20},
		{Ref: "TX4", Delivered: 33}, // -7
	}}
	log := risk.NewActivityLog(time.Hour)
	e := NewExecutor(testConfig(), r, allowAll{}, log, zap.NewNop())

	e.Execute(context.Background(), "u1", testOpportunity())
	e.Execute(context.Background(), "u1", testOpportunity())

	assert.Equal(t, 2, log.TradesWithin("u1", time.Hour))
	assert.InDelta(t, 7.0, log.LossWithin("u1", time.Hour), 1e-9)
}

func TestExecute_DeniedTradesLeaveNoActivity(t *testing.T) {
	log := risk.NewActivityLog(time.Hour)
	e := NewExecutor(testConfig(), &fakeRouter{}, denyAll{reason: fmt.Errorf("no")}, log, zap.NewNop())

	e.Execute(context.Background(), "u1", testOpportunity())
	assert.Zero(t, log.TradesWithin("u1", time.Hour), "a denial is not a trade")
}

// The executor and the guard must share one activity log, so an hourly
// trade limit actually trips on the trades the executor settles.
func TestExecute_RateLimitTripsAcrossExecutions(t *testing.T) {
	cfg := testConfig()
	cfg.Bot.MaxTradeXRP = 100
	cfg.Bot.RiskTier = "aggressive"
	cfg.Risk.MaxTradesPerHour = 1
	cfg.Risk.ReserveXRP = 10

	log := risk.NewActivityLog(time.Hour)
	guard := risk.NewGuard(cfg, &fundedLedger{balance: 500}, log, nil, nil, zap.NewNop())
	r := &fakeRouter{results: []*types.SubmitResult{
		{Ref: "TX1", Delivered: 20},
		{Ref: "TX2", Delivered: 45},
	}}
	e := NewExecutor(cfg, r, guard, log, zap.NewNop())

	first := e.Execute(context.Background(), "u1", testOpportunity())
	require.True(t, first.Executed)

	second := e.Execute(context.Background(), "u1", testOpportunity())
	assert.False(t, second.Executed)
	assert.Contains(t, second.Err, "denied")
	assert.Len(t, r.calls, 2, "the denied attempt never reached submission")
}

func TestStats_Aggregates(t *testing.T) {
	r := &fakeRouter{results: []*types.SubmitResult{
		{Ref: "TX1", Delivered: 20},
		{Ref: "TX2", Delivered: 50},
		{Ref: "TX3", Delivered: 20},
		{Ref: "TX4", Delivered: 44},
	}}
	e := NewExecutor(testConfig(), r, allowAll{}, nil, zap.NewNop())

	e.Execute(context.Background(), "u1", testOpportunity()) // +10
	e.Execute(context.Background(), "u1", testOpportunity()) // +4

	st := e.Stats()
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, 2, st.Successes)
	assert.InDelta(t, 1.0, st.SuccessRate, 1e-9)
	assert.InDelta(t, 14.0, st.TotalProfit, 1e-9)
	assert.InDelta(t, 7.0, st.AvgProfit, 1e-9)
	assert.Greater(t, st.AvgDuration.Nanoseconds(), int64(0))
	assert.Len(t, e.History(), 2)
}
