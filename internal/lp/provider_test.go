package lp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/pool"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

var token = types.Issued("TOK", "rIssuer1")

const lpCurrency = "03LP"

type fakeLedger struct {
	xrpl.Ledger
	state *xrpl.AMMState
	err   error
}

func (f *fakeLedger) AMMInfo(context.Context, types.Asset, types.Asset) (*xrpl.AMMState, error) {
	return f.state, f.err
}

func poolState(xrp, tok, lpSupply float64) *xrpl.AMMState {
	return &xrpl.AMMState{
		Account: "rPool1",
		AmountA: xrpl.NewAmount(types.XRP(), xrp),
		AmountB: xrpl.NewAmount(token, tok),
		LPToken: xrpl.NewAmount(types.Issued(lpCurrency, "rPool1"), lpSupply),
	}
}

// lpMeta builds settlement metadata moving the trader's LP line from prev to
// final.
func lpMeta(prev, final float64) []byte {
	return []byte(fmt.Sprintf(`{"AffectedNodes":[{"ModifiedNode":{
		"LedgerEntryType":"RippleState",
		"FinalFields":{
			"Balance":{"currency":"%s","issuer":"rrr","value":"%f"},
			"HighLimit":{"currency":"%s","issuer":"rTrader","value":"0"},
			"LowLimit":{"currency":"%s","issuer":"rPool1","value":"0"}},
		"PreviousFields":{
			"Balance":{"currency":"%s","issuer":"rrr","value":"%f"}}
	}}]}`, lpCurrency, -final, lpCurrency, lpCurrency, lpCurrency, -prev))
}

type fakeSigner struct {
	depositMeta  []byte
	withdrawMeta []byte
	deposits     []struct{ a, b float64 }
	withdrawals  []decimal.Decimal
	err          error
}

func (s *fakeSigner) Address() string { return "rTrader" }

func (s *fakeSigner) SubmitSwap(context.Context, types.TradeIntent, string) (*types.SubmitResult, error) {
	return nil, fmt.Errorf("not used")
}

func (s *fakeSigner) SubmitDeposit(_ context.Context, _ string, _ types.PoolPair, a, b float64) (*types.SubmitResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.deposits = append(s.deposits, struct{ a, b float64 }{a, b})
	return &types.SubmitResult{Ref: "TX_DEP", Meta: s.depositMeta}, nil
}

func (s *fakeSigner) SubmitWithdraw(_ context.Context, _ string, _ types.PoolPair, lp decimal.Decimal) (*types.SubmitResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.withdrawals = append(s.withdrawals, lp)
	return &types.SubmitResult{Ref: "TX_WD", Meta: s.withdrawMeta}, nil
}

func newTestProvider(cfg *config.Config, ledger xrpl.Ledger, signer types.Signer) *Provider {
	pools := pool.NewEngine(ledger, 0.01, zap.NewNop())
	return NewProvider(cfg, pools, signer, zap.NewNop())
}

func lpConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LP.ExitILPct = -10
	cfg.LP.UnderperformDays = 7
	cfg.LP.OverperformDays = 3
	cfg.Bot.TargetAPR = 0.10
	return cfg
}

func TestImpermanentLoss_Properties(t *testing.T) {
	assert.Equal(t, 0.0, ImpermanentLoss(1), "unchanged price has no loss")
	for _, r := range []float64{0.1, 0.5, 0.9, 1.1, 2, 10} {
		il := ImpermanentLoss(r)
		assert.LessOrEqual(t, il, 0.0, "loss is never positive at r=%f", r)
		assert.InDelta(t, il, ImpermanentLoss(1/r), 1e-12, "symmetric under inversion at r=%f", r)
	}
	assert.NotEqual(t, ImpermanentLoss(2), ImpermanentLoss(4), "magnitude matters")
}

func TestDeposit_Balanced(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)

	pos, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	require.Len(t, signer.deposits, 1)
	assert.InDelta(t, 100.0, signer.deposits[0].a, 1e-9)
	assert.InDelta(t, 50.0, signer.deposits[0].b, 1e-9, "second amount follows the reserve ratio")

	f, _ := pos.LPBalance.Float64()
	assert.InDelta(t, 70.0, f, 1e-9, "LP balance comes from settlement metadata")
	assert.InDelta(t, 200.0, pos.InitialValueXRP, 1e-9)
	assert.Equal(t, 1, p.Count())
}

func TestDeposit_SingleSided(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 35)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositSingleSided)
	require.NoError(t, err)
	require.Len(t, signer.deposits, 1)
	assert.Equal(t, 0.0, signer.deposits[0].b, "single-sided sends one asset only")
}

func TestValuate_FeesAccrue(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	// Fee income grows both reserves 10% at an unchanged price.
	ledger.state = poolState(1100, 550, 700)
	pos, err := p.Valuate(context.Background(), "rPool1")
	require.NoError(t, err)

	assert.InDelta(t, 0.0, pos.ILPct, 1e-9, "no price divergence, no IL")
	assert.InDelta(t, 220.0, pos.CurrentValueXRP, 1e-9) // 70/700 of 2200
	assert.InDelta(t, 20.0, pos.FeesEarnedXRP, 1e-9)
	assert.Greater(t, pos.CurrentAPR, 0.0)
}

func TestValuate_ImpermanentLoss(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	// Token price moved: constant product preserved, ratio shifted 4x.
	ledger.state = poolState(500, 1000, 700)
	pos, err := p.Valuate(context.Background(), "rPool1")
	require.NoError(t, err)

	assert.Less(t, pos.ILPct, 0.0)
	assert.InDelta(t, (2*2/5.0-1)*100, pos.ILPct, 1e-9) // r=4: 2·2/5 − 1 = −20%
}

func TestEvaluateExit_Rules(t *testing.T) {
	p := newTestProvider(lpConfig(), &fakeLedger{}, &fakeSigner{})
	base := types.LPPosition{EnteredAt: time.Now().Add(-24 * time.Hour), CurrentAPR: 0.10}

	deepLoss := base
	deepLoss.ILPct = -12
	assert.Equal(t, ExitFull, p.EvaluateExit(&deepLoss))

	stale := base
	stale.EnteredAt = time.Now().Add(-8 * 24 * time.Hour)
	stale.CurrentAPR = 0.03 // below half of the 10% target
	assert.Equal(t, ExitFull, p.EvaluateExit(&stale))

	hot := base
	hot.EnteredAt = time.Now().Add(-4 * 24 * time.Hour)
	hot.CurrentAPR = 0.20
	assert.Equal(t, WithdrawHalf, p.EvaluateExit(&hot))

	young := base
	young.CurrentAPR = 0.20 // overperforming but too young for profit-taking
	assert.Equal(t, Hold, p.EvaluateExit(&young))

	assert.Equal(t, Hold, p.EvaluateExit(&base))
}

func TestWithdraw_FullRemovesPosition(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70), withdrawMeta: lpMeta(70, 0)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	a, b, err := p.Withdraw(context.Background(), "rPool1", 1)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, a, 1e-9) // 70/700 of each reserve
	assert.InDelta(t, 50.0, b, 1e-9)
	assert.Equal(t, 0, p.Count())
}

func TestWithdraw_PartialKeepsPosition(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70), withdrawMeta: lpMeta(70, 35)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	_, _, err = p.Withdraw(context.Background(), "rPool1", 0.5)
	require.NoError(t, err)
	require.Equal(t, 1, p.Count(), "partial withdrawal keeps the position")

	pos := p.Positions()[0]
	f, _ := pos.LPBalance.Float64()
	assert.InDelta(t, 35.0, f, 1e-9)
}

func TestWithdraw_FailedSubmissionKeepsState(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	signer.err = fmt.Errorf("tecAMM_BALANCE")
	_, _, err = p.Withdraw(context.Background(), "rPool1", 1)
	assert.Error(t, err)
	assert.Equal(t, 1, p.Count(), "failed withdrawal leaves the position untouched")
}

type denyGuard struct{ err error }

func (g denyGuard) Allow(context.Context, string, types.TradeIntent) error { return g.err }

type recordGuard struct{ intents []types.TradeIntent }

func (g *recordGuard) Allow(_ context.Context, _ string, intent types.TradeIntent) error {
	g.intents = append(g.intents, intent)
	return nil
}

type recordActivity struct {
	users  []string
	losses []float64
}

func (a *recordActivity) Record(user string, loss float64) {
	a.users = append(a.users, user)
	a.losses = append(a.losses, loss)
}

func TestDeposit_DeniedByGuard(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)
	p.Guard = denyGuard{err: fmt.Errorf("position limit reached")}

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Empty(t, signer.deposits, "denied deposits never reach the signer")
	assert.Equal(t, 0, p.Count())
}

func TestDeposit_GuardSeesTheRealIntent(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70)}
	p := newTestProvider(lpConfig(), ledger, signer)
	guard := &recordGuard{}
	p.Guard = guard

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	require.Len(t, guard.intents, 1)
	assert.Equal(t, "rPool1", guard.intents[0].PoolID)
	assert.Equal(t, "rTrader", guard.intents[0].User)
	assert.InDelta(t, 100.0, guard.intents[0].AmountIn, 1e-9)
	require.Len(t, signer.deposits, 1)
}

func TestMonitorTick_ExitsLossyPosition(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70), withdrawMeta: lpMeta(70, 0)}
	p := newTestProvider(lpConfig(), ledger, signer)

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	// 16x price ratio: IL = 2·4/17 − 1 ≈ −53%, far past the −10% exit rule.
	ledger.state = poolState(250, 2000, 700)
	actions := p.MonitorTick(context.Background())

	require.Len(t, actions, 1)
	assert.Equal(t, ExitFull, actions[0])
	assert.Equal(t, 0, p.Count())
	require.Len(t, signer.withdrawals, 1)
}

func TestMonitorTick_RecordsRealizedLoss(t *testing.T) {
	ledger := &fakeLedger{state: poolState(1000, 500, 700)}
	signer := &fakeSigner{depositMeta: lpMeta(0, 70), withdrawMeta: lpMeta(70, 0)}
	p := newTestProvider(lpConfig(), ledger, signer)
	activity := &recordActivity{}
	p.Activity = activity

	_, err := p.Deposit(context.Background(), types.PoolPair{A: types.XRP(), B: token}, 100, types.DepositBalanced)
	require.NoError(t, err)

	// Entered at 200 XRP; after the move the 10% share of a 500 XRP pool
	// is worth 50, so a full exit realizes a 150 XRP loss.
	ledger.state = poolState(250, 2000, 700)
	p.MonitorTick(context.Background())

	require.Len(t, activity.losses, 1)
	assert.Equal(t, "rTrader", activity.users[0])
	assert.InDelta(t, 150.0, activity.losses[0], 1e-6)
}
