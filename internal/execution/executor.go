// Package execution runs two-leg arbitrage trades through the best-execution
// router and keeps the append-only execution history.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/router"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

// tradeRouter is what the executor needs from the router.
type tradeRouter interface {
	Execute(ctx context.Context, intent types.TradeIntent) (*types.SubmitResult, router.Venue, error)
}

// guard is the pre-trade policy check.
type guard interface {
	Allow(ctx context.Context, user string, intent types.TradeIntent) error
}

// activity receives every settled trade and its realized loss, feeding the
// same ledger the guard reads its rate and loss limits from.
type activity interface {
	Record(user string, loss float64)
}

// Stats are running aggregates over the execution history.
type Stats struct {
	Attempts    int
	Successes   int
	SuccessRate float64
	TotalProfit float64
	AvgProfit   float64
	AvgDuration time.Duration
}

// Executor executes exactly one opportunity at a time, sequentially.
type Executor struct {
	cfg      *config.Config
	router   tradeRouter
	guard    guard
	activity activity
	log      *zap.Logger

	mu      sync.Mutex
	history []types.ArbitrageExecution
}

func NewExecutor(cfg *config.Config, r tradeRouter, g guard, act activity, log *zap.Logger) *Executor {
	return &Executor{cfg: cfg, router: r, guard: g, activity: act, log: log}
}

// Execute runs both legs of the opportunity. A leg-2 failure is a recognized
// partial state: the result carries leg 1's settlement reference and an error,
// never a silent discard.
func (e *Executor) Execute(ctx context.Context, user string, opp types.ArbitrageOpportunity) types.ArbitrageExecution {
	start := time.Now()
	rec := types.ArbitrageExecution{Opportunity: opp}
	defer func() {
		rec.Duration = time.Since(start)
		// Anything that settled on-ledger counts against the rate limit;
		// only a completed round trip realizes a loss.
		if e.activity != nil && len(rec.SettlementRefs) > 0 {
			loss := 0.0
			if rec.Executed && rec.ActualProfit < 0 {
				loss = -rec.ActualProfit
			}
			e.activity.Record(user, loss)
		}
		e.mu.Lock()
		e.history = append(e.history, rec)
		e.mu.Unlock()
	}()

	buyAsset, _ := opp.BuyPool.Counterpart(opp.SharedToken)
	leg1 := types.TradeIntent{
		User:     user,
		In:       buyAsset,
		Out:      opp.SharedToken,
		AmountIn: opp.TradeAmount,
		PoolID:   opp.BuyPool.PoolID,
	}

	if err := e.guard.Allow(ctx, user, leg1); err != nil {
		rec.Err = fmt.Sprintf("leg 1 denied: %v", err)
		e.log.Warn("trade blocked by policy", zap.String("user", user), zap.Error(err))
		return rec
	}

	res1, venue1, err := e.router.Execute(ctx, leg1)
	if err != nil {
		rec.Err = fmt.Sprintf("leg 1 failed: %v", err)
		e.log.Error("arbitrage leg 1 failed", zap.String("intent", leg1.String()), zap.Error(err))
		return rec
	}
	rec.SettlementRefs = append(rec.SettlementRefs, res1.Ref)

	received := res1.Delivered
	if received <= 0 {
		rec.Err = "leg 1 settled but delivered amount is unknown; not selling blind"
		return rec
	}

	// Let the ledger confirm leg 1 before spending its proceeds.
	select {
	case <-ctx.Done():
		rec.Err = fmt.Sprintf("cancelled between legs: %v (bought but could not sell)", ctx.Err())
		return rec
	case <-time.After(e.cfg.SettlementDelay()):
	}

	sellAsset, _ := opp.SellPool.Counterpart(opp.SharedToken)
	leg2 := types.TradeIntent{
		User:     user,
		In:       opp.SharedToken,
		Out:      sellAsset,
		AmountIn: received,
		PoolID:   opp.SellPool.PoolID,
	}

	res2, venue2, err := e.router.Execute(ctx, leg2)
	if err != nil {
		rec.Err = fmt.Sprintf("bought but could not sell: %v", err)
		e.log.Error("arbitrage leg 2 failed, holding token",
			zap.String("token", opp.SharedToken.String()),
			zap.Float64("amount", received),
			zap.Error(err),
		)
		return rec
	}
	rec.SettlementRefs = append(rec.SettlementRefs, res2.Ref)

	rec.Executed = true
	rec.ActualProfit = res2.Delivered - opp.TradeAmount
	e.log.Info("arbitrage executed",
		zap.String("token", opp.SharedToken.String()),
		zap.String("buy_venue", string(venue1)),
		zap.String("sell_venue", string(venue2)),
		zap.Float64("spent", opp.TradeAmount),
		zap.Float64("proceeds", res2.Delivered),
		zap.Float64("profit", rec.ActualProfit),
	)
	return rec
}

// History snapshots the append-only execution log.
func (e *Executor) History() []types.ArbitrageExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.ArbitrageExecution, len(e.history))
	copy(out, e.history)
	return out
}

// Stats derives the running aggregates from history.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Attempts: len(e.history)}
	var totalDur time.Duration
	for _, rec := range e.history {
		if !rec.Executed {
			continue
		}
		s.Successes++
		s.TotalProfit += rec.ActualProfit
		totalDur += rec.Duration
	}
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
	}
	if s.Successes > 0 {
		s.AvgProfit = s.TotalProfit / float64(s.Successes)
		s.AvgDuration = totalDur / time.Duration(s.Successes)
	}
	return s
}
