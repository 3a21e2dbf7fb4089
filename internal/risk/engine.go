// Package risk holds the pre-trade policy guard and the per-user activity log
// it reads. The log is the one deliberately shared piece of state: any
// strategy for a user appends to it, the guard reads it before every trade.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

// ErrDenied wraps every guard rejection so callers can classify it.
var ErrDenied = errors.New("risk: denied")

type activity struct {
	at   time.Time
	loss float64 // realized loss in XRP, 0 for break-even or profit
}

// ActivityLog records trades and losses per user, pruned by age. Safe for
// concurrent append and read.
type ActivityLog struct {
	retention time.Duration

	mu      sync.Mutex
	entries map[string][]activity
}

func NewActivityLog(retention time.Duration) *ActivityLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &ActivityLog{retention: retention, entries: make(map[string][]activity)}
}

// Record appends one trade outcome for the user. Pass the realized loss as a
// positive number; profitable trades record zero loss.
func (l *ActivityLog) Record(user string, loss float64) {
	if loss < 0 {
		loss = 0
	}
	l.mu.Lock()
	l.entries[user] = append(l.prune(user), activity{at: time.Now(), loss: loss})
	l.mu.Unlock()
}

// TradesWithin counts the user's trades inside the window.
func (l *ActivityLog) TradesWithin(user string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.prune(user) {
		if e.at.After(cutoff) {
			n++
		}
	}
	return n
}

// LossWithin sums the user's realized losses inside the window.
func (l *ActivityLog) LossWithin(user string, window time.Duration) float64 {
	cutoff := time.Now().Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, e := range l.prune(user) {
		if e.at.After(cutoff) {
			total += e.loss
		}
	}
	return total
}

// prune drops entries past retention. Callers hold the lock.
func (l *ActivityLog) prune(user string) []activity {
	cutoff := time.Now().Add(-l.retention)
	kept := l.entries[user][:0]
	for _, e := range l.entries[user] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries[user] = kept
	return kept
}

// PositionCounter reports how many LP positions an instance currently holds.
type PositionCounter interface {
	Count() int
}

// Approver is an optional external decision layer consulted last.
type Approver interface {
	Approve(ctx context.Context, user string, intent types.TradeIntent) error
}

// Guard runs every pre-trade safety check: rate policy, loss policy, balance
// sufficiency, position limit, risk-tier cap, and the external approver.
type Guard struct {
	cfg       *config.Config
	ledger    xrpl.Ledger
	log       *ActivityLog
	positions PositionCounter
	approver  Approver
	zlog      *zap.Logger
}

func NewGuard(cfg *config.Config, ledger xrpl.Ledger, log *ActivityLog, positions PositionCounter, approver Approver, zlog *zap.Logger) *Guard {
	return &Guard{cfg: cfg, ledger: ledger, log: log, positions: positions, approver: approver, zlog: zlog}
}

// tierCap scales the per-trade maximum by risk tier.
func tierCap(tier string, maxTrade float64) float64 {
	switch tier {
	case "conservative":
		return maxTrade * 0.25
	case "aggressive":
		return maxTrade
	default: // moderate
		return maxTrade * 0.5
	}
}

// Allow returns nil when the trade may proceed, or an error wrapping
// ErrDenied with the refusal reason. Denials happen before any submission.
func (g *Guard) Allow(ctx context.Context, user string, intent types.TradeIntent) error {
	if intent.AmountIn <= 0 {
		return fmt.Errorf("%w: non-positive amount %f", ErrDenied, intent.AmountIn)
	}

	if limit := tierCap(g.cfg.Bot.RiskTier, g.cfg.Bot.MaxTradeXRP); intent.AmountIn > limit {
		return fmt.Errorf("%w: amount %.6f exceeds %s tier cap %.6f",
			ErrDenied, intent.AmountIn, g.cfg.Bot.RiskTier, limit)
	}

	if n := g.log.TradesWithin(user, time.Hour); n >= g.cfg.Risk.MaxTradesPerHour {
		return fmt.Errorf("%w: %d trades in the last hour (limit %d)",
			ErrDenied, n, g.cfg.Risk.MaxTradesPerHour)
	}

	if g.cfg.Risk.MaxDailyLossXRP > 0 {
		if loss := g.log.LossWithin(user, 24*time.Hour); loss >= g.cfg.Risk.MaxDailyLossXRP {
			return fmt.Errorf("%w: daily loss %.6f reached limit %.6f",
				ErrDenied, loss, g.cfg.Risk.MaxDailyLossXRP)
		}
	}

	if g.positions != nil && g.positions.Count() >= g.cfg.Bot.MaxPositions {
		return fmt.Errorf("%w: position limit %d reached", ErrDenied, g.cfg.Bot.MaxPositions)
	}

	if err := g.checkBalance(ctx, user, intent); err != nil {
		return err
	}

	if g.approver != nil {
		if err := g.approver.Approve(ctx, user, intent); err != nil {
			return fmt.Errorf("%w: approver: %v", ErrDenied, err)
		}
	}
	return nil
}

func (g *Guard) checkBalance(ctx context.Context, user string, intent types.TradeIntent) error {
	if intent.In.IsNative() {
		bal, err := g.ledger.XRPBalance(ctx, user)
		if err != nil {
			return fmt.Errorf("%w: balance check failed: %v", ErrDenied, err)
		}
		spendable := bal - g.cfg.Risk.ReserveXRP
		if spendable < intent.AmountIn {
			return fmt.Errorf("%w: spendable %.6f XRP below trade %.6f",
				ErrDenied, spendable, intent.AmountIn)
		}
		return nil
	}

	lines, err := g.ledger.AccountLines(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: balance check failed: %v", ErrDenied, err)
	}
	for _, l := range lines {
		if l.Currency == intent.In.Currency && l.Issuer == intent.In.Issuer {
			if l.Balance < intent.AmountIn {
				return fmt.Errorf("%w: %s balance %.6f below trade %.6f",
					ErrDenied, intent.In, l.Balance, intent.AmountIn)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no %s trust line", ErrDenied, intent.In)
}
