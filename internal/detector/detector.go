// Package detector compares pool pairs sharing a token and emits sized,
// ranked arbitrage opportunities.
package detector

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

const sizeFraction = 0.05 // trade 5% of the limiting liquidity

// Detect scans every unordered pair of pools for profitable price divergence.
// The input set is expected to be pre-filtered by TVL and price impact.
// Results are sorted by profit potential, best first.
func Detect(metrics []*types.PoolMetrics, cfg *config.Config, log *zap.Logger) []types.ArbitrageOpportunity {
	var opps []types.ArbitrageOpportunity
	for i := 0; i < len(metrics); i++ {
		for j := i + 1; j < len(metrics); j++ {
			if opp, ok := evaluatePair(metrics[i], metrics[j], cfg); ok {
				log.Debug("opportunity detected",
					zap.String("token", opp.SharedToken.String()),
					zap.String("buy_pool", opp.BuyPool.PoolID),
					zap.String("sell_pool", opp.SellPool.PoolID),
					zap.Float64("diff", opp.PriceDiff),
					zap.Float64("size", opp.TradeAmount),
				)
				opps = append(opps, opp)
			}
		}
	}
	sort.Slice(opps, func(a, b int) bool { return opps[a].EstProfit > opps[b].EstProfit })
	return opps
}

// sharedToken finds a non-native asset present in both pools. Pools sharing
// only XRP cannot be arbitraged against each other.
func sharedToken(p1, p2 *types.PoolMetrics) (types.Asset, bool) {
	for _, a := range []types.Asset{p1.Pair.A, p1.Pair.B} {
		if a.IsNative() {
			continue
		}
		if _, ok := p2.ReserveOf(a); ok {
			return a, true
		}
	}
	return types.Asset{}, false
}

func evaluatePair(p1, p2 *types.PoolMetrics, cfg *config.Config) (types.ArbitrageOpportunity, bool) {
	token, ok := sharedToken(p1, p2)
	if !ok {
		return types.ArbitrageOpportunity{}, false
	}

	price1, ok := p1.PriceOf(token)
	if !ok {
		return types.ArbitrageOpportunity{}, false
	}
	price2, ok := p2.PriceOf(token)
	if !ok {
		return types.ArbitrageOpportunity{}, false
	}

	// Sanity bounds guard against malformed reserve data, not real markets.
	d := cfg.Detector
	for _, p := range []float64{price1, price2} {
		if p <= 0 || p < d.PriceLowerBound || p > d.PriceUpperBound {
			return types.ArbitrageOpportunity{}, false
		}
	}

	low, high := price1, price2
	buy, sell := p1, p2
	if price2 < price1 {
		low, high = price2, price1
		buy, sell = p2, p1
	}
	diff := (high - low) / low
	if diff > d.MaxDiff {
		// more likely a data error than free money
		return types.ArbitrageOpportunity{}, false
	}
	if diff < cfg.Bot.MinProfitPct {
		return types.ArbitrageOpportunity{}, false
	}

	size := sizeTrade(buy, sell, token, cfg)
	if size < d.MinTradeXRP || size > d.MaxTradeAbsXRP {
		return types.ArbitrageOpportunity{}, false
	}

	return types.ArbitrageOpportunity{
		BuyPool:     buy,
		SellPool:    sell,
		SharedToken: token,
		PriceDiff:   diff,
		EstProfit:   size * diff,
		TradeAmount: size,
		DetectedAt:  time.Now(),
	}, true
}

// sizeTrade takes 5% of the smaller pool's limiting-asset reserve, capped by
// the configured per-trade maximum.
func sizeTrade(buy, sell *types.PoolMetrics, token types.Asset, cfg *config.Config) float64 {
	buyOther, _ := buy.Counterpart(token)
	sellOther, _ := sell.Counterpart(token)
	rBuy, _ := buy.ReserveOf(buyOther)
	rSell, _ := sell.ReserveOf(sellOther)

	limiting := rBuy
	if rSell < limiting {
		limiting = rSell
	}
	size := limiting * sizeFraction
	if size > cfg.Bot.MaxTradeXRP {
		size = cfg.Bot.MaxTradeXRP
	}
	return size
}
