package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OpportunitiesFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amm_opportunities_total",
		Help: "Arbitrage opportunities detected across all scans",
	})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_executions_total",
		Help: "Arbitrage executions by outcome",
	}, []string{"status"}) // completed | partial | failed

	ProfitXRP = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amm_profit_xrp_total",
		Help: "Cumulative realized arbitrage profit in XRP",
	})

	PoolsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amm_pools_tracked",
		Help: "Pools currently cached by the metrics engine",
	})

	PositionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amm_lp_positions_open",
		Help: "Open liquidity positions",
	})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "amm_tick_duration_seconds",
		Help:    "Time spent in one orchestrator tick",
		Buckets: prometheus.DefBuckets,
	})

	TicksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amm_ticks_skipped_total",
		Help: "Ticks skipped because the previous one was still running",
	})

	ScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amm_scan_errors_total",
		Help: "Ledger query failures during discovery and scanning",
	})
)

func init() {
	prometheus.MustRegister(
		OpportunitiesFound,
		ExecutionsTotal,
		ProfitXRP,
		PoolsTracked,
		PositionsOpen,
		TickDuration,
		TicksSkipped,
		ScanErrors,
	)
}
