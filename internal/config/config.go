package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

// AssetCfg is the YAML form of an asset. An empty issuer means XRP.
type AssetCfg struct {
	Currency string `yaml:"currency"`
	Issuer   string `yaml:"issuer"`
}

func (a AssetCfg) Asset() types.Asset {
	if a.Issuer == "" {
		return types.XRP()
	}
	return types.Issued(a.Currency, a.Issuer)
}

// PairCfg is a curated pool pair.
type PairCfg struct {
	A AssetCfg `yaml:"a"`
	B AssetCfg `yaml:"b"`
}

func (p PairCfg) Pair() types.PoolPair {
	return types.PoolPair{A: p.A.Asset(), B: p.B.Asset()}
}

// BotConfig is the per-instance strategy configuration.
type BotConfig struct {
	MinProfitPct   float64  `yaml:"min_profit_pct"` // 0.01 = 1%
	MaxTradeXRP    float64  `yaml:"max_trade_xrp"`
	TickIntervalMs int      `yaml:"tick_interval_ms"`
	TargetAPR      float64  `yaml:"target_apr"`
	MaxPositions   int      `yaml:"max_positions"`
	RiskTier       string   `yaml:"risk_tier"` // conservative | moderate | aggressive
	Modules        []string `yaml:"modules"`   // amm, lp, sniper, copytrade
}

func (b BotConfig) TickInterval() time.Duration {
	return time.Duration(b.TickIntervalMs) * time.Millisecond
}

type Config struct {
	DryRun  bool   `yaml:"dry_run"` // simulate submissions instead of signing
	Account string `yaml:"account"` // user address the strategies run for

	Node struct {
		URL string `yaml:"url"`
	} `yaml:"node"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
	} `yaml:"redis"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Discovery struct {
		Mode        string     `yaml:"mode"` // curated | dynamic | legacy
		PageDelayMs int        `yaml:"page_delay_ms"`
		MaxRetries  int        `yaml:"max_retries"`
		Curated     []PairCfg  `yaml:"curated"`
		KnownTokens []AssetCfg `yaml:"known_tokens"`
	} `yaml:"discovery"`

	Detector struct {
		MinTVL          float64 `yaml:"min_tvl"`
		MaxPriceImpact  float64 `yaml:"max_price_impact"`
		SlippageTarget  float64 `yaml:"slippage_target"`
		PriceLowerBound float64 `yaml:"price_lower_bound"`
		PriceUpperBound float64 `yaml:"price_upper_bound"`
		MaxDiff         float64 `yaml:"max_diff"`
		MinTradeXRP     float64 `yaml:"min_trade_xrp"`
		MaxTradeAbsXRP  float64 `yaml:"max_trade_abs_xrp"`
	} `yaml:"detector"`

	Executor struct {
		SettlementDelayMs int `yaml:"settlement_delay_ms"`
	} `yaml:"executor"`

	LP struct {
		ExitILPct        float64 `yaml:"exit_il_pct"` // exit below this, e.g. -10
		UnderperformDays float64 `yaml:"underperform_days"`
		OverperformDays  float64 `yaml:"overperform_days"`
	} `yaml:"lp"`

	Watch struct {
		PollMs         int      `yaml:"poll_ms"`         // sniper/copy-trade poll interval
		FollowAccounts []string `yaml:"follow_accounts"` // accounts mirrored by copy-trade
	} `yaml:"watch"`

	Risk struct {
		ReserveXRP       float64 `yaml:"reserve_xrp"` // never spendable
		MaxTradesPerHour int     `yaml:"max_trades_per_hour"`
		MaxDailyLossXRP  float64 `yaml:"max_daily_loss_xrp"`
		LogRetentionMin  int     `yaml:"log_retention_min"`
	} `yaml:"risk"`

	Bot BotConfig `yaml:"bot"`
}

func (c *Config) SettlementDelay() time.Duration {
	return time.Duration(c.Executor.SettlementDelayMs) * time.Millisecond
}

func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.Discovery.PageDelayMs) * time.Millisecond
}

func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.Risk.LogRetentionMin) * time.Minute
}

func (c *Config) WatchPoll() time.Duration {
	return time.Duration(c.Watch.PollMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Discovery.Mode == "" {
		c.Discovery.Mode = "curated"
	}
	if c.Discovery.PageDelayMs == 0 {
		c.Discovery.PageDelayMs = 500
	}
	if c.Discovery.MaxRetries == 0 {
		c.Discovery.MaxRetries = 3
	}
	if c.Detector.MinTVL == 0 {
		c.Detector.MinTVL = 1000
	}
	if c.Detector.MaxPriceImpact == 0 {
		c.Detector.MaxPriceImpact = 0.05
	}
	if c.Detector.SlippageTarget == 0 {
		c.Detector.SlippageTarget = 0.01
	}
	if c.Detector.PriceLowerBound == 0 {
		c.Detector.PriceLowerBound = 1e-8
	}
	if c.Detector.PriceUpperBound == 0 {
		c.Detector.PriceUpperBound = 1e8
	}
	if c.Detector.MaxDiff == 0 {
		c.Detector.MaxDiff = 0.5
	}
	if c.Detector.MinTradeXRP == 0 {
		c.Detector.MinTradeXRP = 0.1
	}
	if c.Detector.MaxTradeAbsXRP == 0 {
		c.Detector.MaxTradeAbsXRP = 10000
	}
	if c.Executor.SettlementDelayMs == 0 {
		c.Executor.SettlementDelayMs = 4000 // one ledger close
	}
	if c.LP.ExitILPct == 0 {
		c.LP.ExitILPct = -10
	}
	if c.LP.UnderperformDays == 0 {
		c.LP.UnderperformDays = 7
	}
	if c.LP.OverperformDays == 0 {
		c.LP.OverperformDays = 3
	}
	if c.Watch.PollMs == 0 {
		c.Watch.PollMs = 10000
	}
	if c.Risk.ReserveXRP == 0 {
		c.Risk.ReserveXRP = 10
	}
	if c.Risk.MaxTradesPerHour == 0 {
		c.Risk.MaxTradesPerHour = 30
	}
	if c.Risk.LogRetentionMin == 0 {
		c.Risk.LogRetentionMin = 24 * 60
	}
	if c.Bot.MinProfitPct == 0 {
		c.Bot.MinProfitPct = 0.01
	}
	if c.Bot.MaxTradeXRP == 0 {
		c.Bot.MaxTradeXRP = 100
	}
	if c.Bot.TickIntervalMs == 0 {
		c.Bot.TickIntervalMs = 30000
	}
	if c.Bot.TargetAPR == 0 {
		c.Bot.TargetAPR = 0.10
	}
	if c.Bot.MaxPositions == 0 {
		c.Bot.MaxPositions = 5
	}
	if c.Bot.RiskTier == "" {
		c.Bot.RiskTier = "moderate"
	}
	if len(c.Bot.Modules) == 0 {
		c.Bot.Modules = []string{"amm"}
	}
}

// Validate rejects invalid policy values before any side effect.
func (c *Config) Validate() error {
	if c.Bot.MinProfitPct <= 0 {
		return fmt.Errorf("config: min_profit_pct must be positive, got %f", c.Bot.MinProfitPct)
	}
	if c.Bot.MaxTradeXRP <= 0 {
		return fmt.Errorf("config: max_trade_xrp must be positive, got %f", c.Bot.MaxTradeXRP)
	}
	if c.Bot.TickIntervalMs <= 0 {
		return fmt.Errorf("config: tick_interval_ms must be positive, got %d", c.Bot.TickIntervalMs)
	}
	if c.Bot.TargetAPR <= 0 {
		return fmt.Errorf("config: target_apr must be positive, got %f", c.Bot.TargetAPR)
	}
	if c.Bot.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive, got %d", c.Bot.MaxPositions)
	}
	switch c.Bot.RiskTier {
	case "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("config: unknown risk_tier %q", c.Bot.RiskTier)
	}
	if c.Detector.MinTradeXRP >= c.Detector.MaxTradeAbsXRP {
		return fmt.Errorf("config: min_trade_xrp %f must be below max_trade_abs_xrp %f",
			c.Detector.MinTradeXRP, c.Detector.MaxTradeAbsXRP)
	}
	if c.LP.ExitILPct >= 0 {
		return fmt.Errorf("config: exit_il_pct must be negative, got %f", c.LP.ExitILPct)
	}
	switch c.Discovery.Mode {
	case "curated", "dynamic", "legacy":
	default:
		return fmt.Errorf("config: unknown discovery mode %q", c.Discovery.Mode)
	}
	return nil
}
