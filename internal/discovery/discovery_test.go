package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

type fakeLedger struct {
	xrpl.Ledger
	ledgerData func(marker string) (*xrpl.LedgerPage, error)
	ammInfo    func(a, b types.Asset) (*xrpl.AMMState, error)
	callTimes  []time.Time
}

func (f *fakeLedger) LedgerData(_ context.Context, marker string) (*xrpl.LedgerPage, error) {
	f.callTimes = append(f.callTimes, time.Now())
	return f.ledgerData(marker)
}

func (f *fakeLedger) AMMInfo(_ context.Context, a, b types.Asset) (*xrpl.AMMState, error) {
	f.callTimes = append(f.callTimes, time.Now())
	return f.ammInfo(a, b)
}

func newScanConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Discovery.Mode = "dynamic"
	cfg.Discovery.PageDelayMs = 5
	cfg.Discovery.MaxRetries = 3
	return cfg
}

func TestScan_PaginatesAndDedupes(t *testing.T) {
	usd := types.Issued("USD", "r1")
	eur := types.Issued("EUR", "r2")

	ledger := &fakeLedger{ledgerData: func(marker string) (*xrpl.LedgerPage, error) {
		switch marker {
		case "":
			return &xrpl.LedgerPage{
				Pools: []xrpl.PoolEntry{
					{Account: "rP1", Asset: types.XRP(), Asset2: usd},
					{Account: "rP2", Asset: usd, Asset2: types.XRP()}, // same pair, reversed
				},
				Marker: "m1",
			}, nil
		case "m1":
			return &xrpl.LedgerPage{
				Pools: []xrpl.PoolEntry{{Account: "rP3", Asset: types.XRP(), Asset2: eur}},
			}, nil
		}
		return nil, fmt.Errorf("unexpected marker %q", marker)
	}}

	svc := NewService(newScanConfig(), ledger, zap.NewNop())
	pairs, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, pairs, 2, "reversed duplicate must collapse")
}

func TestScan_RateLimitRetriesThenPartial(t *testing.T) {
	usd := types.Issued("USD", "r1")
	ledger := &fakeLedger{}
	ledger.ledgerData = func(marker string) (*xrpl.LedgerPage, error) {
		if marker == "" {
			return &xrpl.LedgerPage{
				Pools:  []xrpl.PoolEntry{{Account: "rP1", Asset: types.XRP(), Asset2: usd}},
				Marker: "m1",
			}, nil
		}
		return nil, fmt.Errorf("server busy: %w", xrpl.ErrRateLimited)
	}

	svc := NewService(newScanConfig(), ledger, zap.NewNop())
	pairs, err := svc.Scan(context.Background())
	require.NoError(t, err, "exhausted retries degrade to a partial result, not an error")
	assert.Len(t, pairs, 1)

	// page 1 + the rate-limited page tried MaxRetries times
	require.Len(t, ledger.callTimes, 4)

	// retry delays strictly increase (doubling backoff)
	d1 := ledger.callTimes[2].Sub(ledger.callTimes[1])
	d2 := ledger.callTimes[3].Sub(ledger.callTimes[2])
	assert.Greater(t, d2, d1)
}

func TestScan_FatalErrorStopsRetrying(t *testing.T) {
	ledger := &fakeLedger{ledgerData: func(marker string) (*xrpl.LedgerPage, error) {
		return nil, fmt.Errorf("malformed response")
	}}
	svc := NewService(newScanConfig(), ledger, zap.NewNop())
	pairs, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
	assert.Len(t, ledger.callTimes, 1, "non-retryable errors must not be retried")
}

func TestCurated_Dedupes(t *testing.T) {
	cfg := &config.Config{}
	cfg.Discovery.Curated = []config.PairCfg{
		{A: config.AssetCfg{}, B: config.AssetCfg{Currency: "USD", Issuer: "r1"}},
		{A: config.AssetCfg{Currency: "USD", Issuer: "r1"}, B: config.AssetCfg{}},
		{A: config.AssetCfg{}, B: config.AssetCfg{Currency: "EUR", Issuer: "r2"}},
	}
	svc := NewService(cfg, &fakeLedger{}, zap.NewNop())
	assert.Len(t, svc.Curated(), 2)
}

func TestProbeKnown_SkipsMissingPools(t *testing.T) {
	cfg := newScanConfig()
	cfg.Discovery.Mode = "legacy"
	cfg.Discovery.KnownTokens = []config.AssetCfg{
		{Currency: "USD", Issuer: "r1"},
		{Currency: "EUR", Issuer: "r2"},
	}

	ledger := &fakeLedger{ammInfo: func(a, b types.Asset) (*xrpl.AMMState, error) {
		if b.Currency == "EUR" {
			return nil, fmt.Errorf("no pool: %w", xrpl.ErrNotFound)
		}
		return &xrpl.AMMState{Account: "rP1"}, nil
	}}

	svc := NewService(cfg, ledger, zap.NewNop())
	pairs, err := svc.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "USD", pairs[0].B.Currency)
}
