package xrpl

import (
	"context"
	"errors"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

// ErrRateLimited signals the server asked us to slow down. Callers retry with
// backoff; every other error is treated as fatal for the call.
var ErrRateLimited = errors.New("xrpl: rate limited")

// ErrNotFound signals the queried object does not exist on ledger.
var ErrNotFound = errors.New("xrpl: not found")

// AMMState is one pool's on-ledger state as reported by amm_info.
type AMMState struct {
	Account    string // the AMM's pseudo-account, used as the pool id
	AmountA    Amount
	AmountB    Amount
	TradingFee uint32 // ledger units of 1/100000
	LPToken    Amount // total LP tokens outstanding; Asset identifies the LP token
}

// FeeBps converts the ledger fee units into basis points.
func (s *AMMState) FeeBps() uint32 { return s.TradingFee / 10 }

// Offer is one resting order from book_offers, maker's perspective:
// the maker gives TakerGets and wants TakerPays.
type Offer struct {
	TakerPays Amount
	TakerGets Amount
}

// Quality is the maker's price: pays per gets.
func (o Offer) Quality() float64 {
	g := o.TakerGets.Float()
	if g <= 0 {
		return 0
	}
	return o.TakerPays.Float() / g
}

// PathQuote is one path-finding alternative: the minimal source amount the
// ledger computed for the requested destination amount.
type PathQuote struct {
	SourceAmount Amount
	DestAmount   Amount
	PathCount    int
}

// PoolEntry is one AMM ledger entry surfaced by a ledger_data scan.
type PoolEntry struct {
	Account string
	Asset   types.Asset
	Asset2  types.Asset
}

// LedgerPage is one page of a raw-state scan; an empty Marker means the scan
// is complete.
type LedgerPage struct {
	Pools  []PoolEntry
	Marker string
}

// TrustLine is one issued-token balance line from account_lines.
type TrustLine struct {
	Currency string
	Issuer   string
	Balance  float64
}

// Ledger is the narrow query boundary the engine consumes. The websocket
// Client implements it; tests use fakes.
type Ledger interface {
	// AMMInfo returns the pool state for an asset pair, ErrNotFound if no
	// pool exists.
	AMMInfo(ctx context.Context, a, b types.Asset) (*AMMState, error)
	// BookOffers returns resting offers selling gets for pays, best first.
	BookOffers(ctx context.Context, pays, gets types.Asset, limit int) ([]Offer, error)
	// PathFind computes payment routes delivering amountOut of out, funded
	// from in, and returns the cheapest alternative.
	PathFind(ctx context.Context, source string, in, out types.Asset, amountOut float64) (*PathQuote, error)
	// LedgerData pages through raw ledger state filtered to AMM entries.
	LedgerData(ctx context.Context, marker string) (*LedgerPage, error)
	// AccountLines returns the account's issued-token balances.
	AccountLines(ctx context.Context, account string) ([]TrustLine, error)
	// XRPBalance returns the account's spendable native balance.
	XRPBalance(ctx context.Context, account string) (float64, error)
}
