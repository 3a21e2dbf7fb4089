// Package router picks the best of several execution venues for one
// directional trade: computed payment paths, the direct AMM, or the
// on-ledger order book.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/pool"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

type Venue string

const (
	VenuePathFind  Venue = "pathfind"
	VenueAMM       Venue = "amm"
	VenueOrderBook Venue = "orderbook"
)

// Quote is one venue's expected output for the intent's fixed input.
type Quote struct {
	Venue Venue
	Out   float64
}

// Router queries all venues in parallel and routes execution to the winner,
// falling back to the direct AMM when the winner fails at submission.
type Router struct {
	ledger xrpl.Ledger
	signer types.Signer
	pools  *pool.Engine
	log    *zap.Logger
}

func New(ledger xrpl.Ledger, signer types.Signer, pools *pool.Engine, log *zap.Logger) *Router {
	return &Router{ledger: ledger, signer: signer, pools: pools, log: log}
}

// Quote returns the best venue quote plus every venue quote that succeeded.
func (r *Router) Quote(ctx context.Context, intent types.TradeIntent) (Quote, []Quote, error) {
	// The AMM quote is local arithmetic and anchors the path-find target.
	ammOut, ammErr := r.quoteAMM(intent)

	var pathOut, bookOut float64
	var pathErr, bookErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pathOut, pathErr = r.quotePath(gctx, intent, ammOut)
		return nil // a venue failing is not fatal to the comparison
	})
	g.Go(func() error {
		bookOut, bookErr = r.quoteBook(gctx, intent)
		return nil
	})
	_ = g.Wait()

	var quotes []Quote
	if ammErr == nil {
		quotes = append(quotes, Quote{Venue: VenueAMM, Out: ammOut})
	}
	if pathErr == nil {
		quotes = append(quotes, Quote{Venue: VenuePathFind, Out: pathOut})
	}
	if bookErr == nil {
		quotes = append(quotes, Quote{Venue: VenueOrderBook, Out: bookOut})
	}
	if len(quotes) == 0 {
		return Quote{}, nil, fmt.Errorf("no venue quoted %s: amm: %v; path: %v; book: %v",
			intent, ammErr, pathErr, bookErr)
	}

	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Out > best.Out {
			best = q
		}
	}
	r.log.Debug("venues quoted",
		zap.String("intent", intent.String()),
		zap.String("best", string(best.Venue)),
		zap.Float64("out", best.Out),
		zap.Int("venues", len(quotes)),
	)
	return best, quotes, nil
}

// Execute submits through the winning venue; a transactional failure there
// falls back to the direct AMM, the most available venue.
func (r *Router) Execute(ctx context.Context, intent types.TradeIntent) (*types.SubmitResult, Venue, error) {
	best, _, err := r.Quote(ctx, intent)
	if err != nil {
		return nil, "", err
	}

	res, err := r.signer.SubmitSwap(ctx, intent, string(best.Venue))
	if err == nil {
		return res, best.Venue, nil
	}
	if best.Venue == VenueAMM {
		return nil, best.Venue, err
	}

	r.log.Warn("venue submission failed, falling back to AMM",
		zap.String("venue", string(best.Venue)), zap.Error(err))
	res, fbErr := r.signer.SubmitSwap(ctx, intent, string(VenueAMM))
	if fbErr != nil {
		return nil, VenueAMM, fmt.Errorf("%s failed (%v); amm fallback: %w", best.Venue, err, fbErr)
	}
	return res, VenueAMM, nil
}

// quoteAMM applies the constant-product formula, less the trading fee, to the
// cached reserves of the intent's pool.
func (r *Router) quoteAMM(intent types.TradeIntent) (float64, error) {
	m, ok := r.pools.Cached(intent.PoolID)
	if !ok {
		return 0, fmt.Errorf("pool %s not in metrics cache", intent.PoolID)
	}
	rIn, ok := m.ReserveOf(intent.In)
	if !ok {
		return 0, fmt.Errorf("pool %s does not hold %s", intent.PoolID, intent.In)
	}
	rOut, ok := m.ReserveOf(intent.Out)
	if !ok {
		return 0, fmt.Errorf("pool %s does not hold %s", intent.PoolID, intent.Out)
	}
	if rIn <= 0 || rOut <= 0 {
		return 0, fmt.Errorf("pool %s has empty reserves", intent.PoolID)
	}
	effIn := intent.AmountIn * (1 - float64(m.FeeBps)/10000.0)
	out := rOut - (rIn*rOut)/(rIn+effIn)
	if out <= 0 {
		return 0, fmt.Errorf("pool %s cannot fill %f", intent.PoolID, intent.AmountIn)
	}
	return out, nil
}

// quotePath asks the ledger for a payment route delivering targetOut and
// scales the answer to the intent's fixed input.
func (r *Router) quotePath(ctx context.Context, intent types.TradeIntent, targetOut float64) (float64, error) {
	if targetOut <= 0 {
		return 0, errors.New("no path target")
	}
	pq, err := r.ledger.PathFind(ctx, r.signer.Address(), intent.In, intent.Out, targetOut)
	if err != nil {
		return 0, err
	}
	required := pq.SourceAmount.Float()
	if required <= 0 {
		return 0, errors.New("path quote with zero source amount")
	}
	return targetOut * intent.AmountIn / required, nil
}

// quoteBook walks resting offers best-priced first until the input budget is
// spent, producing a volume-weighted fill.
func (r *Router) quoteBook(ctx context.Context, intent types.TradeIntent) (float64, error) {
	offers, err := r.ledger.BookOffers(ctx, intent.In, intent.Out, 20)
	if err != nil {
		return 0, err
	}
	if len(offers) == 0 {
		return 0, fmt.Errorf("empty book for %s", intent)
	}

	// lowest quality = fewest In per Out = best price for the taker
	sort.Slice(offers, func(i, j int) bool { return offers[i].Quality() < offers[j].Quality() })

	budget := intent.AmountIn
	total := 0.0
	for _, o := range offers {
		if budget <= 0 {
			break
		}
		price := o.Quality()
		if price <= 0 {
			continue
		}
		avail := o.TakerGets.Float()
		cost := avail * price
		if cost > budget {
			avail = budget / price
			cost = budget
		}
		total += avail
		budget -= cost
	}
	if total <= 0 {
		return 0, fmt.Errorf("book cannot fill %s", intent)
	}
	return total, nil
}
