// Package discovery enumerates candidate AMM pools, either from a curated
// list, a paginated full-ledger scan, or a legacy known-token probe.
package discovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/retry"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

// Service handles the discovery of candidate pool pairs.
type Service struct {
	cfg     *config.Config
	ledger  xrpl.Ledger
	log     *zap.Logger
	backoff retry.Policy
}

func NewService(cfg *config.Config, ledger xrpl.Ledger, log *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		ledger: ledger,
		log:    log,
		backoff: retry.Policy{
			MaxAttempts: cfg.Discovery.MaxRetries,
			Initial:     cfg.PageDelay(),
			Factor:      2,
			Classify: func(err error) bool {
				return errors.Is(err, xrpl.ErrRateLimited)
			},
		},
	}
}

// Discover runs the configured mode.
func (s *Service) Discover(ctx context.Context) ([]types.PoolPair, error) {
	switch s.cfg.Discovery.Mode {
	case "dynamic":
		return s.Scan(ctx)
	case "legacy":
		return s.ProbeKnown(ctx)
	default:
		return s.Curated(), nil
	}
}

// Curated returns the maintained candidate list, de-duplicated.
func (s *Service) Curated() []types.PoolPair {
	seen := make(map[string]struct{}, len(s.cfg.Discovery.Curated))
	out := make([]types.PoolPair, 0, len(s.cfg.Discovery.Curated))
	for _, pc := range s.cfg.Discovery.Curated {
		p := pc.Pair()
		if _, dup := seen[p.Key()]; dup {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Scan pages the ledger's raw state for AMM entries. Rate-limit responses are
// retried with doubling backoff; when a page's retries are exhausted the scan
// stops and returns what it already collected rather than failing whole.
func (s *Service) Scan(ctx context.Context) ([]types.PoolPair, error) {
	s.log.Info("starting dynamic pool scan")

	seen := make(map[string]struct{}, 256)
	var pairs []types.PoolPair
	marker := ""

	for {
		var page *xrpl.LedgerPage
		err := s.backoff.Do(ctx, func(ctx context.Context) error {
			p, err := s.ledger.LedgerData(ctx, marker)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return pairs, ctx.Err()
			}
			s.log.Warn("ledger scan page failed, returning partial set",
				zap.Int("collected", len(pairs)), zap.Error(err))
			return pairs, nil
		}

		for _, e := range page.Pools {
			p := types.PoolPair{A: e.Asset, B: e.Asset2}
			if _, dup := seen[p.Key()]; dup {
				continue
			}
			seen[p.Key()] = struct{}{}
			pairs = append(pairs, p)
		}

		if page.Marker == "" {
			break
		}
		marker = page.Marker

		// fixed pacing between pages, independent of backoff
		select {
		case <-ctx.Done():
			return pairs, ctx.Err()
		case <-time.After(s.cfg.PageDelay()):
		}
	}

	s.log.Info("dynamic pool scan finished", zap.Int("pools", len(pairs)))
	return pairs, nil
}

// ProbeKnown checks pool existence for each configured token against XRP, one
// at a time. For environments where full-ledger scanning is unavailable.
func (s *Service) ProbeKnown(ctx context.Context) ([]types.PoolPair, error) {
	var pairs []types.PoolPair
	for _, tc := range s.cfg.Discovery.KnownTokens {
		token := tc.Asset()
		if token.IsNative() {
			continue
		}
		pair := types.PoolPair{A: types.XRP(), B: token}

		err := s.backoff.Do(ctx, func(ctx context.Context) error {
			_, err := s.ledger.AMMInfo(ctx, pair.A, pair.B)
			return err
		})
		switch {
		case err == nil:
			pairs = append(pairs, pair)
		case errors.Is(err, xrpl.ErrNotFound):
			// no pool for this token, move on
		case ctx.Err() != nil:
			return pairs, ctx.Err()
		default:
			s.log.Debug("token probe failed", zap.String("token", token.String()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return pairs, ctx.Err()
		case <-time.After(s.cfg.PageDelay()):
		}
	}
	return pairs, nil
}
