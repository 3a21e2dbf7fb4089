package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/broadcast"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/discovery"
)

// Sniper and copy-trade watchers are shared per user: the first instance
// that wants one starts it, the last one to stop tears it down.

type sharedKey struct {
	user string
	kind string
}

type sharedTask struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Registry) acquireShared(ctx context.Context, user, kind string, cfg *config.Config) {
	key := sharedKey{user: user, kind: kind}
	r.mu.Lock()
	if t, ok := r.shared[key]; ok {
		t.refs++
		r.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &sharedTask{refs: 1, cancel: cancel, done: make(chan struct{})}
	r.shared[key] = t
	r.mu.Unlock()

	switch kind {
	case "sniper":
		go r.runSniper(tctx, user, cfg, t.done)
	case "copytrade":
		go r.runCopyTrade(tctx, user, cfg, t.done)
	}
	r.log.Info("shared task started", zap.String("user", user), zap.String("kind", kind))
}

func (r *Registry) releaseShared(user, kind string) {
	key := sharedKey{user: user, kind: kind}
	r.mu.Lock()
	t, ok := r.shared[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.shared, key)
	r.mu.Unlock()

	t.cancel()
	<-t.done
	r.log.Info("shared task stopped", zap.String("user", user), zap.String("kind", kind))
}

func (r *Registry) sharedRefs(user, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.shared[sharedKey{user: user, kind: kind}]
	if !ok {
		return 0
	}
	return t.refs
}

// runSniper watches discovery output for pools that were not there on the
// previous poll and announces each sighting once.
func (r *Registry) runSniper(ctx context.Context, user string, cfg *config.Config, done chan struct{}) {
	defer close(done)
	disc := discovery.NewService(cfg, r.ledger, r.log)
	seen := make(map[string]bool)
	first := true
	ticker := time.NewTicker(cfg.WatchPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pairs, err := disc.Discover(ctx)
		if err != nil {
			r.log.Debug("sniper poll failed", zap.String("user", user), zap.Error(err))
			continue
		}
		for _, pr := range pairs {
			if seen[pr.Key()] {
				continue
			}
			seen[pr.Key()] = true
			if first {
				continue // baseline poll, nothing is new yet
			}
			r.log.Info("new pool sighted", zap.String("user", user), zap.String("pair", pr.String()))
			r.feed.Publish(ctx, broadcast.Event{
				Kind: "pool_sighted", User: user,
				Payload: map[string]string{"pair": pr.String()},
			})
		}
		first = false
	}
}

// runCopyTrade polls the trust lines of the followed accounts and emits a
// signal for every balance change, which downstream consumers may mirror.
func (r *Registry) runCopyTrade(ctx context.Context, user string, cfg *config.Config, done chan struct{}) {
	defer close(done)
	last := make(map[string]map[string]float64, len(cfg.Watch.FollowAccounts))
	ticker := time.NewTicker(cfg.WatchPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, acct := range cfg.Watch.FollowAccounts {
			lines, err := r.ledger.AccountLines(ctx, acct)
			if err != nil {
				r.log.Debug("copy-trade poll failed", zap.String("account", acct), zap.Error(err))
				continue
			}
			prev := last[acct]
			cur := make(map[string]float64, len(lines))
			for _, ln := range lines {
				key := ln.Currency + "." + ln.Issuer
				cur[key] = ln.Balance
				if prev == nil {
					continue // baseline poll for this account
				}
				if delta := ln.Balance - prev[key]; delta != 0 {
					r.feed.Publish(ctx, broadcast.Event{
						Kind: "trade_signal", User: user,
						Payload: map[string]interface{}{
							"account": acct, "asset": key, "delta": delta,
						},
					})
				}
			}
			last[acct] = cur
		}
	}
}
