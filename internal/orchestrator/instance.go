// Package orchestrator owns the lifecycle of strategy instances: the
// per-instance state machine, the reentrancy-guarded tick loop, and the
// sharing of per-user watch tasks across instances.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/broadcast"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/detector"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/discovery"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/execution"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/lp"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/metrics"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/pool"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
)

// Status is a BotInstance lifecycle state.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// legalNext holds the allowed state transitions. Error is reachable from
// starting and running only; stopped is terminal.
var legalNext = map[Status]map[Status]bool{
	StatusStarting: {StatusRunning: true, StatusStopping: true, StatusError: true},
	StatusRunning:  {StatusStopping: true, StatusError: true},
	StatusStopping: {StatusStopped: true},
	StatusStopped:  {},
	StatusError:    {},
}

// Instance is one running strategy bot for one user.
type Instance struct {
	ID        string
	User      string
	StartedAt time.Time

	cfg  *config.Config
	log  *zap.Logger
	feed broadcast.Broadcaster

	amm      *ammModule
	provider *lp.Provider // nil unless the lp module is enabled

	tickMu   sync.Mutex     // reentrancy guard: held for the whole tick body
	ticks    sync.WaitGroup // every tick goroutine the loop has spawned
	stopLoop context.CancelFunc
	loopDone chan struct{}

	mu    sync.Mutex
	state Status
	note  string
	trail []Status
}

// Status returns the current lifecycle state and the degradation note, if any.
func (i *Instance) Status() (Status, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.note
}

// StatusTrail returns every state the instance has passed through, in order.
func (i *Instance) StatusTrail() []Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Status, len(i.trail))
	copy(out, i.trail)
	return out
}

// setStatus applies a transition. Illegal transitions are dropped: in
// particular a stopped instance can never move to error.
func (i *Instance) setStatus(next Status) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !legalNext[i.state][next] {
		i.log.Warn("illegal status transition dropped",
			zap.String("instance", i.ID),
			zap.Stringer("from", i.state),
			zap.Stringer("to", next))
		return false
	}
	i.state = next
	i.trail = append(i.trail, next)
	return true
}

func (i *Instance) fail(err error) {
	if i.setStatus(StatusError) {
		i.mu.Lock()
		i.note = err.Error()
		i.mu.Unlock()
	}
}

func (i *Instance) setNote(note string) {
	i.mu.Lock()
	i.note = note
	i.mu.Unlock()
}

// loop fires ticks on the configured interval until loopCtx is cancelled.
// Each tick runs in its own goroutine; overlap is resolved by runTick's
// guard, so a slow tick makes later ones skip rather than queue. tickCtx
// outlives loopCtx so an in-flight tick can finish after Stop.
func (i *Instance) loop(loopCtx, tickCtx context.Context) {
	defer close(i.loopDone)
	ticker := time.NewTicker(i.cfg.Bot.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			// Registered before the spawn so a stop that races the
			// ticker still waits for this tick.
			i.ticks.Add(1)
			go func() {
				defer i.ticks.Done()
				i.runTick(tickCtx)
			}()
		}
	}
}

// runTick executes one tick body. Returns false when the previous tick was
// still in flight and this one was skipped. The tick never lets its own
// failure escape: the scheduler must survive anything that happens in here.
func (i *Instance) runTick(ctx context.Context) bool {
	if !i.tickMu.TryLock() {
		metrics.TicksSkipped.Inc()
		i.log.Debug("tick skipped: previous tick still running", zap.String("instance", i.ID))
		return false
	}
	defer i.tickMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			i.log.Error("tick panicked", zap.String("instance", i.ID), zap.Any("panic", r))
		}
	}()

	if i.amm != nil {
		if err := i.amm.tick(ctx); err != nil {
			i.log.Warn("amm tick failed", zap.String("instance", i.ID), zap.Error(err))
		}
	}
	if i.provider != nil {
		i.provider.MonitorTick(ctx)
		metrics.PositionsOpen.Set(float64(i.provider.Count()))
	}

	i.feed.Publish(ctx, broadcast.Event{
		Kind:     "status",
		Instance: i.ID,
		User:     i.User,
		Payload:  i.snapshot(),
	})
	return true
}

// waitTick blocks until every spawned tick goroutine has finished and the
// guard is free. Called only after the loop has exited, so no new ticks can
// be registered concurrently.
func (i *Instance) waitTick() {
	i.ticks.Wait()
	i.tickMu.Lock()
	defer i.tickMu.Unlock()
}

func (i *Instance) snapshot() map[string]interface{} {
	state, note := i.Status()
	snap := map[string]interface{}{
		"status":         state.String(),
		"uptime_seconds": time.Since(i.StartedAt).Seconds(),
	}
	if note != "" {
		snap["note"] = note
	}
	if i.amm != nil {
		st := i.amm.exec.Stats()
		snap["attempts"] = st.Attempts
		snap["successes"] = st.Successes
		snap["total_profit_xrp"] = st.TotalProfit
		snap["pools_cached"] = len(i.amm.pools.CachedAll())
	}
	if i.provider != nil {
		snap["positions"] = i.provider.Count()
	}
	return snap
}

// ammModule ties discovery, pool metrics, detection and execution together
// for one instance's arbitrage loop.
type ammModule struct {
	cfg      *config.Config
	instance string
	user     string
	disc     *discovery.Service
	pools    *pool.Engine
	exec     *execution.Executor
	feed     broadcast.Broadcaster
	log      *zap.Logger
}

// tick runs one full scan-detect-execute pass. At most one opportunity is
// executed per tick; the rest wait for fresher metrics next time.
func (m *ammModule) tick(ctx context.Context) error {
	pairs, err := m.disc.Discover(ctx)
	if err != nil {
		metrics.ScanErrors.Inc()
		return fmt.Errorf("discover: %w", err)
	}

	eligible := make([]*types.PoolMetrics, 0, len(pairs))
	for _, pr := range pairs {
		pm, err := m.pools.Compute(ctx, pr)
		if err != nil {
			metrics.ScanErrors.Inc()
			m.log.Debug("pool dropped", zap.String("pair", pr.String()), zap.Error(err))
			continue
		}
		if pm.TVL < m.cfg.Detector.MinTVL || pm.PriceImpact > m.cfg.Detector.MaxPriceImpact {
			continue
		}
		eligible = append(eligible, pm)
	}
	metrics.PoolsTracked.Set(float64(len(eligible)))

	opps := detector.Detect(eligible, m.cfg, m.log)
	if len(opps) == 0 {
		return nil
	}
	metrics.OpportunitiesFound.Add(float64(len(opps)))
	m.feed.Publish(ctx, broadcast.Event{
		Kind: "opportunity", Instance: m.instance, User: m.user,
		Payload: map[string]interface{}{"count": len(opps), "best_profit": opps[0].EstProfit},
	})

	for _, opp := range opps {
		res := m.exec.Execute(ctx, m.user, opp)
		m.feed.Publish(ctx, broadcast.Event{Kind: "execution", Instance: m.instance, User: m.user, Payload: res})
		switch {
		case res.Executed:
			metrics.ExecutionsTotal.WithLabelValues("completed").Inc()
			metrics.ProfitXRP.Add(res.ActualProfit)
			m.feed.Record(ctx, broadcast.Event{Kind: "execution", Instance: m.instance, User: m.user, Payload: res})
			return nil
		case len(res.SettlementRefs) > 0:
			metrics.ExecutionsTotal.WithLabelValues("partial").Inc()
		default:
			metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		}
	}
	return nil
}
