package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/broadcast"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/discovery"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/execution"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/lp"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/pool"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/risk"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/router"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

// Registry owns every running instance and the per-user shared tasks.
// Constructed per run; there is no package-level state.
type Registry struct {
	ledger xrpl.Ledger
	signer types.Signer
	feed   broadcast.Broadcaster
	log    *zap.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	shared    map[sharedKey]*sharedTask
	activity  *risk.ActivityLog
}

func NewRegistry(ledger xrpl.Ledger, signer types.Signer, feed broadcast.Broadcaster, log *zap.Logger) *Registry {
	if feed == nil {
		feed = broadcast.Nop{}
	}
	return &Registry{
		ledger:    ledger,
		signer:    signer,
		feed:      feed,
		log:       log,
		instances: make(map[string]*Instance),
		shared:    make(map[sharedKey]*sharedTask),
	}
}

// Start builds an instance from cfg.Bot.Modules and launches its tick loop.
// With no startable module the instance lands in the error state and the
// error is returned; with a partial set it runs with a degraded note.
func (r *Registry) Start(ctx context.Context, cfg *config.Config, user string) (*Instance, error) {
	inst := &Instance{
		ID:        uuid.NewString(),
		User:      user,
		StartedAt: time.Now(),
		cfg:       cfg,
		log:       r.log,
		feed:      r.feed,
		state:     StatusStarting,
		trail:     []Status{StatusStarting},
		loopDone:  make(chan struct{}),
	}

	enabled := make(map[string]bool, len(cfg.Bot.Modules))
	var failed []string
	for _, mod := range cfg.Bot.Modules {
		switch mod {
		case "amm", "lp", "sniper", "copytrade":
			enabled[mod] = true
		default:
			failed = append(failed, mod)
			r.log.Warn("unknown module requested", zap.String("instance", inst.ID), zap.String("module", mod))
		}
	}

	// One metrics engine per instance: the arbitrage loop and the lp
	// monitor share its cache.
	var pools *pool.Engine
	if enabled["amm"] || enabled["lp"] {
		pools = pool.NewEngine(r.ledger, cfg.Detector.SlippageTarget, r.log)
	}

	// lp first: the guard counts its positions
	if enabled["lp"] {
		inst.provider = lp.NewProvider(cfg, pools, r.signer, r.log)
		inst.provider.OnExit = func(pos *types.LPPosition, action lp.ExitAction, amountA, amountB float64) {
			ev := broadcast.Event{
				Kind: "position", Instance: inst.ID, User: user,
				Payload: map[string]interface{}{
					"pool":     pos.PoolID,
					"pair":     pos.Pair.String(),
					"action":   action.String(),
					"amount_a": amountA,
					"amount_b": amountB,
					"il_pct":   pos.ILPct,
				},
			}
			r.feed.Publish(ctx, ev)
			r.feed.Record(ctx, ev)
		}
	}
	// One guard and one activity log gate every flow that moves funds,
	// arbitrage swaps and lp deposits alike.
	var guard *risk.Guard
	if enabled["amm"] || enabled["lp"] {
		var positions risk.PositionCounter
		if inst.provider != nil {
			positions = inst.provider
		}
		guard = risk.NewGuard(cfg, r.ledger, r.activityLog(cfg), positions, nil, r.log)
	}
	if inst.provider != nil {
		inst.provider.Guard = guard
		inst.provider.Activity = r.activityLog(cfg)
	}
	if enabled["amm"] {
		rt := router.New(r.ledger, r.signer, pools, r.log)
		inst.amm = &ammModule{
			cfg:      cfg,
			instance: inst.ID,
			user:     user,
			disc:     discovery.NewService(cfg, r.ledger, r.log),
			pools:    pools,
			exec:     execution.NewExecutor(cfg, rt, guard, r.activityLog(cfg), r.log),
			feed:     r.feed,
			log:      r.log,
		}
	}
	for _, mod := range []string{"sniper", "copytrade"} {
		if enabled[mod] {
			r.acquireShared(ctx, user, mod, cfg)
		}
	}

	if len(enabled) == 0 {
		err := fmt.Errorf("no strategy module could be started (requested %v)", cfg.Bot.Modules)
		inst.fail(err)
		r.track(inst)
		return inst, err
	}
	if len(failed) > 0 {
		inst.setNote(fmt.Sprintf("degraded: modules %v failed to start", failed))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	inst.stopLoop = cancel
	inst.setStatus(StatusRunning)
	// ticks run against ctx, not loopCtx: stopping clears the timer but
	// lets an in-flight tick finish
	go inst.loop(loopCtx, ctx)

	r.track(inst)
	r.log.Info("instance started",
		zap.String("instance", inst.ID),
		zap.String("user", user),
		zap.Strings("modules", cfg.Bot.Modules))
	return inst, nil
}

func (r *Registry) track(inst *Instance) {
	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
}

// Stop takes the instance through stopping to stopped. The in-flight tick,
// if any, completes first.
func (r *Registry) Stop(id string) error {
	inst, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown instance %s", id)
	}
	state, _ := inst.Status()
	if !inst.setStatus(StatusStopping) {
		return fmt.Errorf("instance %s cannot stop from %s", id, state)
	}

	inst.stopLoop()
	<-inst.loopDone
	inst.waitTick()

	for _, mod := range []string{"sniper", "copytrade"} {
		for _, m := range inst.cfg.Bot.Modules {
			if m == mod {
				r.releaseShared(inst.User, mod)
			}
		}
	}

	inst.setStatus(StatusStopped)
	r.log.Info("instance stopped", zap.String("instance", id))
	return nil
}

// StopAll stops every instance that is still stoppable.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Stop(id); err != nil {
			r.log.Debug("stop skipped", zap.String("instance", id), zap.Error(err))
		}
	}
}

// Get returns a tracked instance by id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Instances returns all tracked instances.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// activityLog lazily creates the one cross-instance trade-rate/loss log.
func (r *Registry) activityLog(cfg *config.Config) *risk.ActivityLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activity == nil {
		r.activity = risk.NewActivityLog(cfg.LogRetention())
	}
	return r.activity
}
