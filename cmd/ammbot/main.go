package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/broadcast"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/metrics"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/orchestrator"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/types"
	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/xrpl"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return cfg.Build()
}

// applyEnv lets secrets override the YAML file.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("NODE_URL"); v != "" {
		cfg.Node.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ACCOUNT"); v != "" {
		cfg.Account = v
	}
}

// dryRunSigner simulates perfect fills without touching a key. Real signing
// lives outside this process and is injected the same way.
type dryRunSigner struct {
	account string
	log     *zap.Logger
}

func (s *dryRunSigner) Address() string { return s.account }

func (s *dryRunSigner) SubmitSwap(_ context.Context, intent types.TradeIntent, venue string) (*types.SubmitResult, error) {
	s.log.Info("dry-run swap",
		zap.String("in", intent.In.String()),
		zap.String("out", intent.Out.String()),
		zap.Float64("amount_in", intent.AmountIn),
		zap.String("venue", venue))
	// par fill: good enough to exercise the two-leg flow without a key
	return &types.SubmitResult{Ref: "dryrun-" + uuid.NewString(), Delivered: intent.AmountIn}, nil
}

func (s *dryRunSigner) SubmitDeposit(_ context.Context, poolID string, pair types.PoolPair, amountA, amountB float64) (*types.SubmitResult, error) {
	s.log.Info("dry-run deposit",
		zap.String("pool", poolID),
		zap.String("pair", pair.String()),
		zap.Float64("amount_a", amountA),
		zap.Float64("amount_b", amountB))
	return nil, fmt.Errorf("dry-run: deposits are not simulated")
}

func (s *dryRunSigner) SubmitWithdraw(_ context.Context, poolID string, pair types.PoolPair, lpAmount decimal.Decimal) (*types.SubmitResult, error) {
	s.log.Info("dry-run withdraw",
		zap.String("pool", poolID),
		zap.String("pair", pair.String()),
		zap.String("lp_amount", lpAmount.String()))
	return nil, fmt.Errorf("dry-run: withdrawals are not simulated")
}

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	_ = godotenv.Load() // optional .env, real env still wins

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	applyEnv(cfg)
	if cfg.Node.URL == "" {
		logger.Fatal("node.url is empty")
	}
	if cfg.Account == "" {
		logger.Fatal("account is empty")
	}
	if !cfg.DryRun {
		logger.Fatal("no signer configured: key custody is external, run with dry_run: true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	ledger := xrpl.NewClient(cfg.Node.URL, logger)
	defer ledger.Close()

	var feed broadcast.Broadcaster = broadcast.Nop{}
	if cfg.Redis.Addr != "" {
		pub := broadcast.NewPublisher(cfg, logger)
		defer pub.Close()
		feed = pub
	}

	signer := &dryRunSigner{account: cfg.Account, log: logger}
	registry := orchestrator.NewRegistry(ledger, signer, feed, logger)

	inst, err := registry.Start(ctx, cfg, cfg.Account)
	if err != nil {
		logger.Fatal("instance start failed", zap.Error(err))
	}
	logger.Info("bot started",
		zap.String("instance", inst.ID),
		zap.String("account", cfg.Account),
		zap.Strings("modules", cfg.Bot.Modules),
		zap.Bool("dry_run", cfg.DryRun))

	// Periodic heartbeat over every tracked instance.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, in := range registry.Instances() {
					state, note := in.Status()
					logger.Info("instance status",
						zap.String("instance", in.ID),
						zap.Stringer("state", state),
						zap.String("note", note))
				}
			}
		}
	}()

	<-ctx.Done()
	registry.StopAll()
	logger.Info("bot finished")
}
