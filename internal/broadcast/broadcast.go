// Package broadcast pushes execution and position events to an external
// feed so dashboards and downstream consumers can follow the bot live.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JayNisbett/xrpl-trading-bot-sub000/internal/config"
)

// Event is a single feed entry. Payload is event-specific and must be
// JSON-serializable.
type Event struct {
	Kind     string      `json:"kind"` // execution | position | status
	Instance string      `json:"instance"`
	User     string      `json:"user,omitempty"`
	At       time.Time   `json:"at"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Broadcaster delivers events to whatever sink is configured. Publish is the
// live feed; Record appends to the durable execution/position record stream.
// Failures are the sink's problem: callers fire and forget.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
	Record(ctx context.Context, ev Event)
}

// Publisher writes events to a Redis stream via XADD.
type Publisher struct {
	rdb    *redis.Client
	stream string
	log    *zap.Logger
}

func NewPublisher(cfg *config.Config, log *zap.Logger) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &Publisher{rdb: rdb, stream: cfg.Redis.Stream, log: log}
}

// NewPublisherWithClient is used by tests to inject a prepared client.
func NewPublisherWithClient(rdb *redis.Client, stream string, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, stream: stream, log: log}
}

// Publish appends the event to the live stream. Delivery is best-effort: a
// broken feed must never stall trading, so errors are logged and dropped.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	p.append(ctx, p.stream, ev)
}

// Record appends to the durable execution/position record stream, kept apart
// from the live feed so consumers can trim them independently.
func (p *Publisher) Record(ctx context.Context, ev Event) {
	p.append(ctx, p.stream+":records", ev)
}

func (p *Publisher) append(ctx context.Context, stream string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		p.log.Warn("broadcast: payload not serializable", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"kind":     ev.Kind,
			"instance": ev.Instance,
			"user":     ev.User,
			"at":       ev.At.UnixMilli(),
			"payload":  string(payload),
		},
	}).Err()
	if err != nil {
		p.log.Warn("broadcast: publish failed",
			zap.String("stream", stream), zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func (p *Publisher) Close() error { return p.rdb.Close() }

// Nop discards every event. Used when no feed is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

func (Nop) Record(context.Context, Event) {}
