package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/crucible/internal/model"
)

const (
	defaultRedisPrefix = "crucible:tasks"
	redisClaimPoll     = 250 * time.Millisecond
	redisRequeueBatch  = 100
)

// claimScript moves one message from the pending list into the claims hash
// and schedules its visibility deadline.
var claimScript = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
  return false
end
redis.call('HSET', KEYS[2], ARGV[1], raw)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return raw
`)

// requeueScript returns expired claims to the pending list with their
// attempt counter incremented.
var requeueScript = redis.NewScript(`
local receipts = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, receipt in ipairs(receipts) do
  local raw = redis.call('HGET', KEYS[2], receipt)
  if raw then
    local msg = cjson.decode(raw)
    msg['attempt'] = (msg['attempt'] or 0) + 1
    redis.call('LPUSH', KEYS[1], cjson.encode(msg))
  end
  redis.call('HDEL', KEYS[2], receipt)
  redis.call('ZREM', KEYS[3], receipt)
end
return #receipts
`)

// RedisBrokerConfig configures a RedisBroker.
type RedisBrokerConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the broker keys. Defaults to "crucible:tasks".
	Prefix string
}

// RedisBroker is a Broker on a Redis list, a hash of claimed payloads and a
// sorted set of visibility deadlines.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker. No connection is made until first use.
func NewRedisBroker(cfg RedisBrokerConfig, logger *slog.Logger) *RedisBroker {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBroker{client: client, prefix: cfg.Prefix, logger: logger}
}

func (b *RedisBroker) pendingKey() string    { return b.prefix + ":pending" }
func (b *RedisBroker) claimsKey() string     { return b.prefix + ":claims" }
func (b *RedisBroker) visibilityKey() string { return b.prefix + ":visibility" }

func (b *RedisBroker) keys() []string {
	return []string{b.pendingKey(), b.claimsKey(), b.visibilityKey()}
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, msg TaskMessage) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.pendingKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.TaskID, err)
	}
	brokerMessagesTotal.WithLabelValues("enqueue").Inc()
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, consumer string, visibility time.Duration) (*Delivery, error) {
	ticker := time.NewTicker(redisClaimPoll)
	defer ticker.Stop()
	for {
		d, err := b.tryClaim(ctx, consumer, visibility)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) tryClaim(ctx context.Context, consumer string, visibility time.Duration) (*Delivery, error) {
	receipt := consumer + ":" + model.NewID()
	deadline := time.Now().Add(visibility).UnixMilli()

	raw, err := claimScript.Run(ctx, b.client, b.keys(), receipt, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("claim: %w", err)
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		// Unreadable payloads would be redelivered forever; drop them.
		b.logger.Error("dropping malformed message", "receipt", receipt, "error", err)
		b.forget(ctx, receipt)
		return nil, nil
	}
	brokerMessagesTotal.WithLabelValues("claim").Inc()
	return &Delivery{Message: msg, Receipt: receipt}, nil
}

func (b *RedisBroker) forget(ctx context.Context, receipt string) (int64, error) {
	var hdel *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hdel = pipe.HDel(ctx, b.claimsKey(), receipt)
		pipe.ZRem(ctx, b.visibilityKey(), receipt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return hdel.Val(), nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	n, err := b.forget(ctx, d.Receipt)
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Message.TaskID, err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", d.Message.TaskID, ErrClaimLost)
	}
	brokerMessagesTotal.WithLabelValues("ack").Inc()
	return nil
}

func (b *RedisBroker) Extend(ctx context.Context, d *Delivery, visibility time.Duration) error {
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	n, err := b.client.ZAddArgs(ctx, b.visibilityKey(), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: deadline, Member: d.Receipt}},
	}).Result()
	if err != nil {
		return fmt.Errorf("extend %s: %w", d.Message.TaskID, err)
	}
	if n > 0 {
		return nil
	}
	// XX with an unchanged score also reports 0; tell the two apart.
	if err := b.client.ZScore(ctx, b.visibilityKey(), d.Receipt).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("extend %s: %w", d.Message.TaskID, ErrClaimLost)
		}
		return fmt.Errorf("extend %s: %w", d.Message.TaskID, err)
	}
	return nil
}

func (b *RedisBroker) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, b.client, b.keys(),
		strconv.FormatInt(now.UnixMilli(), 10), redisRequeueBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	if n > 0 {
		brokerMessagesTotal.WithLabelValues("requeue").Add(float64(n))
	}
	return n, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
