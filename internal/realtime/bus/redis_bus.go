package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/realtime"
)

const defaultChannel = "video:events"

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects the fan-out bus. One redis channel carries every
// message; the hub routes by the message's own Channel field.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = defaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:     log.With("service", "RedisSSEBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

// NewRedisBusWithClient wraps an existing client. Tests hand in a client
// pointed at miniredis.
func NewRedisBusWithClient(log *logger.Logger, rdb *goredis.Client, channel string) Bus {
	if channel == "" {
		channel = defaultChannel
	}
	return &redisBus{
		log:     log.With("service", "RedisSSEBus"),
		rdb:     rdb,
		channel: channel,
	}
}

func (b *redisBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis SSE bus not initialized")
	}
	if msg.Channel == "" {
		return fmt.Errorf("SSE message has no channel")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal SSE message: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and pumps every bus message into onMsg until ctx
// ends. The subscribe is confirmed before returning, so a caller that
// publishes right after sees its own message. go-redis reconnects the
// subscription itself on transient drops; the pump only exits for good when
// the subscription is closed outright.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis SSE bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		b.pump(ctx, sub.Channel(), onMsg)
	}()
	return nil
}

func (b *redisBus) pump(ctx context.Context, ch <-chan *goredis.Message, onMsg func(m realtime.SSEMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				b.log.Warn("Redis subscription closed; SSE fan-out stopped")
				return
			}
			var msg realtime.SSEMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("Dropping bad bus payload", "bytes", len(m.Payload), "error", err)
				continue
			}
			if msg.Channel == "" {
				b.log.Warn("Dropping bus message without a channel", "event", msg.Event)
				continue
			}
			onMsg(msg)
		}
	}
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
