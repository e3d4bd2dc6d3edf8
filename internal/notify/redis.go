package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediaflow/internal/media"
)

// DefaultChannel is the Redis channel events are relayed on.
const DefaultChannel = "mediaflow:events"

const publishTimeout = 2 * time.Second

// RedisRelay publishes events through a Redis channel so that every
// instance's hub sees them, whichever instance processed the job.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   media.Publisher
	log     *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisRelay returns a relay delivering received events to local.
func NewRedisRelay(client *redis.Client, channel string, local media.Publisher, log *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Publish implements media.Publisher. Events that cannot be sent are logged
// and lost; clients recover by querying the asset status.
func (r *RedisRelay) Publish(ev media.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("relay marshal failed", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("relay publish failed",
			slog.String("asset_id", string(ev.AssetID)),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}

// Ready is closed once Run has an active subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run forwards events from the channel to the local publisher until ctx is
// cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("event relay subscribed", slog.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev media.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("relay dropped malformed event", slog.String("error", err.Error()))
				continue
			}
			r.local.Publish(ev)
		}
	}
}
