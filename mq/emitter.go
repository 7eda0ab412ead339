// Package mq carries ledger events from handlers to the live feed, over
// Redis pub/sub when it is configured.
package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"haven/models"
)

// Channel is the Redis channel ledger events are published on.
const Channel = "ledger-events"

// Publisher emits ledger events. Emit never fails the caller.
type Publisher interface {
	Emit(ctx context.Context, ev models.LedgerEvent)
}

// Sink receives relayed events, e.g. the live-feed hub.
type Sink interface {
	Deliver(ev models.LedgerEvent)
}

func stamp(ev *models.LedgerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

// RedisPublisher publishes to Channel so every instance's relay sees the event.
type RedisPublisher struct {
	conn *redis.Client
}

func NewRedisPublisher(conn *redis.Client) *RedisPublisher {
	return &RedisPublisher{conn: conn}
}

func (p *RedisPublisher) Emit(ctx context.Context, ev models.LedgerEvent) {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Warn("[Emit] marshal ledger event")
		return
	}
	if err := p.conn.Publish(context.WithoutCancel(ctx), Channel, data).Err(); err != nil {
		log.WithError(err).WithField("type", ev.Type).Warn("[Emit] publish ledger event")
		return
	}
	log.WithFields(log.Fields{"type": ev.Type, "id": ev.EntityID}).Debug("[Emit] published")
}

// DirectPublisher hands events straight to a sink in-process.
type DirectPublisher struct {
	sink Sink
}

func NewDirectPublisher(sink Sink) *DirectPublisher {
	return &DirectPublisher{sink: sink}
}

func (p *DirectPublisher) Emit(_ context.Context, ev models.LedgerEvent) {
	stamp(&ev)
	p.sink.Deliver(ev)
}

// StartRelay subscribes to Channel and forwards every event to sink until
// ctx is cancelled.
func StartRelay(ctx context.Context, conn *redis.Client, sink Sink) {
	sub := conn.Subscribe(ctx, Channel)
	defer sub.Close()
	ch := sub.Channel()

	log.Info("[Relay] listening for ledger events")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev models.LedgerEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).Warn("[Relay] bad payload")
				continue
			}
			sink.Deliver(ev)
		}
	}
}
