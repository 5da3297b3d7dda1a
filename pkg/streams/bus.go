// pkg/streams/bus.go
package streams

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Delivery is one consumer-group entry handed to the dispatch agent.
type Delivery struct {
	Stream string
	ID     string
	Fields map[string]string
}

// Bus is the Redis-backed substrate the agents communicate through: the
// TTL'd session-token cache, fire-and-forget pubsub and the event streams.
// Agents depend on the narrow slice of it they use, so tests fake it.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// SetSessionToken writes a tenant's bearer token with the upstream session
// lifetime. The refresh agent is the single writer per key.
func (b *Bus) SetSessionToken(ctx context.Context, tenantID uuid.UUID, token string, ttl time.Duration) error {
	return b.rdb.Set(ctx, SessionTokenKey(tenantID), token, ttl).Err()
}

// SessionToken reads a tenant's cached token; ok=false when absent/expired.
func (b *Bus) SessionToken(ctx context.Context, tenantID uuid.UUID) (string, bool, error) {
	v, err := b.rdb.Get(ctx, SessionTokenKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *Bus) PublishTokenRefreshed(ctx context.Context, tenantID uuid.UUID) error {
	return b.rdb.Publish(ctx, TokenRefreshedChannel(tenantID), time.Now().UTC().Format(time.RFC3339)).Err()
}

// PublishTick republishes one tick on the per-tenant/per-instrument channel.
// Fire-and-forget: nobody acknowledges.
func (b *Bus) PublishTick(ctx context.Context, tenantID uuid.UUID, instrument uint32, payload []byte) error {
	return b.rdb.Publish(ctx, TickChannel(tenantID, instrument), payload).Err()
}

func (b *Bus) SetConnectionStatus(ctx context.Context, tenantID uuid.UUID, status string) error {
	return b.rdb.Set(ctx, ConnectionStatusKey(tenantID), status, 0).Err()
}

func (b *Bus) AppendAuthError(ctx context.Context, fields map[string]any) error {
	return b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: AuthErrorsStream, Values: fields}).Err()
}

func (b *Bus) AppendDeadLetter(ctx context.Context, fields map[string]any) error {
	return b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: NotificationFailuresStream, Values: fields}).Err()
}

// EnsureGroup creates the consumer group at the stream head, creating the
// stream itself when missing. An already-existing group is not an error.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ReadGroup blocks up to `block` for new entries across the given streams and
// returns them in delivery order. An empty result on timeout is not an error.
func (b *Bus) ReadGroup(ctx context.Context, group, consumer string, streamNames []string, count int64, block time.Duration) ([]Delivery, error) {
	args := make([]string, 0, len(streamNames)*2)
	args = append(args, streamNames...)
	for range streamNames {
		args = append(args, ">")
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			out = append(out, Delivery{Stream: stream.Stream, ID: msg.ID, Fields: fields})
		}
	}
	return out, nil
}

func (b *Bus) Ack(ctx context.Context, stream, group, id string) error {
	return b.rdb.XAck(ctx, stream, group, id).Err()
}
