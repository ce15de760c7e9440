package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher records events in a capped Redis stream and maintains a
// per-bridge worker presence key.
//
// Stream key:   {prefix}events (XADD MAXLEN ~ maxLen)
// Presence key: {prefix}worker:{bridgeID}, value is the conn id. The TTL is
// refreshed on worker_connected and worker_alive; the key is deleted on
// worker_disconnected of the connection that set it.
//
// worker_alive events only touch the presence key; they are too frequent to be
// worth keeping in the stream.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
}

// clearPresence deletes KEYS[1] only if it still holds ARGV[1].
var clearPresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisPublisher creates a RedisPublisher.
// ttl is the presence key expiry: if no pong arrives within this window the
// key disappears even if the bridge crashed without a disconnect.
func NewRedisPublisher(client *redis.Client, prefix string, maxLen int64, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
		ttl:    ttl,
	}
}

// StreamKey returns the key of the event stream.
func (p *RedisPublisher) StreamKey() string {
	return p.prefix + "events"
}

// PresenceKey returns the worker presence key for a bridge.
func (p *RedisPublisher) PresenceKey(bridgeID string) string {
	return p.prefix + "worker:" + bridgeID
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case WorkerConnected, WorkerAlive:
		if err := p.client.Set(ctx, p.PresenceKey(ev.BridgeID), strconv.FormatUint(ev.ConnID, 10), p.ttl).Err(); err != nil {
			return fmt.Errorf("refreshing worker presence: %w", err)
		}
	case WorkerDisconnected:
		// A replaced connection disconnects after its successor connected;
		// only the connection that owns the key may clear it.
		err := clearPresence.Run(ctx, p.client, []string{p.PresenceKey(ev.BridgeID)}, strconv.FormatUint(ev.ConnID, 10)).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("clearing worker presence: %w", err)
		}
	}
	if ev.Kind == WorkerAlive {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.StreamKey(),
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"data": string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending %s event: %w", ev.Kind, err)
	}
	return nil
}

// WorkerPresent reports whether the given bridge currently has a live worker.
func (p *RedisPublisher) WorkerPresent(ctx context.Context, bridgeID string) (bool, error) {
	n, err := p.client.Exists(ctx, p.PresenceKey(bridgeID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking worker presence for %s: %w", bridgeID, err)
	}
	return n > 0, nil
}

// Recent returns up to count of the newest events, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.StreamKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["data"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
