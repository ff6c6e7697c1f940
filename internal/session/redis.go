package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medchat/internal/logging"
	"medchat/internal/redis"
)

const (
	redisStateChannel = "medchat:state"
	redisSnapshotKey  = "medchat:snapshot"
	redisSnapshotTTL  = 30 * time.Minute
)

// RedisNotifier mirrors session state into redis so other processes can
// watch the conversation: every change is published on a channel and the
// latest one is kept under a key.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logging.OrNop(logger)}
}

func (r *RedisNotifier) Publish(ctx context.Context, st State) error {
	if r == nil || r.client == nil {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := r.client.Set(ctx, redisSnapshotKey, payload, redisSnapshotTTL); err != nil {
		return fmt.Errorf("cache session state: %w", err)
	}
	if err := r.client.Publish(ctx, redisStateChannel, payload); err != nil {
		return fmt.Errorf("publish session state: %w", err)
	}
	return nil
}

// Clear drops the cached snapshot so watchers stop showing a finished session.
func (r *RedisNotifier) Clear(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, redisSnapshotKey); err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}

// Latest returns the last published state; ok is false when none is cached.
func (r *RedisNotifier) Latest(ctx context.Context) (State, bool, error) {
	raw, err := r.client.Get(ctx, redisSnapshotKey)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("load session state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false, fmt.Errorf("decode session state: %w", err)
	}
	return st, true, nil
}

// Listen calls handler for every published state until ctx is done.
// Undecodable payloads are logged and skipped.
func (r *RedisNotifier) Listen(ctx context.Context, handler func(State)) error {
	pubsub, err := r.client.Subscribe(ctx, redisStateChannel)
	if err != nil {
		return err
	}
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", redisStateChannel, err)
	}

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var st State
			if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
				r.logger.Warn("decode published session state", zap.Error(err))
				continue
			}
			handler(st)
		}
	}
}
