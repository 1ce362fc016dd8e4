package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flotillahq/flotilla/internal/models"
)

// resultPopTimeout bounds each blocking pop so the consumer loop can observe
// context cancellation.
const resultPopTimeout = time.Second

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis implements every transport role on one Redis connection: pub/sub for
// the task broadcast, a list for the many-to-one result channel, and a second
// list as the durable task queue mirror.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection. Failure here is a
// failure to bind the transport channels: callers must treat it as fatal at
// startup.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flotilla:"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) taskChannel() string { return r.prefix + "tasks" }
func (r *Redis) resultKey() string   { return r.prefix + "results" }
func (r *Redis) queueKey() string    { return r.prefix + "task_queue" }

// Broadcast implements TaskBroadcaster via PUBLISH. Subscribers that are not
// connected at publish time miss the message; the durable queue mirror covers
// that gap.
func (r *Redis) Broadcast(ctx context.Context, msg *models.TaskDispatch) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding task dispatch: %w", err)
	}
	if err := r.client.Publish(ctx, r.taskChannel(), data).Err(); err != nil {
		return fmt.Errorf("publishing task dispatch: %w", err)
	}
	return nil
}

// Tasks implements TaskStream via SUBSCRIBE.
func (r *Redis) Tasks(ctx context.Context) (<-chan *models.TaskDispatch, error) {
	sub := r.client.Subscribe(ctx, r.taskChannel())
	// Wait for the subscription confirmation so no broadcast published
	// after this call returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to task channel: %w", err)
	}

	out := make(chan *models.TaskDispatch)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var dispatch models.TaskDispatch
				if err := json.Unmarshal([]byte(m.Payload), &dispatch); err != nil {
					r.logger.Error("dropping malformed task dispatch", "error", err)
					continue
				}
				select {
				case out <- &dispatch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Push implements ResultPusher via LPUSH.
func (r *Redis) Push(ctx context.Context, msg *models.ResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding result message: %w", err)
	}
	if err := r.client.LPush(ctx, r.resultKey(), data).Err(); err != nil {
		return fmt.Errorf("pushing result message: %w", err)
	}
	return nil
}

// Results implements ResultStream via a BRPOP loop.
func (r *Redis) Results(ctx context.Context) <-chan *models.ResultMessage {
	out := make(chan *models.ResultMessage)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			vals, err := r.client.BRPop(ctx, resultPopTimeout, r.resultKey()).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("result channel read failed", "error", err)
				time.Sleep(resultPopTimeout)
				continue
			}
			// BRPOP returns [key, value].
			var msg models.ResultMessage
			if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
				r.logger.Error("dropping malformed result message", "error", err)
				continue
			}
			select {
			case out <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Enqueue implements DurableQueue via LPUSH onto a persistent list.
func (r *Redis) Enqueue(ctx context.Context, msg *models.TaskDispatch) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding task dispatch: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("enqueueing task dispatch: %w", err)
	}
	return nil
}

// QueueDepth reports the number of mirrored dispatches awaiting drain.
func (r *Redis) QueueDepth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.queueKey()).Result()
}
