package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

const completionChannelPrefix = "job:done:"

// RedisCompletionStream delivers completion events over Redis pub/sub with one
// channel per job id. It serves both sides: the queue publishes terminal
// events through it, and the schedule service subscribes for the jobs it has
// in flight.
//
// Pub/sub is fire-and-forget: an event published while no subscriber is
// attached is gone. Subscribers therefore check the job row once right after
// attaching, and again on a poll interval, to cover events that raced the
// subscription or were dropped.
type RedisCompletionStream struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisCompletionStream creates a completion stream over the given client.
func NewRedisCompletionStream(client redis.UniversalClient, logger *slog.Logger) *RedisCompletionStream {
	if logger != nil {
		logger = logger.With("component", "completion_stream")
	}
	return &RedisCompletionStream{client: client, logger: logger}
}

// CompletionChannel returns the pub/sub channel name for a job id.
func CompletionChannel(jobID string) string {
	return completionChannelPrefix + jobID
}

// PublishCompletion pushes the terminal event to the job's channel.
func (s *RedisCompletionStream) PublishCompletion(ctx context.Context, event model.CompletionEvent) error {
	if event.Job == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	if err := s.client.Publish(ctx, CompletionChannel(event.Job.ID), body).Err(); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

// SubscribeCompletion registers a callback invoked at most once with the job's
// terminal event. The subscription is confirmed before this returns, so events
// published afterwards cannot be missed. The returned function cancels the
// subscription; calling it after delivery is a no-op.
func (s *RedisCompletionStream) SubscribeCompletion(
	ctx context.Context,
	jobID string,
	fn func(model.CompletionEvent),
) (func(), error) {
	pubsub := s.client.Subscribe(ctx, CompletionChannel(jobID))

	// Receive consumes the subscription confirmation; after this the server
	// routes publishes on the channel to us.
	if _, err := pubsub.Receive(ctx); err != nil {
		if closeErr := pubsub.Close(); closeErr != nil {
			_ = closeErr
		}
		return nil, fmt.Errorf("subscribe completion channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil && s.logger != nil {
				s.logger.WarnContext(context.Background(), "close completion subscription failed",
					"job_id", jobID,
					"error", err,
				)
			}
		})
	}

	go func() {
		defer unsubscribe()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event model.CompletionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if s.logger != nil {
						s.logger.WarnContext(subCtx, "decode completion event failed",
							"job_id", jobID,
							"error", err,
						)
					}
					continue
				}
				if event.Job == nil || event.Job.ID != jobID {
					continue
				}
				fn(event)
				return
			}
		}
	}()

	return unsubscribe, nil
}
