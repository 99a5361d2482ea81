// Package sink forwards control plane events to Redis pub/sub so that
// processes outside the control plane can follow them.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/modplane"
	"github.com/GoCodeAlone/modplane/config"
)

// ObserverID identifies the publisher on a Subject.
const ObserverID = "modplane-redis-sink"

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "modplane.events"

var ErrNoChannel = errors.New("sink channel is empty")

// RedisPublisher publishes every event it observes, encoded as structured
// CloudEvents JSON, to one Redis channel.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	ownsClient bool
	logger     modplane.Logger
}

// NewRedisPublisher publishes through an existing client. Close leaves the
// client open.
func NewRedisPublisher(client *redis.Client, channel string, logger modplane.Logger) (*RedisPublisher, error) {
	if channel == "" {
		return nil, ErrNoChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: modplane.OrNop(logger)}, nil
}

// Dial connects to the configured Redis server and verifies it answers.
func Dial(ctx context.Context, cfg config.SinkConfig, logger modplane.Logger) (*RedisPublisher, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	p, err := NewRedisPublisher(client, channel, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.ownsClient = true
	return p, nil
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

// ObserverID implements modplane.Observer.
func (p *RedisPublisher) ObserverID() string { return ObserverID }

// OnEvent implements modplane.Observer.
func (p *RedisPublisher) OnEvent(ctx context.Context, event cloudevents.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	p.logger.Debug("Event forwarded", "channel", p.channel, "eventType", event.Type(), "eventID", event.ID())
	return nil
}

// Close releases the client when Dial created it.
func (p *RedisPublisher) Close() error {
	if !p.ownsClient {
		return nil
	}
	return p.client.Close()
}

// Follow subscribes to channel and calls fn for every decoded event until
// ctx ends or fn returns an error. Messages that are not CloudEvents are
// skipped.
func Follow(ctx context.Context, client *redis.Client, channel string, fn func(cloudevents.Event) error) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event cloudevents.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			if err := fn(event); err != nil {
				return err
			}
		}
	}
}
