package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultChannel is the Redis channel table updates are published on.
const DefaultChannel = "throttle:policy"

// Subscriber is the subset of the go-redis client needed to receive table
// updates. *redis.Client, *redis.ClusterClient and redis.UniversalClient
// all satisfy it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Watcher propagates policy table updates across instances. Each instance
// subscribes to a Redis channel; a table published there is parsed,
// validated and atomically applied to the local registry. A payload that
// fails validation is logged and dropped, leaving the current table intact.
type Watcher struct {
	registry *Registry
	pubsub   *redis.PubSub
	stopOnce sync.Once
	done     chan struct{}
}

// Watch subscribes to 'channel' (DefaultChannel if empty) and applies
// published tables to the registry until Close is called.
func Watch(ctx context.Context, client Subscriber, registry *Registry, channel string) (*Watcher, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pubsub := client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so a
	// Publish racing with startup is not silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to policy channel '%s': %w", channel, err)
	}

	w := &Watcher{
		registry: registry,
		pubsub:   pubsub,
		done:     make(chan struct{}),
	}
	go w.listenLoop(channel)

	log.Info().Str("channel", channel).Msg("watching for policy table updates")
	return w, nil
}

func (w *Watcher) listenLoop(channel string) {
	defer close(w.done)
	for msg := range w.pubsub.Channel() {
		table, err := ParseTable([]byte(msg.Payload))
		if err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("ignoring unparseable policy table update")
			continue
		}
		if err := w.registry.Reload(table); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("ignoring invalid policy table update")
			continue
		}
		log.Debug().Str("channel", channel).Msg("applied policy table update")
	}
}

// Close stops the watcher and waits for the listener goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.pubsub.Close()
		<-w.done
	})
	return err
}

// Publish serializes a table and broadcasts it to every watching instance.
// The table is validated before sending so a bad table never reaches the
// wire.
func Publish(ctx context.Context, client redis.Cmdable, channel string, table *Table) error {
	if channel == "" {
		channel = DefaultChannel
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid policy table: %w", err)
	}

	data, err := yaml.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to serialize policy table: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish policy table: %w", err)
	}

	log.Info().Str("channel", channel).Msg("published policy table update")
	return nil
}
