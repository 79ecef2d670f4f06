package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const feedChannelPrefix = "estoque.changes."

// RedisFeed carries change events over Redis pub/sub. Delivery matches the
// feed contract: best effort, no ordering across publishers, no redelivery.
type RedisFeed struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisFeed constructs RedisFeed.
func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, logger: logger}
}

// Publish sends one event to the table channel.
func (f *RedisFeed) Publish(ctx context.Context, evt ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("remote: encode event: %w", err)
	}
	if err := f.client.Publish(ctx, feedChannelPrefix+evt.Table, payload).Err(); err != nil {
		return fmt.Errorf("remote: publish event: %w", err)
	}
	return nil
}

// Subscribe opens the table channel and decodes events onto the returned
// channel. Malformed payloads are logged and skipped. The channel closes
// after stop is called or the context ends.
func (f *RedisFeed) Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, func(), error) {
	sub := f.client.Subscribe(ctx, feedChannelPrefix+table)
	// Force the SUBSCRIBE round trip so a broken transport fails here, not
	// silently in the pump goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("remote: subscribe %s: %w", table, err)
	}

	events := make(chan ChangeEvent, 64)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var evt ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				f.logger.Warn("drop malformed feed payload",
					slog.String("channel", msg.Channel),
					slog.Any("error", err))
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		if err := sub.Close(); err != nil {
			f.logger.Warn("close feed subscription", slog.Any("error", err))
		}
	}
	return events, stop, nil
}
