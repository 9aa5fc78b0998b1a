package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/queue/streams"
)

// tailFeed follows the memory feed stream and prints each event. Useful
// for watching what agents are being fed without querying the API.
func tailFeed(ctx context.Context, cfg *config.Config, group, name string) error {
	cfg.Normalize()
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("redis not configured (storage.redis.host)")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	stream := cfg.Telemetry.FeedStream
	if err := streams.EnsureGroup(ctx, rdb, stream, group); err != nil {
		return err
	}
	consumer := streams.NewConsumer(rdb, group, name)

	fmt.Printf("tailing %s as %s/%s\n", stream, group, name)
	for {
		msgs, err := consumer.Read(ctx, stream, 16, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			fmt.Printf("%s %s %s %s\n", m.ID, m.Envelope.OccurredAt.Format(time.RFC3339),
				m.Envelope.EventType, string(m.Envelope.Data))
			ids = append(ids, m.ID)
		}
		if err := consumer.Ack(ctx, stream, ids...); err != nil {
			return err
		}
	}
}
