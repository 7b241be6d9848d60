package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

const (
	keyPrefix     = "stock:"
	channelPrefix = "prices."
)

// Compile-time check to ensure RedisMirror implements SnapshotMirror
var _ SnapshotMirror = (*RedisMirror)(nil)

// RedisMirror stores the latest tick per symbol under stock:<SYM> and
// publishes each update on prices.<SYM> for other consumers.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

// SaveTicks writes every tick in a single pipeline.
func (r *RedisMirror) SaveTicks(ctx context.Context, ticks []models.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, t := range ticks {
		if t.Synthetic() {
			continue
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", t.Symbol, err)
		}
		pipe.Set(ctx, keyPrefix+t.Symbol, payload, r.ttl)
		pipe.Publish(ctx, channelPrefix+t.Symbol, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror pipeline: %w", err)
	}
	return nil
}

// LoadTicks fetches mirrored ticks (MGET). Missing or corrupt keys are skipped.
func (r *RedisMirror) LoadTicks(ctx context.Context, symbols []string) (map[string]models.PriceTick, error) {
	out := make(map[string]models.PriceTick, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, val := range results {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var t models.PriceTick
		if err := json.Unmarshal([]byte(payload), &t); err != nil || t.Symbol != symbols[i] {
			continue
		}
		out[t.Symbol] = t.WithSource(models.SourceMirror)
	}
	return out, nil
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}
