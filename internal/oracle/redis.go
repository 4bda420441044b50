package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads quotes published to Redis by an off-system price
// poller. One key per pair, JSON-encoded Quote; the poller owns key
// expiry, the engine owns freshness validation.
type RedisSource struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSource creates a source reading keys of the form
// {prefix}{pair}, e.g. "price:BTC/USD".
func NewRedisSource(rdb *redis.Client, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "price:"
	}
	return &RedisSource{rdb: rdb, prefix: prefix}
}

func (s *RedisSource) GetPrice(ctx context.Context, pair string) (Quote, error) {
	data, err := s.rdb.Get(ctx, s.prefix+pair).Bytes()
	if err == redis.Nil {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: read quote for %s: %w", pair, err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("oracle: decode quote for %s: %w", pair, err)
	}
	if q.Pair == "" {
		q.Pair = pair
	}
	return q, nil
}
