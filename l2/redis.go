package l2

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteByPatternScript scans for keys matching pattern in bounded cursor
// batches and unlinks them server-side, bounding round-trips to one EVAL
// call regardless of how many keys match.
const deleteByPatternScript = `
local cursor = "0"
local deleted = 0
repeat
	local result = redis.call("SCAN", cursor, "MATCH", ARGV[1], "COUNT", 1000)
	cursor = result[1]
	local keys = result[2]
	if #keys > 0 then
		redis.call("UNLINK", unpack(keys))
		deleted = deleted + #keys
	end
until cursor == "0"
return deleted
`

// Store is the production RemoteStore, backed by a redis.UniversalClient —
// the same client type and connection pool the backplane's RedisTransport
// can share.
type Store struct {
	client  redis.UniversalClient
	delByPS *redis.Script
}

// NewStore wraps an existing client. The caller owns the client's lifecycle.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{
		client:  client,
		delByPS: redis.NewScript(deleteByPatternScript),
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		switch b := v.(type) {
		case string:
			out[keys[i]] = []byte(b)
		case []byte:
			out[keys[i]] = b
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Unlink(ctx, key).Err()
}

func (s *Store) DeleteByPattern(ctx context.Context, pattern string) error {
	return s.delByPS.Run(ctx, s.client, nil, pattern).Err()
}
