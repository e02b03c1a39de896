package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// compareAndSet returns 1 when it wrote, 0 when the key moved and -1 when the
// key does not hold an integer.
var compareAndSet = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  cur = ARGV[1]
end
cur = tonumber(cur)
if not cur or cur ~= math.floor(cur) then
  return -1
end
if cur ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[3])
return 1
`)

// RedisStore stores each counter as a plain string key holding a decimal
// integer, so redis-cli GET available_seats shows it as is.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (int, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q", ErrCorruptValue, key, v)
	}
	return n, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value int) error {
	if err := s.rdb.Set(ctx, key, strconv.Itoa(value), 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key string, def, old, value int) (bool, error) {
	n, err := compareAndSet.Run(ctx, s.rdb, []string{key}, def, old, value).Int()
	if err != nil {
		return false, fmt.Errorf("%w: compare and set %s: %v", ErrStoreUnavailable, key, err)
	}
	switch n {
	case 1:
		return true, nil
	case -1:
		return false, fmt.Errorf("%w: %s", ErrCorruptValue, key)
	default:
		return false, nil
	}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int) (int, error) {
	n, err := s.rdb.IncrBy(ctx, key, int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incrby %s: %v", ErrStoreUnavailable, key, err)
	}
	return int(n), nil
}
