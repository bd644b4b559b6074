package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"collab-coordinator/backend/internal/cache"
)

// NewMiniRedis starts an in-process Redis and returns a substrate backed by it.
// Both are torn down when the test ends.
func NewMiniRedis(t *testing.T) (*cache.RedisSubstrate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewRedisSubstrate(rdb, Discard()), mr
}
