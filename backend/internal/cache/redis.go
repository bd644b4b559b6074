package cache

import (
	"context"
	"errors"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 具体实现：基于 redis 的 Substrate，单机和集群共用 UniversalClient
type RedisSubstrate struct {
	rdb    redis.UniversalClient
	logger *log.Logger
}

// 确保 RedisSubstrate 同时实现 Substrate 和 Swapper
var (
	_ Substrate = (*RedisSubstrate)(nil)
	_ Swapper   = (*RedisSubstrate)(nil)
)

type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
}

// NewRedisClient 多个地址走集群客户端，一个地址走单机客户端
func NewRedisClient(cfg RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisSubstrate(rdb redis.UniversalClient, logger *log.Logger) *RedisSubstrate {
	return &RedisSubstrate{rdb: rdb, logger: logger}
}

// casScript
// KEYS[1] = key
// ARGV[1] = "absent" 要求 key 不存在 / "match" 要求当前值等于 ARGV[2]
// ARGV[2] = 期望的旧值（可以是空串）
// ARGV[3] = 新值
// ARGV[4] = ttl 毫秒（<= 0 不过期）
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "absent" then
	if cur then return 0 end
else
	if cur ~= ARGV[2] then return 0 end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[3], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[3])
end
return 1
`)

// cadScript 当前值等于 ARGV[1] 时才删除
var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	casModeAbsent = "absent"
	casModeMatch  = "match"
)

func (s *RedisSubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		s.logger.Printf("GET %q failed: %v", key, err)
		return nil, err
	}
	return b, nil
}

func (s *RedisSubstrate) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Printf("SET %q failed: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisSubstrate) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.logger.Printf("DEL %q failed: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisSubstrate) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Printf("HGETALL %q failed: %v", key, err)
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func (s *RedisSubstrate) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	// HSET 和 PEXPIRE 放在同一个事务管道里，避免写进去了却没续上过期时间
	tx := s.rdb.TxPipeline()
	tx.HSet(ctx, key, field, value)
	if ttl > 0 {
		tx.PExpire(ctx, key, ttl)
	}
	if _, err := tx.Exec(ctx); err != nil {
		s.logger.Printf("HSET %q %q failed: %v", key, field, err)
		return err
	}
	return nil
}

func (s *RedisSubstrate) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		s.logger.Printf("HDEL %q %v failed: %v", key, fields, err)
		return err
	}
	return nil
}

func (s *RedisSubstrate) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	mode := casModeMatch
	if old == nil {
		mode = casModeAbsent
	}
	n, err := casScript.Run(ctx, s.rdb, []string{key}, mode, string(old), string(next), ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Printf("CAS %q failed: %v", key, err)
		return false, err
	}
	return n == 1, nil
}

func (s *RedisSubstrate) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if old == nil {
		return false, errors.New("cache: CompareAndDelete needs the expected value")
	}
	n, err := cadScript.Run(ctx, s.rdb, []string{key}, string(old)).Int()
	if err != nil {
		s.logger.Printf("CAD %q failed: %v", key, err)
		return false, err
	}
	return n == 1, nil
}

func (s *RedisSubstrate) Ping(ctx context.Context) error {
	err := s.rdb.Ping(ctx).Err()
	if err != nil {
		s.logger.Printf("PING failed: %v", err)
	}
	return err
}

func (s *RedisSubstrate) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
