package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter shared by several bot instances. Each admission runs as
// one Lua script, so the check and the reservation are atomic server-side.
//
// Keys:
//   - <prefix>:held            set of held job keys
//   - <prefix>:user:<id>       set of job keys held by one user
//   - <prefix>:rate:<id>       sorted set of admissions, scored by unix ms
type Redis struct {
	rdb    redis.UniversalClient
	prefix string

	mu     sync.RWMutex
	limits Limits
}

func NewRedis(rdb redis.UniversalClient, prefix string, l Limits) *Redis {
	if prefix == "" {
		prefix = "sorabot:limits"
	}
	return &Redis{rdb: rdb, prefix: prefix, limits: l}
}

// admitScript returns {code, retry_after_ms}; code 0 = admitted,
// 1 = per-user concurrency, 2 = global concurrency, 3 = rate.
var admitScript = redis.NewScript(`
local held, user, rate = KEYS[1], KEYS[2], KEYS[3]
local member = ARGV[1]
local perUser = tonumber(ARGV[2])
local global = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local window = tonumber(ARGV[5])
local now = tonumber(ARGV[6])

if redis.call('SISMEMBER', user, member) == 1 then
  return {0, 0}
end
if perUser > 0 and redis.call('SCARD', user) >= perUser then
  return {1, 0}
end
if global > 0 and redis.call('SCARD', held) >= global then
  return {2, 0}
end
if limit > 0 and window > 0 then
  redis.call('ZREMRANGEBYSCORE', rate, '-inf', now - window)
  if redis.call('ZCARD', rate) >= limit then
    local oldest = redis.call('ZRANGE', rate, 0, 0, 'WITHSCORES')
    return {3, tonumber(oldest[2]) + window - now}
  end
  redis.call('ZADD', rate, now, member)
  redis.call('PEXPIRE', rate, window)
end
redis.call('SADD', user, member)
redis.call('SADD', held, member)
return {0, 0}
`)

func (r *Redis) keys(userID int64) []string {
	uid := strconv.FormatInt(userID, 10)
	return []string{r.prefix + ":held", r.prefix + ":user:" + uid, r.prefix + ":rate:" + uid}
}

func (r *Redis) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

func (r *Redis) Admit(ctx context.Context, userID int64, key string) (Token, error) {
	r.mu.RLock()
	l := r.limits
	r.mu.RUnlock()

	res, err := admitScript.Run(ctx, r.rdb, r.keys(userID),
		key, l.PerUserConcurrency, l.GlobalConcurrency, l.PerUserRate, l.Window.Milliseconds(), time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Token{}, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 2 {
		return Token{}, fmt.Errorf("redis admit: unexpected reply %v", res)
	}
	switch res[0] {
	case 0:
		return Token{Key: key, UserID: userID}, nil
	case 1:
		return Token{}, &Rejection{Reason: PerUserConcurrencyExceeded}
	case 2:
		return Token{}, &Rejection{Reason: GlobalConcurrencyExceeded}
	default:
		return Token{}, &Rejection{Reason: PerUserRateExceeded, RetryAfter: time.Duration(res[1]) * time.Millisecond}
	}
}

func (r *Redis) Release(ctx context.Context, tok Token) error {
	if !tok.Valid() {
		return nil
	}
	k := r.keys(tok.UserID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, k[0], tok.Key)
		p.SRem(ctx, k[1], tok.Key)
		return nil
	})
	return err
}

func (r *Redis) Restore(ctx context.Context, userID int64, key string) (Token, error) {
	k := r.keys(userID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k[0], key)
		p.SAdd(ctx, k[1], key)
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, UserID: userID}, nil
}

func (r *Redis) InFlight(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, r.prefix+":held").Result()
	return int(n), err
}
