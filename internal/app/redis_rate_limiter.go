package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitDecision is the limiter's answer for one attempt.
type RateLimitDecision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// RateLimiter counts attempts for a subject within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, scope string, subject []string, limit int, window time.Duration) (RateLimitDecision, error)
}

// RedisRateLimiter keeps one sorted set of attempt timestamps per subject, shared by every
// instance. Subjects are hashed so raw redemption codes never reach Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "mobul:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmed, now: time.Now}
}

// Allow records the attempt and reports whether it fits in the window. A nil limiter,
// a nil client or an empty subject always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope string, subject []string, limit int, window time.Duration) (RateLimitDecision, error) {
	allowed := RateLimitDecision{Allowed: true}
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return allowed, nil
	}
	key, ok := r.key(scope, subject)
	if !ok {
		return allowed, nil
	}

	now := r.now()
	windowStart := now.Add(-window)
	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		count = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}

	decision := RateLimitDecision{Attempts: int(count.Val())}
	decision.Allowed = decision.Attempts <= limit
	if !decision.Allowed {
		decision.RetryAfter = window
		if first := oldest.Val(); len(first) == 1 {
			decision.RetryAfter = time.UnixMilli(int64(first[0].Score)).Add(window).Sub(now)
		}
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}

// key derives prefix:scope:hash. Subjects with no non-blank part are not limited.
func (r *RedisRateLimiter) key(scope string, subject []string) (string, bool) {
	parts := make([]string, 0, len(subject))
	for _, p := range subject {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, strings.ToLower(p))
		}
	}
	scope = strings.TrimSpace(scope)
	if scope == "" || len(parts) == 0 {
		return "", false
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return r.prefix + ":" + scope + ":" + hex.EncodeToString(sum[:12]), true
}
