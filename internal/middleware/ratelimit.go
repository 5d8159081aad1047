package middleware

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/studio/pkg/response"
)

// RateLimiter counts requests per user in fixed Redis windows. A nil client
// disables limiting.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// window is the state of one user's bucket after counting a request.
type window struct {
	count int64
	reset time.Duration
}

// hit counts a request and returns the bucket state. The counter, its
// expiry and the remaining TTL are read in one transaction so a bucket
// can never be left without an expiry.
func (rl *RateLimiter) hit(ctx context.Context, key string, period time.Duration) (window, error) {
	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, period)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return window{}, err
	}
	return window{count: incr.Val(), reset: ttl.Val()}, nil
}

// Limit allows maxRequests per period for each authenticated user. Requests
// pass through when Redis is unreachable.
func (rl *RateLimiter) Limit(bucket string, maxRequests int, period time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		key := "ratelimit:" + bucket + ":" + userID
		ctx, cancel := context.WithTimeout(c.UserContext(), time.Second)
		defer cancel()

		w, err := rl.hit(ctx, key, period)
		if err != nil {
			log.Printf("[RateLimit] ✗ %s: %v", key, err)
			return c.Next()
		}

		remaining := int64(maxRequests) - w.count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Set("X-RateLimit-Reset", strconv.Itoa(int(w.reset.Seconds())))

		if w.count > int64(maxRequests) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(w.reset.Seconds())))
			return response.RateLimited(c)
		}
		return c.Next()
	}
}

// GenerateLimit limits generation submissions per hour
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}

// PreprocessLimit limits dataset preprocessing runs per hour
func (rl *RateLimiter) PreprocessLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("preprocess", maxPerHour, time.Hour)
}
