package middleware

import (
	"fmt"
	"time"

	"github.com/courseloom/api/utils/cache"
	"github.com/courseloom/api/utils/response"
	"github.com/gofiber/fiber/v2"
)

// CheckoutThrottle limits how often a single buyer can open new checkout
// sessions, using a Redis counter per user. Each abandoned session is a
// dangling pending ledger record, so runaway clients are cut off early.
type CheckoutThrottle struct {
	redisCache   *cache.RedisCache
	maxPerWindow int64
	window       time.Duration
}

// NewCheckoutThrottle creates a new checkout throttle
func NewCheckoutThrottle(redisCache *cache.RedisCache) *CheckoutThrottle {
	return &CheckoutThrottle{
		redisCache:   redisCache,
		maxPerWindow: 10,
		window:       time.Minute,
	}
}

// Limit is the middleware entrypoint. It must run after auth so the user
// id is available.
func (t *CheckoutThrottle) Limit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, ok := GetUser(c)
		if !ok || user == nil {
			return c.Next()
		}

		ctx := c.Context()
		key := fmt.Sprintf("checkout:attempts:%d", user.ID)

		attempts, err := t.redisCache.Increment(ctx, key)
		if err != nil {
			// Redis being down should not block purchases
			return c.Next()
		}
		if attempts == 1 {
			t.redisCache.Expire(ctx, key, t.window)
		}

		if attempts > t.maxPerWindow {
			ttl, _ := t.redisCache.TTL(ctx, key)
			retryAfter := int(ttl.Seconds())
			if retryAfter < 0 {
				retryAfter = int(t.window.Seconds())
			}
			c.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return response.TooManyRequests(c, fmt.Sprintf("Too many checkout attempts. Try again in %d seconds", retryAfter))
		}

		return c.Next()
	}
}
