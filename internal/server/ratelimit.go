package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const rateLimitWindow = time.Minute

// RateLimit returns a sliding-window rate limiter backed by Redis. Requests
// are counted per API key (falling back to client IP) over the last minute.
// Redis failures disable limiting for the affected request rather than
// rejecting traffic.
func RateLimit(rdb *redis.Client, perMinute int, log *slog.Logger) echo.MiddlewareFunc {
	log = log.With(logger.Scope("ratelimit"))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, exempt := unauthenticatedPaths[c.Request().URL.Path]; exempt {
				return next(c)
			}

			caller := c.Request().Header.Get("X-API-Key")
			if caller == "" {
				caller = c.RealIP()
			}
			key := "ratelimit:" + caller

			now := time.Now()
			windowStart := now.Add(-rateLimitWindow)
			member := fmt.Sprintf("%d-%s", now.UnixNano(), c.Response().Header().Get(echo.HeaderXRequestID))

			ctx := c.Request().Context()
			pipe := rdb.TxPipeline()
			pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
			count := pipe.ZCard(ctx, key)
			pipe.Expire(ctx, key, rateLimitWindow+time.Second)

			if _, err := pipe.Exec(ctx); err != nil {
				// Fail open: a Redis outage must not take the API down with it
				log.Warn("rate limiter unavailable, allowing request",
					slog.String("error", err.Error()))
				return next(c)
			}

			used := count.Val()
			remaining := int64(perMinute) - used
			if remaining < 0 {
				remaining = 0
			}
			reset := now.Add(rateLimitWindow).Unix()

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(perMinute))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

			if used > int64(perMinute) {
				h.Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded")
			}

			return next(c)
		}
	}
}
