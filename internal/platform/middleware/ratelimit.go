package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long a caller's limiter survives without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig suits a single front desk plus the patient portal.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           3 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per key and sweeps keys idle for
// longer than ttl. It implements echo's RateLimiterStore.
type limiterStore struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newLimiterStore(cfg RateLimitConfig, now func() time.Time) *limiterStore {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = DefaultRateLimitConfig().IdleTTL
	}
	return &limiterStore{
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		ttl:       ttl,
		now:       now,
		visitors:  make(map[string]*visitor),
		lastSweep: now(),
	}
}

func (s *limiterStore) Allow(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.ttl {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.ttl {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// retryAfter is the whole number of seconds until key has a token again.
func (s *limiterStore) retryAfter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[key]
	if !ok || s.limit <= 0 {
		return 1
	}
	missing := 1 - v.limiter.TokensAt(s.now())
	if missing <= 0 {
		return 1
	}
	return int(math.Ceil(missing / float64(s.limit)))
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(c echo.Context) string

// RateLimit limits each client IP to cfg's rate. Use RateLimitBy to bucket by
// something else, such as the authenticated user.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return RateLimitBy(cfg, func(c echo.Context) string { return c.RealIP() })
}

// RateLimitBy limits requests per key. An empty key falls back to the client
// IP.
func RateLimitBy(cfg RateLimitConfig, keyFn KeyFunc) echo.MiddlewareFunc {
	return rateLimitWith(cfg, keyFn, newLimiterStore(cfg, time.Now))
}

func rateLimitWith(cfg RateLimitConfig, keyFn KeyFunc, store *limiterStore) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if key := keyFn(c); key != "" {
				return key, nil
			}
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, key string, _ error) error {
			c.Response().Header().Set("Retry-After", strconv.Itoa(store.retryAfter(key)))
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
