package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

const anonymousKey = "anonymous"

// EndpointRateLimit overrides the global limit for one route path
type EndpointRateLimit struct {
	Requests int
	Window   time.Duration
}

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	// Max requests per window
	Max int
	// Window duration
	Window time.Duration
	// Key generator function - returns the caller email from context
	KeyGenerator func(c *fiber.Ctx) string
	// PerEndpoint limits are counted separately from the global window
	PerEndpoint map[string]EndpointRateLimit
}

// DefaultRateLimiterConfig returns default configuration
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Max:    600,
		Window: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			user, ok := c.Locals(LocalUser).(domain.User)
			if !ok || user.Email == "" {
				return anonymousKey
			}
			return user.Email
		},
	}
}

// window tracks rate limiting state for one caller (and endpoint)
type window struct {
	count      int
	windowEnd  time.Time
	lastAccess time.Time
}

// RateLimiter implements per-user fixed window rate limiting
type RateLimiter struct {
	config   RateLimiterConfig
	windows  map[string]*window
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	defaults := DefaultRateLimiterConfig()
	if config.Max == 0 {
		config.Max = defaults.Max
	}
	if config.Window == 0 {
		config.Window = defaults.Window
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = defaults.KeyGenerator
	}

	rl := &RateLimiter{
		config:  config,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Stop shuts down the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := rl.config.KeyGenerator(c)
		if key == "" || key == anonymousKey {
			// Anonymous requests fail at auth anyway
			return c.Next()
		}

		limit, span := rl.config.Max, rl.config.Window
		if ep, ok := rl.config.PerEndpoint[c.Path()]; ok {
			limit, span = ep.Requests, ep.Window
			key = key + "|" + c.Path()
		}

		count, windowEnd := rl.hit(key, span, time.Now())

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("X-RateLimit-Reset", windowEnd.Format(time.RFC3339))

		if count > limit {
			c.Set("Retry-After", strconv.Itoa(int(time.Until(windowEnd).Seconds())))
			return domain.ErrRateLimitExceeded
		}

		return c.Next()
	}
}

func (rl *RateLimiter) hit(key string, span time.Duration, now time.Time) (int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.windows[key]
	if !exists || now.After(w.windowEnd) {
		w = &window{windowEnd: now.Add(span)}
		rl.windows[key] = w
	}

	w.count++
	w.lastAccess = now

	return w.count, w.windowEnd
}

// cleanup removes stale entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evict(time.Now())
		}
	}
}

func (rl *RateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, w := range rl.windows {
		// Remove entries that haven't been accessed in 2 windows
		if now.Sub(w.lastAccess) > 2*rl.config.Window && now.After(w.windowEnd) {
			delete(rl.windows, key)
		}
	}
}
