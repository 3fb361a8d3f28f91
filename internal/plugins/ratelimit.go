package plugins

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/metrics"
	"github.com/normanking/cortexstream/internal/orchestrator"
)

// RateLimitPriority runs first so nothing else pays for a rejected request.
const RateLimitPriority = 1

// CodeRateLimited is the blocking error code for rejected requests.
const CodeRateLimited = "rate_limited"

// RateLimiter applies a per-user token bucket to generations.
type RateLimiter struct {
	reg        *hooks.Registry
	refillRate float64 // tokens per second
	burst      float64
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// tokenBucket implements the token bucket algorithm for one user.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter allows requestsPerMinute per user with bursts up to burst.
// reg receives RATE_LIMIT_EXCEEDED notifications.
func NewRateLimiter(reg *hooks.Registry, requestsPerMinute, burst int, now func() time.Time) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		reg:        reg,
		refillRate: float64(requestsPerMinute) / 60,
		burst:      float64(burst),
		now:        now,
		buckets:    make(map[string]*tokenBucket),
	}
}

// Allow takes a token for key. When empty it returns how long until the
// next token is available.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}

	// Refill based on elapsed time
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.refillRate * float64(time.Second))
	return false, wait
}

// Prune drops buckets that have been full for longer than idle.
func (l *RateLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		full := b.tokens+now.Sub(b.lastRefill).Seconds()*l.refillRate >= l.burst
		if full && now.Sub(b.lastRefill) > idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Filter is bound to LLM_BEFORE_GENERATE.
func (l *RateLimiter) Filter(ctx context.Context, g *orchestrator.GenerationContext) (*orchestrator.GenerationContext, error) {
	key := g.UserID
	if key == "" {
		key = "chat:" + g.ChatID
	}

	ok, wait := l.Allow(key)
	if ok {
		return g, nil
	}

	metrics.Rejections.WithLabelValues(CodeRateLimited).Inc()
	if l.reg != nil {
		l.reg.RunActions(ctx, hooks.RateLimitExceeded, hooks.RateLimitEvent{
			UserID:     g.UserID,
			ChatID:     g.ChatID,
			RetryAfter: wait,
		})
	}
	secs := int(math.Ceil(wait.Seconds()))
	return g, hooks.Blockf(CodeRateLimited, "Too many requests. Try again in %s.", pluralSeconds(secs))
}

// Register binds the limiter.
func (l *RateLimiter) Register(reg *hooks.Registry) []string {
	return []string{
		reg.AddFilter(hooks.LLMBeforeGenerate, RateLimitPriority, hooks.Filter(l.Filter), hooks.Owner("ratelimit")),
	}
}

func pluralSeconds(n int) string {
	if n == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", n)
}
