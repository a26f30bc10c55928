// Package ratelimit implements the process-wide RateGovernor (spec §4.2):
// one token bucket per plugin, shared across every SubTask/date fan-out
// worker extracting from that plugin, so the external API's per-minute
// budget is honored regardless of how many goroutines are drawing from it
// concurrently. The token-bucket wrapper follows the r3e-network-service_layer
// pack repo's infrastructure/ratelimit/ratelimit.go, built on
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor owns one rate.Limiter per plugin name, lazily created on first
// use. All exported methods are safe for concurrent use.
type Governor struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// limits records the configured per-minute rate for each plugin, so a
	// penalty backoff (AcquirePenalty) can later be lifted without needing
	// the caller to re-supply it.
	limits map[string]int
}

// New creates an empty Governor. Plugins register their rate budget lazily,
// the first time Acquire or Configure is called for them.
func New() *Governor {
	return &Governor{
		limiters: make(map[string]*rate.Limiter),
		limits:   make(map[string]int),
	}
}

// Configure sets (or resets) the per-minute budget for a plugin. The bucket
// refills at perMinute/60 tokens per second and its burst equals perMinute,
// so after an idle minute a full minute's budget can be drawn at once; calls
// are not spread across the minute.
func (g *Governor) Configure(plugin string, perMinute int) {
	if perMinute <= 0 {
		perMinute = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[plugin] = perMinute
	g.limiters[plugin] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// limiterFor returns the plugin's limiter, lazily defaulting to a
// conservative 1-per-minute budget if Configure was never called — the
// caller should always call Configure from the plugin's static declaration,
// but this keeps Acquire safe against an ordering mistake.
func (g *Governor) limiterFor(plugin string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[plugin]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute), 1)
		g.limiters[plugin] = l
		g.limits[plugin] = 1
	}
	return l
}

// Acquire blocks until n tokens are available for plugin, or ctx is done.
// Concurrent callers for the same plugin queue fairly in arrival order,
// since rate.Limiter.WaitN serializes on its own internal mutex.
func (g *Governor) Acquire(ctx context.Context, plugin string, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := g.limiterFor(plugin).WaitN(ctx, n); err != nil {
		return fmt.Errorf("acquiring %d token(s) for plugin %q: %w", n, plugin, err)
	}
	return nil
}

// AcquirePenalty forces the plugin's bucket empty for the given duration,
// modeling an upstream 429/Retry-After response (spec §4.2: "a plugin
// reporting a rate-limit error backs off independently of other plugins").
// It reserves enough future capacity that no token is available until the
// penalty elapses, without disturbing other plugins' buckets.
func (g *Governor) AcquirePenalty(plugin string, penalty time.Duration) {
	l := g.limiterFor(plugin)
	now := time.Now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return
	}
	delay := r.DelayFrom(now)
	if delay < penalty {
		// Cancel the short reservation, then reserve every token still in the
		// bucket plus the refill due during the penalty window, in chunks no
		// larger than the burst, so the bucket stays empty for the full backoff.
		r.CancelAt(now)
		need := int(l.TokensAt(now)) + int(penalty/(time.Minute/time.Duration(g.perMinute(plugin))))
		for need > 0 {
			n := min(need, l.Burst())
			l.ReserveN(now, n)
			need -= n
		}
	}
}

func (g *Governor) perMinute(plugin string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.limits[plugin]; ok && v > 0 {
		return v
	}
	return 1
}

// Allow reports whether a single token is immediately available for plugin,
// consuming it when one is. It never blocks.
func (g *Governor) Allow(plugin string) bool {
	return g.limiterFor(plugin).Allow()
}
