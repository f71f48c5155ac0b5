// Package cooldown provides repeat-dispatch suppression.
//
// The rule model carries no deduplication field, so evaluation itself stays
// stateless; the guard is an opt-in service-level layer that counts
// dispatches per (rule, recipient) pair in a sliding window using the
// cache's atomic counters.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/mailroom-labs/kite/internal/domain"
)

// Guard suppresses repeat dispatches within a time window.
// A nil *Guard or a zero window never suppresses.
type Guard struct {
	cache  domain.Cache
	window time.Duration
}

// NewGuard creates a cooldown guard. A zero window disables suppression.
func NewGuard(cache domain.Cache, window time.Duration) *Guard {
	return &Guard{
		cache:  cache,
		window: window,
	}
}

// ShouldSuppress reports whether this (rule, recipient) pair already
// dispatched inside the window. The first call in a window increments the
// counter to 1 and dispatches; later calls are suppressed.
func (g *Guard) ShouldSuppress(ctx context.Context, tenantID, ruleID, recipient string) (bool, error) {
	if g == nil || g.window <= 0 || g.cache == nil {
		return false, nil
	}
	if tenantID == "" || ruleID == "" {
		return false, fmt.Errorf("tenantID and ruleID are required")
	}

	key := "cooldown:" + ruleID + ":" + recipient
	count, err := g.cache.IncrementCounter(ctx, tenantID, key, g.window)
	if err != nil {
		return false, fmt.Errorf("failed to increment cooldown counter: %w", err)
	}

	return count > 1, nil
}

// Window returns the configured suppression window.
func (g *Guard) Window() time.Duration {
	if g == nil {
		return 0
	}
	return g.window
}
