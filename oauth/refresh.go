package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// DefaultValidateInterval matches Twitch's requirement that user tokens be
// validated at least hourly.
const DefaultValidateInterval = time.Hour

// StartValidator launches a goroutine that periodically validates the token,
// refreshing it when rejected or when it expires within window.
func (m *Manager) StartValidator(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = DefaultValidateInterval
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load.
	initialJitter := jitter(interval / 2)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(initialJitter):
		}
		for {
			m.checkOnce(ctx, window)

			// ±20% of interval
			nextSleep := interval + jitter(2*(interval/5)) - interval/5
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(nextSleep):
			}
		}
	}()
}

// jitter returns a random duration in [0, n). It is 0 when n is not positive.
func jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	return time.Duration(rand.Int63n(int64(n)))
}

func (m *Manager) checkOnce(ctx context.Context, window time.Duration) {
	m.ops.Lock()
	defer m.ops.Unlock()
	creds, ok := m.usable()
	if !ok {
		return
	}
	exp := creds.ExpiresAt
	if !exp.IsZero() && m.clock.Until(exp) <= window {
		slog.Debug("token near expiry; refreshing", slog.Time("expires_at", exp), slog.String("component", "oauth"))
		m.refreshLocked(ctx)
		return
	}
	if !m.validateLocked(ctx) {
		m.refreshLocked(ctx)
	}
}
