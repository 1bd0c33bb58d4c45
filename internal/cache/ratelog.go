package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type rateLimitedLogger struct {
	log      zerolog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn returns a warning event, or nil when one was already emitted within the
// interval. zerolog treats a nil event as disabled.
func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return nil
	}
	l.lastAt = now
	return l.log.Warn()
}
