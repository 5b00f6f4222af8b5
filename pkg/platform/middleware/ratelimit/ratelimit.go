// Package ratelimit throttles expensive endpoints per user with token
// buckets from golang.org/x/time/rate.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/httputil"
	request "goalpay/pkg/platform/middleware/request"
	"goalpay/pkg/requestcontext"
)

const idleEviction = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per username.
type Limiter struct {
	mu       sync.Mutex
	perUser  map[string]*entry
	limit    rate.Limit
	burst    int
	now      func() time.Time
	lastGC   time.Time
	logger   *slog.Logger
	retryFor time.Duration
}

// New allows perMinute requests per user with a burst of the same size.
func New(perMinute int, logger *slog.Logger) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limiter{
		perUser:  make(map[string]*entry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
		logger:   logger,
		retryFor: time.Minute / time.Duration(perMinute),
	}
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > idleEviction {
		for k, e := range l.perUser {
			if now.Sub(e.lastSeen) > idleEviction {
				delete(l.perUser, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.perUser[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.perUser[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// PerUser rejects requests over the limit with 429. It must run after the
// identity middleware.
func (l *Limiter) PerUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		username := requestcontext.Username(ctx)
		if !l.Allow(username) {
			l.logger.WarnContext(ctx, "rate limit exceeded",
				"username", username,
				"path", r.URL.Path,
				"request_id", request.GetRequestID(ctx),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(l.retryFor.Seconds())+1))
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
