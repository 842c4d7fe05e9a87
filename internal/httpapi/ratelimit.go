package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a token bucket per client IP. perWindow <= 0 disables it.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func newIPLimiter(perWindow int, window time.Duration) *ipLimiter {
	l := &ipLimiter{
		visitors: map[string]*visitor{},
		idle:     10 * time.Minute,
		now:      time.Now,
	}
	if perWindow > 0 {
		l.limit = rate.Limit(float64(perWindow) / window.Seconds())
		l.burst = perWindow
	}
	return l
}

func (l *ipLimiter) allow(ip string) bool {
	if l.burst == 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, k)
		}
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			retry := 60
			if l.limit > 0 {
				retry = int(1/float64(l.limit)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many booking requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port; middleware.RealIP has already applied any
// forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
