package httpapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter map; on overflow the map resets and every
// client starts from a fresh budget.
const maxTrackedIPs = 4096

// ipLimiter enforces a per-client-IP request budget on the write endpoints.
type ipLimiter struct {
	mu    sync.Mutex
	perIP map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newIPLimiter(rpm int) *ipLimiter {
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		perIP: make(map[string]*rate.Limiter),
		limit: rate.Limit(float64(rpm) / 60),
		burst: burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.perIP[ip]
	if !ok {
		if len(l.perIP) >= maxTrackedIPs {
			l.perIP = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
