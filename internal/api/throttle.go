package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/callmarket/internal/metrics"
)

// Throttle limits order submissions per client address.
type Throttle struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	clients   map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perSecond submissions per client with the given burst.
// It returns nil, which never throttles, when perSecond is not positive.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	return &Throttle{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idle:      3 * time.Minute,
		clients:   make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// Allow reports whether client may submit now.
func (t *Throttle) Allow(client string) bool {
	if t == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) > t.idle {
		for k, v := range t.clients {
			if now.Sub(v.lastSeen) > t.idle {
				delete(t.clients, k)
			}
		}
		t.lastSweep = now
	}
	v, ok := t.clients[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = v
	}
	v.lastSeen = now
	t.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientKey(r)) {
			metrics.OrdersRejected.WithLabelValues("throttled").Inc()
			writeError(w, "rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
