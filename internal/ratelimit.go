package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenBucket limits webhook deliveries per client address. Buckets idle for
// longer than ttl are dropped on the next sweep.
type tokenBucket struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      float64
	capacity  float64
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newTokenBucket(rps, burst int64, ttl time.Duration) *tokenBucket {
	capacity := float64(burst)
	if capacity <= 0 {
		capacity = float64(rps)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &tokenBucket{
		clients:  make(map[string]*bucket),
		rate:     float64(rps),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewRateLimitHandler answers 429 once a client exceeds rps with the given
// burst. A non-positive rps disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, ttl time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := newTokenBucket(rps, burst, ttl)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if wait, ok := limiter.take(client); !ok {
			IncRateLimited(client)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds()+0.999)))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take spends one token for key. When none is left it reports how long until
// the next token is available.
func (l *tokenBucket) take(key string) (time.Duration, bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: l.capacity - 1, seen: now}
		return 0, true
	}
	b.tokens += now.Sub(b.seen).Seconds() * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.seen = now
	if b.tokens < 1 {
		missing := (1 - b.tokens) / l.rate
		return time.Duration(missing * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

func (l *tokenBucket) sweep(now time.Time) {
	if l.ttl <= 0 || now.Sub(l.lastSweep) < l.ttl {
		return
	}
	for key, b := range l.clients {
		if now.Sub(b.seen) > l.ttl {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
