package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RL keeps one token bucket per key and forgets keys idle longer than ttl.
type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

// Allow reports whether key may proceed now.
func (rl *RL) Allow(key string) bool {
	rl.mu.Lock()
	kl, ok := rl.m[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(rl.r, rl.b)}
		rl.m[key] = kl
	}
	kl.seen = time.Now()
	rl.mu.Unlock()
	return kl.lim.Allow()
}

func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.seen) > rl.ttl {
			delete(rl.m, k)
		}
	}
}

func (rl *RL) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// RateLimit 返回一个基于 IP+路由的令牌桶限速中间件。
// WebSocket 握手只算一次请求，已建立连接上的帧不在这里限速。
func RateLimit(rps, burst int) gin.HandlerFunc {
	rl := NewRateLimiter(rate.Limit(rps), burst, 2*time.Minute)
	go rl.gc()
	return limitWith(rl)
}

func limitWith(rl *RL) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.Allow(c.ClientIP() + "|" + path) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}
