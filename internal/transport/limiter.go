package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnRateLimiter throttles connection attempts per source address and
// instance-wide. This is a churn guard, distinct from the registry's
// concurrent-connection ceiling: it bounds how fast connections arrive, not
// how many are held.
type ConnRateLimiter struct {
	enabled bool
	ipRate  rate.Limit
	ipBurst int
	global  *rate.Limiter

	mu      sync.Mutex
	perIP   map[string]*ipLimiter
	stopCh  chan struct{}
	stopped sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterConfig holds the attempt-rate tunables.
type LimiterConfig struct {
	Enabled     bool
	IPRate      float64
	IPBurst     int
	GlobalRate  float64
	GlobalBurst int
}

// NewConnRateLimiter creates the limiter and starts its idle-entry cleanup.
func NewConnRateLimiter(cfg LimiterConfig) *ConnRateLimiter {
	l := &ConnRateLimiter{
		enabled: cfg.Enabled,
		ipRate:  rate.Limit(cfg.IPRate),
		ipBurst: cfg.IPBurst,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		perIP:   make(map[string]*ipLimiter),
		stopCh:  make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether a connection attempt from ip may proceed right now.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.enabled {
		return true
	}
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (l *ConnRateLimiter) Close() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// cleanupLoop evicts per-address limiters idle for ten minutes so the map
// does not grow with every address ever seen.
func (l *ConnRateLimiter) cleanupLoop() {
	const idleTTL = 10 * time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTTL)
			l.mu.Lock()
			for ip, entry := range l.perIP {
				if entry.lastSeen.Before(cutoff) {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
