package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a per-client token bucket with its last-access time, so
// clients that disconnect don't leak limiters forever.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MessageLimiter rate-limits inbound protocol messages per client, the
// same flood-control role the teacher's readPump rate limiter plays
// (prevent one client's burst or bug from starving the others), keyed
// by client ID instead of source IP since a single TCP connection is
// one client for the lifetime of the socket here.
type MessageLimiter struct {
	cfg MessageLimitConfig

	mu       sync.RWMutex
	limiters map[string]*entry

	stop chan struct{}
	once sync.Once
}

// NewMessageLimiter starts a MessageLimiter with a background cleanup
// loop that evicts clients idle longer than cfg.IdleTTL.
func NewMessageLimiter(cfg MessageLimitConfig) *MessageLimiter {
	if cfg.Burst == 0 {
		cfg = DefaultMessageLimitConfig()
	}
	ml := &MessageLimiter{
		cfg:      cfg,
		limiters: make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	go ml.cleanupLoop()
	return ml
}

// Allow reports whether clientID may send another message right now,
// consuming one token from its bucket if so.
func (ml *MessageLimiter) Allow(clientID string) bool {
	return ml.limiterFor(clientID).Allow()
}

func (ml *MessageLimiter) limiterFor(clientID string) *rate.Limiter {
	ml.mu.RLock()
	e, ok := ml.limiters[clientID]
	ml.mu.RUnlock()
	if ok {
		ml.mu.Lock()
		e.lastAccess = time.Now()
		ml.mu.Unlock()
		return e.limiter
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if e, ok = ml.limiters[clientID]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e = &entry{limiter: rate.NewLimiter(rate.Limit(ml.cfg.Rate), ml.cfg.Burst), lastAccess: time.Now()}
	ml.limiters[clientID] = e
	return e.limiter
}

// Forget drops clientID's limiter immediately, for use on disconnect
// rather than waiting out the idle TTL.
func (ml *MessageLimiter) Forget(clientID string) {
	ml.mu.Lock()
	delete(ml.limiters, clientID)
	ml.mu.Unlock()
}

// Close stops the background cleanup loop.
func (ml *MessageLimiter) Close() {
	ml.once.Do(func() { close(ml.stop) })
}

func (ml *MessageLimiter) cleanupLoop() {
	ticker := time.NewTicker(ml.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ml.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ml.cfg.IdleTTL)
			ml.mu.Lock()
			for id, e := range ml.limiters {
				if e.lastAccess.Before(cutoff) {
					delete(ml.limiters, id)
				}
			}
			ml.mu.Unlock()
		}
	}
}
