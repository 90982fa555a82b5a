package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// peerLimiter applies a token bucket per peer address and periodically
// evicts idle entries. A nil limiter allows everything.
type peerLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byPeer  map[string]*peerEntry
	hits    uint64
	idleTTL time.Duration
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(rps float64, burst int) *peerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &peerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byPeer:  make(map[string]*peerEntry),
		idleTTL: limiterIdleTTL,
	}
}

func (l *peerLimiter) allow(peer string, now time.Time) bool {
	if l == nil || peer == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byPeer[peer]
	if !ok {
		e = &peerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peer] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byPeer {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPeer, k)
			}
		}
	}
	return allowed
}

func (l *peerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPeer)
}
