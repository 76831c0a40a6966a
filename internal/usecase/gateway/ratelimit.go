package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Discord allows ~50 requests/s globally per bot; per-channel message
// sends are far tighter. The limiter queues callers per route bucket and
// under a global ceiling, so a hot channel cannot starve the rest.
const (
	globalRate  = rate.Limit(45)
	globalBurst = 45
	routeRate   = rate.Limit(4)
	routeBurst  = 5
)

// outboundLimiter serializes outbound REST calls per route bucket.
type outboundLimiter struct {
	mu     sync.Mutex
	global *rate.Limiter
	routes map[string]*rate.Limiter
}

func newOutboundLimiter() *outboundLimiter {
	return &outboundLimiter{
		global: rate.NewLimiter(globalRate, globalBurst),
		routes: make(map[string]*rate.Limiter),
	}
}

// wait blocks until the route bucket and the global bucket both admit
// one call, or ctx expires.
func (l *outboundLimiter) wait(ctx context.Context, route string) error {
	l.mu.Lock()
	rl, ok := l.routes[route]
	if !ok {
		rl = rate.NewLimiter(routeRate, routeBurst)
		l.routes[route] = rl
	}
	l.mu.Unlock()

	if err := rl.Wait(ctx); err != nil {
		return err
	}
	return l.global.Wait(ctx)
}
