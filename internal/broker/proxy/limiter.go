package proxy

import (
	"sync"

	"golang.org/x/time/rate"
)

// providerLimiter bounds concurrent upstream calls per provider and smooths
// request rate. Saturation is reported, never queued.
type providerLimiter struct {
	sem chan struct{}
	rl  *rate.Limiter
}

func (pl *providerLimiter) acquire() bool {
	if !pl.rl.Allow() {
		return false
	}
	select {
	case pl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (pl *providerLimiter) release() {
	<-pl.sem
}

// limiterSet lazily creates one providerLimiter per provider name.
type limiterSet struct {
	mu            sync.Mutex
	limiters      map[string]*providerLimiter
	maxConcurrent int
	ratePerSec    rate.Limit
	burst         int
}

func newLimiterSet(maxConcurrent int, ratePerSec rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters:      make(map[string]*providerLimiter),
		maxConcurrent: maxConcurrent,
		ratePerSec:    ratePerSec,
		burst:         burst,
	}
}

func (ls *limiterSet) get(provider string) *providerLimiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	pl, ok := ls.limiters[provider]
	if !ok {
		pl = &providerLimiter{
			sem: make(chan struct{}, ls.maxConcurrent),
			rl:  rate.NewLimiter(ls.ratePerSec, ls.burst),
		}
		ls.limiters[provider] = pl
	}
	return pl
}
