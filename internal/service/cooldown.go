package service

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CooldownTracker remembers when each owner last had a batch admitted.
// Entries expire after the cooldown so idle owners do not accumulate.
type CooldownTracker struct {
	cooldown time.Duration

	mu    sync.Mutex
	cache *ttlcache.Cache[string, time.Time]
}

func NewCooldownTracker(cooldown time.Duration) *CooldownTracker {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](cooldown),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go cache.Start()

	return &CooldownTracker{cooldown: cooldown, cache: cache}
}

// Reserve records an admission for owner at now unless the previous one is
// still inside the cooldown. Check and record happen under one lock.
func (c *CooldownTracker) Reserve(owner string, now time.Time) bool {
	if c.cooldown <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.cache.Get(owner); item != nil && now.Sub(item.Value()) < c.cooldown {
		return false
	}
	c.cache.Set(owner, now, ttlcache.DefaultTTL)
	return true
}

// Forget drops a reservation whose batch was never persisted.
func (c *CooldownTracker) Forget(owner string, reservedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.cache.Get(owner); item != nil && item.Value().Equal(reservedAt) {
		c.cache.Delete(owner)
	}
}

func (c *CooldownTracker) Stop() {
	c.cache.Stop()
}
