package authz

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nmatss/servicedesk-core/internal/obs"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
)

// PermissionCache is a read-through cache for role-derived permission sets.
// The TTL bounds staleness even if an invalidation is missed; administrative
// mutations purge it outright.
type PermissionCache struct {
	lru *expirable.LRU[string, []Permission]
}

// NewPermissionCache builds a cache with the given capacity and TTL. Zero
// values fall back to defaults (4096 entries, 10 minutes).
func NewPermissionCache(size int, ttl time.Duration) *PermissionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &PermissionCache{
		lru: expirable.NewLRU[string, []Permission](size, nil, ttl),
	}
}

func (c *PermissionCache) get(key string) ([]Permission, bool) {
	if c == nil {
		return nil, false
	}
	perms, ok := c.lru.Get(key)
	if ok {
		obs.ObserveCache("hit")
	} else {
		obs.ObserveCache("miss")
	}
	return perms, ok
}

func (c *PermissionCache) add(key string, perms []Permission) {
	if c == nil {
		return
	}
	c.lru.Add(key, perms)
}

// Purge drops every cached entry. Called on any administrative mutation so
// revocations take effect on the next evaluation.
func (c *PermissionCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

func cacheKey(tenantID, roleID, resource, action string) string {
	return strings.Join([]string{tenantID, roleID, resource, action}, "\x1f")
}
