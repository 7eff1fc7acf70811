package controller

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Leases grants one owner at a time per job. An unrenewed lease expires after
// its TTL so a job held by a crashed loop becomes dispatchable again.
type Leases struct {
	owner string
	ttl   time.Duration
	cache *cache.Cache
}

// NewLeases creates a lease table for owner.
func NewLeases(owner string, ttl time.Duration) *Leases {
	return &Leases{
		owner: owner,
		ttl:   ttl,
		cache: cache.New(ttl, ttl),
	}
}

// Acquire takes the lease of jobUUID if nobody holds it.
func (l *Leases) Acquire(jobUUID string) bool {
	return l.cache.Add(jobUUID, l.owner, l.ttl) == nil
}

// Renew extends a held lease. It reports false if the lease had expired.
func (l *Leases) Renew(jobUUID string) bool {
	return l.cache.Replace(jobUUID, l.owner, l.ttl) == nil
}

// Release drops the lease of jobUUID.
func (l *Leases) Release(jobUUID string) {
	l.cache.Delete(jobUUID)
}

// Held reports whether jobUUID is leased.
func (l *Leases) Held(jobUUID string) bool {
	_, ok := l.cache.Get(jobUUID)
	return ok
}
