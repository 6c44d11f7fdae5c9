// Package profilecache wraps a domain.ProfileResolver with an in-memory TTL
// cache, so repeated admissions against the same profile id don't each pay
// the cost of whatever lookup the external configuration-profile store
// performs.
package profilecache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// DefaultTTL and DefaultCleanupInterval bound how stale a cached profile
// can get and how often expired entries are purged.
const (
	DefaultTTL             = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// Resolver decorates a domain.ProfileResolver with a TTL cache keyed by
// profile id. A miss falls through to the wrapped resolver and populates
// the cache; resolver errors are never cached, since profiles are expected
// to become resolvable again (e.g. the store was briefly unavailable).
type Resolver struct {
	underlying domain.ProfileResolver
	cache      *gocache.Cache
}

// New constructs a Resolver with the given TTL and cleanup interval. A
// non-positive ttl disables expiration (entries live until explicitly
// invalidated).
func New(underlying domain.ProfileResolver, ttl, cleanupInterval time.Duration) *Resolver {
	return &Resolver{
		underlying: underlying,
		cache:      gocache.New(ttl, cleanupInterval),
	}
}

// Resolve implements domain.ProfileResolver.
func (r *Resolver) Resolve(id string) (domain.Profile, error) {
	if cached, ok := r.cache.Get(id); ok {
		profile, ok := cached.(domain.Profile)
		if ok {
			log.Debug(log.CatCache, "profile cache hit", "profile_id", id)
			return profile, nil
		}
		log.Error(log.CatCache, "profile cache: wrong type assertion", "profile_id", id)
	}

	profile, err := r.underlying.Resolve(id)
	if err != nil {
		return domain.Profile{}, err
	}
	r.cache.SetDefault(id, profile)
	return profile, nil
}

// Invalidate removes a cached profile, for callers that learn a profile was
// updated out of band.
func (r *Resolver) Invalidate(id string) {
	r.cache.Delete(id)
}
