package amocrm

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

type DeduplicatorFactory func(dsn string, ttl time.Duration) (Deduplicator, error)

var dedupFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DeduplicatorFactory
}{
	factories: map[string]DeduplicatorFactory{},
}

// RegisterDeduplicatorFactory makes BuildDeduplicatorFromDSN hand DSNs with
// the given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterDeduplicatorFactory(scheme string, factory DeduplicatorFactory) {
	scheme = normalizeDedupScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	dedupFactoryRegistry.mu.Lock()
	defer dedupFactoryRegistry.mu.Unlock()
	dedupFactoryRegistry.factories[scheme] = factory
}

func lookupDeduplicatorFactory(scheme string) (DeduplicatorFactory, bool) {
	scheme = normalizeDedupScheme(scheme)
	dedupFactoryRegistry.mu.RLock()
	defer dedupFactoryRegistry.mu.RUnlock()
	factory, ok := dedupFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeDedupScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildDeduplicatorFromDSN(dsn string, ttl time.Duration, logger Logger) (Deduplicator, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryDeduplicator(ttl), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeDedupScheme(parsed.Scheme)
	if factory, ok := lookupDeduplicatorFactory(scheme); ok {
		return factory(dsn, ttl)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDeduplicator(ttl), nil
	case "redis", "rediss":
		return newRedisDeduplicatorFromDSN(dsn, ttl, logger)
	case "postgres", "postgresql":
		dedup, err := NewPostgresDeduplicator(dsn, ttl)
		if err != nil {
			return nil, err
		}
		dedup.StartPurging(postgresPurgeInterval, logger)
		return dedup, nil
	default:
		return nil, fmt.Errorf("unsupported dedup backend scheme: %s", scheme)
	}
}
