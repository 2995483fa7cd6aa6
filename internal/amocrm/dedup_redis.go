package amocrm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

const (
	redisDedupKeyPrefix      = "amorelay:dedup:"
	redisHealthCheckInterval = 15 * time.Second
	redisHealthCheckTimeout  = 2 * time.Second
)

type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduplicator(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduplicator{client: client, prefix: redisDedupKeyPrefix, ttl: ttl}
}

func (d *RedisDeduplicator) SeenBefore(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidInput
	}
	stored, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !stored, nil
}

// RedisHealthChecker pings Redis through a circuit breaker so a dead server
// is skipped quickly instead of timing out on every webhook.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	healthy bool
}

func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	settings := gobreaker.Settings{
		Name:    "amorelay-redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &RedisHealthChecker{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (h *RedisHealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

func (h *RedisHealthChecker) Check(ctx context.Context) bool {
	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.client.Ping(ctx).Result()
	})
	pong, _ := result.(string)
	healthy := err == nil && pong == "PONG"
	h.mu.Lock()
	h.healthy = healthy
	h.mu.Unlock()
	return healthy
}

// Run checks immediately and then every interval until ctx is done.
func (h *RedisHealthChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = redisHealthCheckInterval
	}
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, redisHealthCheckTimeout)
		defer cancel()
		h.Check(checkCtx)
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// FallbackDeduplicator prefers the primary store while healthy reports true
// and falls back to the local store otherwise or when the primary errors.
type FallbackDeduplicator struct {
	primary Deduplicator
	local   Deduplicator
	healthy func() bool
	logger  Logger
	stop    func()
}

func NewFallbackDeduplicator(primary, local Deduplicator, healthy func() bool, logger Logger) *FallbackDeduplicator {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &FallbackDeduplicator{
		primary: primary,
		local:   local,
		healthy: healthy,
		logger:  loggerOrDefault(logger),
	}
}

func (d *FallbackDeduplicator) SeenBefore(ctx context.Context, key string) (bool, error) {
	if d.primary != nil && d.healthy() {
		seen, err := d.primary.SeenBefore(ctx, key)
		if err == nil {
			return seen, nil
		}
		d.logger.Printf("dedup primary failed, using local store: %v", err)
	}
	return d.local.SeenBefore(ctx, key)
}

func (d *FallbackDeduplicator) Close() error {
	if d.stop != nil {
		d.stop()
	}
	if closer, ok := d.primary.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

func newRedisDeduplicatorFromDSN(dsn string, ttl time.Duration, logger Logger) (Deduplicator, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	checker := NewRedisHealthChecker(client)
	ctx, cancel := context.WithCancel(context.Background())
	go checker.Run(ctx, redisHealthCheckInterval)

	fallback := NewFallbackDeduplicator(
		NewRedisDeduplicator(client, ttl),
		NewMemoryDeduplicator(ttl),
		checker.IsHealthy,
		logger,
	)
	fallback.stop = cancel
	return fallback, nil
}
