// Package cache provides Redis-backed agent status snapshots with
// graceful degradation: when Redis is unavailable, reads and writes
// return errors that callers handle by falling back to the in-process
// snapshot.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/config"
	"trading-agent-scheduler/internal/controller"
)

const snapshotKeyPrefix = "agent:%s:snapshot"

// SnapshotCache caches per-agent state snapshots in Redis.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New creates a SnapshotCache and verifies connectivity. A failed
// initial ping returns the cache in degraded mode, not an error; it
// recovers on its own once Redis comes back.
func New(cfg config.RedisConfig, logger zerolog.Logger) (*SnapshotCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	sc := &SnapshotCache{
		client:        client,
		ttl:           time.Duration(cfg.SnapshotTTLSec) * time.Second,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		sc.logger.Warn().Err(err).Msg("initial Redis connection failed, starting degraded")
		return sc, nil
	}
	sc.healthy = true
	sc.lastCheck = time.Now()
	return sc, nil
}

// Healthy reports whether the cache considers Redis reachable,
// re-probing on an interval while degraded.
func (sc *SnapshotCache) Healthy(ctx context.Context) bool {
	sc.mu.RLock()
	healthy := sc.healthy
	last := sc.lastCheck
	sc.mu.RUnlock()

	if healthy || time.Since(last) < sc.checkInterval {
		return healthy
	}

	err := sc.client.Ping(ctx).Err()
	sc.mu.Lock()
	sc.lastCheck = time.Now()
	if err == nil {
		sc.healthy = true
		sc.failureCount = 0
		sc.logger.Info().Msg("Redis connection recovered")
	}
	healthy = sc.healthy
	sc.mu.Unlock()
	return healthy
}

// WriteSnapshot stores the agent state snapshot with the configured
// TTL. Implements runner.SnapshotWriter.
func (sc *SnapshotCache) WriteSnapshot(ctx context.Context, st controller.AgentState) error {
	if !sc.Healthy(ctx) {
		return fmt.Errorf("cache degraded")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf(snapshotKeyPrefix, st.AgentID)
	if err := sc.client.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		sc.recordFailure(err)
		return err
	}
	return nil
}

// ReadSnapshot fetches an agent's cached snapshot. Returns redis.Nil
// on a miss.
func (sc *SnapshotCache) ReadSnapshot(ctx context.Context, agentID string) (*controller.AgentState, error) {
	if !sc.Healthy(ctx) {
		return nil, fmt.Errorf("cache degraded")
	}
	key := fmt.Sprintf(snapshotKeyPrefix, agentID)
	data, err := sc.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			sc.recordFailure(err)
		}
		return nil, err
	}
	var st controller.AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &st, nil
}

// Close releases the Redis client.
func (sc *SnapshotCache) Close() error {
	return sc.client.Close()
}

func (sc *SnapshotCache) recordFailure(err error) {
	sc.mu.Lock()
	sc.failureCount++
	if sc.failureCount >= sc.maxFailures && sc.healthy {
		sc.healthy = false
		sc.lastCheck = time.Now()
		sc.logger.Warn().Err(err).Int("failures", sc.failureCount).
			Msg("Redis marked unhealthy, snapshot reads fall back to in-process state")
	}
	sc.mu.Unlock()
}
