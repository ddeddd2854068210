package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// MaxCacheTTL caps every cache entry: bounded-stale reads on the serve
// path must reflect state updates at least once per window W.
const MaxCacheTTL = 60 * time.Second

// Cache is a Redis read-through layer over the read-mostly store objects:
// experiment config, arm catalogs, and per-policy state snapshots. Misses
// and Redis outages fall through to the store; the cache is never load
// bearing for correctness, only for latency.
type Cache struct {
	store  *Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache wraps store with a Redis cache at addr. ttl is clamped to
// MaxCacheTTL.
func NewCache(store *Store, addr, password string, db int, ttl time.Duration) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return &Cache{
		store:  store,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		logger: slog.Default().With("component", "store_cache"),
	}
}

// NewCacheWithClient wraps an existing client (tests use miniature/mocked
// clients; cmd wires the real one).
func NewCacheWithClient(store *Store, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return &Cache{store: store, client: client, ttl: ttl, logger: slog.Default().With("component", "store_cache")}
}

// Close releases the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

func experimentKey(id string) string { return "exp:" + id }
func catalogKey(id string, version int) string {
	return fmt.Sprintf("catalog:%s:%d", id, version)
}
func statesKey(experimentID, policyID, contextKey string) string {
	return "state:" + experimentID + ":" + policyID + ":" + contextKey
}

// GetExperiment reads through the cache.
func (c *Cache) GetExperiment(ctx context.Context, id string) (*contracts.Experiment, error) {
	var exp contracts.Experiment
	if c.getJSON(ctx, experimentKey(id), &exp) {
		return &exp, nil
	}
	fresh, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	c.setJSON(ctx, experimentKey(id), fresh)
	return fresh, nil
}

// GetCatalog reads through the cache. Catalog versions are immutable, so a
// stale entry can never be wrong, only absent.
func (c *Cache) GetCatalog(ctx context.Context, experimentID string, version int) (*contracts.Catalog, error) {
	var cat contracts.Catalog
	if c.getJSON(ctx, catalogKey(experimentID, version), &cat) {
		return &cat, nil
	}
	fresh, err := c.store.GetCatalog(ctx, experimentID, version)
	if err != nil {
		return nil, err
	}
	c.setJSON(ctx, catalogKey(experimentID, version), fresh)
	return fresh, nil
}

// GetStates reads the arm→state map through the cache. Entries expire
// within the TTL, so serves observe updates with bounded staleness.
func (c *Cache) GetStates(ctx context.Context, experimentID, policyID, contextKey string) (map[string]*contracts.ArmState, error) {
	key := statesKey(experimentID, policyID, contextKey)
	var states map[string]*contracts.ArmState
	if c.getJSON(ctx, key, &states) {
		return states, nil
	}
	fresh, err := c.store.GetStates(ctx, experimentID, policyID, contextKey)
	if err != nil {
		return nil, err
	}
	c.setJSON(ctx, key, fresh)
	return fresh, nil
}

// InvalidateExperiment drops the config entry. The experiment manager
// calls this on every state transition so routing reacts immediately
// instead of waiting out the TTL.
func (c *Cache) InvalidateExperiment(ctx context.Context, id string) {
	if err := c.client.Del(ctx, experimentKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("cache invalidate failed", "key", experimentKey(id), "error", err)
	}
}

// InvalidateStates drops one policy-state entry after a write-through.
func (c *Cache) InvalidateStates(ctx context.Context, experimentID, policyID, contextKey string) {
	key := statesKey(experimentID, policyID, contextKey)
	if err := c.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

func (c *Cache) getJSON(ctx context.Context, key string, v any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) setJSON(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
