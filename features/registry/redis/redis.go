// Package redis implements registry.Registry on Redis.
//
// Each registration is a string key `active_run:{instance}:{run_id}` written
// with SET EX. Redis expiry is the liveness mechanism: a worker that stops
// refreshing (crash, partition) loses its keys after the TTL and the run
// becomes eligible for redelivery. Listing walks the keyspace with SCAN so
// large deployments never block the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lodestar-ai/lodestar/runtime/agent/registry"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 100

type (
	// Options configures the Redis registry.
	Options struct {
		// Redis is the client used for all operations. Required.
		Redis *redis.Client
		// TTL overrides the default registration TTL.
		TTL time.Duration
		// Logger receives diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Registry implements registry.Registry on a Redis keyspace.
	Registry struct {
		rdb    *redis.Client
		ttl    time.Duration
		logger telemetry.Logger
	}
)

var _ registry.Registry = (*Registry)(nil)

// New returns a Redis-backed registry.
func New(opts Options) (*Registry, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = registry.TTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{rdb: opts.Redis, ttl: ttl, logger: logger}, nil
}

// Register implements registry.Registry. The value records the registration
// time; only the key's existence carries meaning.
func (r *Registry) Register(ctx context.Context, instance, runID string) error {
	val := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.rdb.Set(ctx, registry.Key(instance, runID), val, r.ttl).Err(); err != nil {
		return fmt.Errorf("register run %s on %s: %w", runID, instance, err)
	}
	return nil
}

// Deregister implements registry.Registry.
func (r *Registry) Deregister(ctx context.Context, instance, runID string) error {
	if err := r.rdb.Del(ctx, registry.Key(instance, runID)).Err(); err != nil {
		return fmt.Errorf("deregister run %s on %s: %w", runID, instance, err)
	}
	return nil
}

// ListActive implements registry.Registry.
func (r *Registry) ListActive(ctx context.Context, instance string) ([]string, error) {
	keys, err := r.scan(ctx, registry.Key(instance, "*"))
	if err != nil {
		return nil, fmt.Errorf("list active runs on %s: %w", instance, err)
	}
	runs := make([]string, 0, len(keys))
	for _, k := range keys {
		if inst, runID, ok := registry.ParseKey(k); ok && inst == instance {
			runs = append(runs, runID)
		}
	}
	return runs, nil
}

// FindInstances implements registry.Registry.
func (r *Registry) FindInstances(ctx context.Context, runID string) ([]string, error) {
	keys, err := r.scan(ctx, registry.Key("*", runID))
	if err != nil {
		return nil, fmt.Errorf("find instances for run %s: %w", runID, err)
	}
	instances := make([]string, 0, len(keys))
	for _, k := range keys {
		if inst, _, ok := registry.ParseKey(k); ok {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

// RefreshTTL implements registry.Registry. EXPIRE on a missing key reports
// false without an error, which matches the interface's no-op contract.
func (r *Registry) RefreshTTL(ctx context.Context, instance, runID string) error {
	refreshed, err := r.rdb.Expire(ctx, registry.Key(instance, runID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("refresh ttl for run %s on %s: %w", runID, instance, err)
	}
	if !refreshed {
		r.logger.Debug(ctx, "registry refresh on missing key", "run_id", runID, "instance", instance)
	}
	return nil
}

func (r *Registry) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
