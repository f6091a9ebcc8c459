package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed discovery implementation.
type RedisConfig struct {
	Host                     string
	Port                     int
	Password                 string
	DB                       int
	HeartbeatIntervalSeconds int
}

// Redis satisfies Discovery using Redis hashes for instance metadata plus a
// parallel TTL'd sentinel key per instance (set via SET ... EX) standing in
// for the backend's native expiry mechanism, matching the key layout in
// spec §6: "service:<service_name>" -> hash of instance_id -> instance_json,
// "services:ttl:<service_name>:<instance_id>" -> sentinel with TTL.
type Redis struct {
	client *redis.Client
	log    *log.Logger

	mu        sync.Mutex
	renewStop map[string]chan struct{}
}

// NewRedis connects to Redis and verifies connectivity with Ping, mirroring
// the connect-then-ping shape used for the platform's other Redis client.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("discovery/redis: ping: %w", err)
	}
	return &Redis{
		client:    client,
		log:       log.New(os.Stderr, "[discovery.redis] ", log.LstdFlags),
		renewStop: make(map[string]chan struct{}),
	}, nil
}

func hashKey(serviceName string) string {
	return "service:" + serviceName
}

func ttlKey(serviceName, instanceID string) string {
	return fmt.Sprintf("services:ttl:%s:%s", serviceName, instanceID)
}

func (r *Redis) Register(ctx context.Context, instance ServiceInstance, ttl time.Duration) error {
	if instance.ServiceName == "" || instance.InstanceID == "" {
		return fmt.Errorf("discovery/redis: register requires a non-empty service name and instance id")
	}
	// A non-zero ExpiresAt marks the entry as TTL-bound, so liveInstances
	// drops it once its sentinel key has expired.
	if ttl > 0 {
		instance.ExpiresAt = time.Now().Add(ttl)
	} else {
		instance.ExpiresAt = time.Time{}
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("discovery/redis: marshal instance: %w", err)
	}
	if err := r.client.HSet(ctx, hashKey(instance.ServiceName), instance.InstanceID, data).Err(); err != nil {
		return fmt.Errorf("discovery/redis: hset: %w", err)
	}

	key := ttlKey(instance.ServiceName, instance.InstanceID)
	r.stopRenew(key)
	if ttl <= 0 {
		r.client.Del(ctx, key)
		return nil
	}
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("discovery/redis: set ttl sentinel: %w", err)
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.renewStop[key] = stop
	r.mu.Unlock()
	go r.renewLoop(key, ttl, stop)
	return nil
}

// renewLoop periodically refreshes the TTL sentinel, standing in for a
// native lease keep-alive mechanism, renewing at a third of the TTL the way
// the etcd backend renews its lease.
func (r *Redis) renewLoop(key string, ttl time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.client.Expire(context.Background(), key, ttl).Err(); err != nil {
				r.log.Printf("failed to renew ttl for %s: %v", key, err)
				return
			}
		}
	}
}

func (r *Redis) stopRenew(key string) {
	r.mu.Lock()
	if stop, ok := r.renewStop[key]; ok {
		close(stop)
		delete(r.renewStop, key)
	}
	r.mu.Unlock()
}

func (r *Redis) Deregister(ctx context.Context, serviceName, instanceID string) error {
	r.stopRenew(ttlKey(serviceName, instanceID))
	if err := r.client.HDel(ctx, hashKey(serviceName), instanceID).Err(); err != nil {
		return fmt.Errorf("discovery/redis: hdel: %w", err)
	}
	r.client.Del(ctx, ttlKey(serviceName, instanceID))
	return nil
}

// liveInstances fetches the full hash for a service and filters out any
// instance whose TTL sentinel key has expired (client-side, since Redis hash
// fields have no independent TTL).
func (r *Redis) liveInstances(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	all, err := r.client.HGetAll(ctx, hashKey(serviceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery/redis: hgetall: %w", err)
	}

	out := make([]ServiceInstance, 0, len(all))
	for instanceID, raw := range all {
		var inst ServiceInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			r.log.Printf("skipping malformed entry %s/%s: %v", serviceName, instanceID, err)
			continue
		}

		exists, err := r.client.Exists(ctx, ttlKey(serviceName, instanceID)).Result()
		if err != nil {
			continue
		}
		hadTTLKey := true
		if exists == 0 {
			hadTTLKey = false
		}
		if !inst.ExpiresAt.IsZero() && !hadTTLKey {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *Redis) QueryService(ctx context.Context, serviceName string) (ServiceInstance, bool, error) {
	live, err := r.liveInstances(ctx, serviceName)
	if err != nil {
		return ServiceInstance{}, false, err
	}
	if len(live) == 0 {
		return ServiceInstance{}, false, nil
	}
	return live[randomIndex(len(live))], true, nil
}

func (r *Redis) QueryAll(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	return r.liveInstances(ctx, serviceName)
}

func (r *Redis) QueryByMetadata(ctx context.Context, filters map[string]string) ([]ServiceInstance, error) {
	keys, err := r.client.Keys(ctx, "service:*").Result()
	if err != nil {
		return nil, fmt.Errorf("discovery/redis: keys: %w", err)
	}
	var out []ServiceInstance
	for _, key := range keys {
		serviceName := key[len("service:"):]
		live, err := r.liveInstances(ctx, serviceName)
		if err != nil {
			continue
		}
		for _, inst := range live {
			if inst.Metadata.MatchesFilters(filters) {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

func (r *Redis) QueryByCriteria(ctx context.Context, serviceName string, criteria Criteria) ([]ServiceInstance, error) {
	live, err := r.liveInstances(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	var out []ServiceInstance
	for _, inst := range live {
		if inst.Metadata.MatchesCriteria(criteria) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for _, stop := range r.renewStop {
		close(stop)
	}
	r.renewStop = make(map[string]chan struct{})
	r.mu.Unlock()
	return r.client.Close()
}
