package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd-backed discovery implementation.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
}

// Etcd satisfies Discovery against an etcd v3 cluster: registration renews
// through lease keep-alive rather than the client polling for expiry, and
// queries use a prefix Get, so server-side filtering is unavailable and all
// filter predicates are applied client-side after fetch.
type Etcd struct {
	cli       *clientv3.Client
	namespace string
	log       *log.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup

	closed     bool
	closedChan chan struct{}
}

// NewEtcd dials the configured etcd endpoints and verifies connectivity with
// a bounded health-check request before returning.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("discovery/etcd: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery/etcd: dial: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("discovery/etcd: health check: %w", err)
	}

	return &Etcd{
		cli:        cli,
		namespace:  cfg.Namespace,
		log:        log.New(os.Stderr, "[discovery.etcd] ", log.LstdFlags),
		leases:     make(map[string]clientv3.LeaseID),
		cancel:     make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}, nil
}

func (e *Etcd) key(serviceName, instanceID string) string {
	return fmt.Sprintf("/%s/%s/%s", e.namespace, serviceName, instanceID)
}

func (e *Etcd) prefix(serviceName string) string {
	return fmt.Sprintf("/%s/%s/", e.namespace, serviceName)
}

func (e *Etcd) Register(ctx context.Context, instance ServiceInstance, ttl time.Duration) error {
	if instance.ServiceName == "" || instance.InstanceID == "" {
		return fmt.Errorf("discovery/etcd: register requires a non-empty service name and instance id")
	}
	key := e.key(instance.ServiceName, instance.InstanceID)

	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("discovery/etcd: marshal instance: %w", err)
	}

	if ttl <= 0 {
		if _, err := e.cli.Put(ctx, key, string(data)); err != nil {
			return fmt.Errorf("discovery/etcd: put: %w", err)
		}
		return nil
	}

	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.cli.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("discovery/etcd: grant lease: %w", err)
	}
	if _, err := e.cli.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery/etcd: put with lease: %w", err)
	}

	e.stopKeepalive(key)

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.leases[key] = lease.ID
	e.cancel[key] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.keepalive(keepaliveCtx, key, lease.ID, ttl)
	return nil
}

func (e *Etcd) keepalive(ctx context.Context, key string, leaseID clientv3.LeaseID, ttl time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closedChan:
			return
		case <-ticker.C:
			if _, err := e.cli.KeepAliveOnce(context.Background(), leaseID); err != nil {
				e.log.Printf("keepalive failed for %s: %v", key, err)
				e.mu.Lock()
				delete(e.leases, key)
				delete(e.cancel, key)
				e.mu.Unlock()
				return
			}
		}
	}
}

func (e *Etcd) stopKeepalive(key string) {
	e.mu.Lock()
	if cancel, ok := e.cancel[key]; ok {
		cancel()
		delete(e.cancel, key)
		delete(e.leases, key)
	}
	e.mu.Unlock()
}

func (e *Etcd) Deregister(ctx context.Context, serviceName, instanceID string) error {
	key := e.key(serviceName, instanceID)
	e.stopKeepalive(key)
	if _, err := e.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("discovery/etcd: delete: %w", err)
	}
	return nil
}

func (e *Etcd) fetchAll(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := e.cli.Get(ctx, e.prefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery/etcd: get: %w", err)
	}
	out := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			e.log.Printf("skipping malformed entry at %s: %v", kv.Key, err)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (e *Etcd) QueryService(ctx context.Context, serviceName string) (ServiceInstance, bool, error) {
	all, err := e.fetchAll(ctx, serviceName)
	if err != nil {
		return ServiceInstance{}, false, err
	}
	live := liveOnly(all)
	if len(live) == 0 {
		return ServiceInstance{}, false, nil
	}
	return live[randomIndex(len(live))], true, nil
}

func (e *Etcd) QueryAll(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	all, err := e.fetchAll(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	return liveOnly(all), nil
}

func (e *Etcd) QueryByMetadata(ctx context.Context, filters map[string]string) ([]ServiceInstance, error) {
	resp, err := e.cli.Get(ctx, "/"+e.namespace+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery/etcd: get: %w", err)
	}
	var out []ServiceInstance
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		if inst.Expired(time.Now()) {
			continue
		}
		if inst.Metadata.MatchesFilters(filters) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (e *Etcd) QueryByCriteria(ctx context.Context, serviceName string, criteria Criteria) ([]ServiceInstance, error) {
	all, err := e.QueryAll(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	var out []ServiceInstance
	for _, inst := range all {
		if inst.Metadata.MatchesCriteria(criteria) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, cancel := range e.cancel {
		cancel()
	}
	e.mu.Unlock()

	close(e.closedChan)
	e.wg.Wait()
	return e.cli.Close()
}

func liveOnly(instances []ServiceInstance) []ServiceInstance {
	now := time.Now()
	out := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if !inst.Expired(now) {
			out = append(out, inst)
		}
	}
	return out
}
