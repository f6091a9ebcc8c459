package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"
)

// NacosConfig configures the Nacos-backed discovery implementation.
type NacosConfig struct {
	ServerAddr               string
	HeartbeatIntervalSeconds int
}

// Nacos satisfies Discovery against a Nacos server's plain HTTP OpenAPI,
// the same raw-HTTP-no-SDK approach used for Consul: instance registration
// plus a periodic beat call standing in for Nacos's own instance heartbeat.
// Metadata filtering is done client-side against a local shadow copy, since
// Nacos's instance-list API returns a narrower shape than ServiceMetadata.
type Nacos struct {
	baseURL string
	http    *http.Client
	log     *log.Logger

	mu          sync.Mutex
	beatStops   map[string]chan struct{}
	instMu      sync.RWMutex
	instances   map[string]map[string]ServiceInstance
}

// NewNacos builds a client against the given server address (host:port).
func NewNacos(cfg NacosConfig) *Nacos {
	return &Nacos{
		baseURL:   "http://" + cfg.ServerAddr,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log.New(os.Stderr, "[discovery.nacos] ", log.LstdFlags),
		beatStops: make(map[string]chan struct{}),
		instances: make(map[string]map[string]ServiceInstance),
	}
}

func (n *Nacos) Register(ctx context.Context, instance ServiceInstance, ttl time.Duration) error {
	if instance.ServiceName == "" || instance.InstanceID == "" {
		return fmt.Errorf("discovery/nacos: register requires a non-empty service name and instance id")
	}

	host, portStr, err := splitHostPort(instance.Address)
	if err != nil {
		return fmt.Errorf("discovery/nacos: %w", err)
	}

	values := url.Values{}
	values.Set("serviceName", instance.ServiceName)
	values.Set("ip", host)
	values.Set("port", portStr)
	metaJSON, _ := json.Marshal(instance.Metadata.CustomAttributes)
	values.Set("metadata", string(metaJSON))

	if err := n.post(ctx, "/nacos/v1/ns/instance", values); err != nil {
		return fmt.Errorf("discovery/nacos: register: %w", err)
	}

	n.instMu.Lock()
	bucket, ok := n.instances[instance.ServiceName]
	if !ok {
		bucket = make(map[string]ServiceInstance)
		n.instances[instance.ServiceName] = bucket
	}
	stored := instance
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	} else {
		stored.ExpiresAt = time.Time{}
	}
	bucket[instance.InstanceID] = stored
	n.instMu.Unlock()

	key := instance.ServiceName + "/" + instance.InstanceID
	n.stopBeat(key)
	interval := ttl
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	n.mu.Lock()
	n.beatStops[key] = stop
	n.mu.Unlock()
	go n.beatLoop(key, instance.ServiceName, host, portStr, interval, stop)
	return nil
}

func (n *Nacos) beatLoop(key, serviceName, host, port string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			values := url.Values{}
			values.Set("serviceName", serviceName)
			beat := map[string]any{"ip": host, "port": port}
			beatJSON, _ := json.Marshal(beat)
			values.Set("beat", string(beatJSON))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := n.put(ctx, "/nacos/v1/ns/instance/beat", values)
			cancel()
			if err != nil {
				n.log.Printf("heartbeat failed for %s: %v", key, err)
			}
		}
	}
}

func (n *Nacos) stopBeat(key string) {
	n.mu.Lock()
	if stop, ok := n.beatStops[key]; ok {
		close(stop)
		delete(n.beatStops, key)
	}
	n.mu.Unlock()
}

func (n *Nacos) Deregister(ctx context.Context, serviceName, instanceID string) error {
	key := serviceName + "/" + instanceID
	n.stopBeat(key)

	n.instMu.Lock()
	var host, port string
	if bucket, ok := n.instances[serviceName]; ok {
		if inst, ok := bucket[instanceID]; ok {
			host, port, _ = splitHostPort(inst.Address)
		}
		delete(bucket, instanceID)
		if len(bucket) == 0 {
			delete(n.instances, serviceName)
		}
	}
	n.instMu.Unlock()

	if host == "" {
		return nil
	}
	values := url.Values{}
	values.Set("serviceName", serviceName)
	values.Set("ip", host)
	values.Set("port", port)
	if err := n.delete(ctx, "/nacos/v1/ns/instance", values); err != nil {
		n.log.Printf("deregister %s returned an error (treated as idempotent): %v", key, err)
	}
	return nil
}

func (n *Nacos) QueryService(_ context.Context, serviceName string) (ServiceInstance, bool, error) {
	live := n.liveSnapshot(serviceName)
	if len(live) == 0 {
		return ServiceInstance{}, false, nil
	}
	return live[randomIndex(len(live))], true, nil
}

func (n *Nacos) QueryAll(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	return n.liveSnapshot(serviceName), nil
}

func (n *Nacos) QueryByMetadata(_ context.Context, filters map[string]string) ([]ServiceInstance, error) {
	n.instMu.RLock()
	defer n.instMu.RUnlock()
	now := time.Now()
	var out []ServiceInstance
	for _, bucket := range n.instances {
		for _, inst := range bucket {
			if inst.Expired(now) {
				continue
			}
			if inst.Metadata.MatchesFilters(filters) {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

func (n *Nacos) QueryByCriteria(_ context.Context, serviceName string, criteria Criteria) ([]ServiceInstance, error) {
	live := n.liveSnapshot(serviceName)
	var out []ServiceInstance
	for _, inst := range live {
		if inst.Metadata.MatchesCriteria(criteria) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (n *Nacos) liveSnapshot(serviceName string) []ServiceInstance {
	n.instMu.RLock()
	defer n.instMu.RUnlock()
	now := time.Now()
	bucket := n.instances[serviceName]
	out := make([]ServiceInstance, 0, len(bucket))
	for _, inst := range bucket {
		if !inst.Expired(now) {
			out = append(out, inst)
		}
	}
	return out
}

func (n *Nacos) Close() error {
	n.mu.Lock()
	for _, stop := range n.beatStops {
		close(stop)
	}
	n.beatStops = make(map[string]chan struct{})
	n.mu.Unlock()
	return nil
}

func (n *Nacos) post(ctx context.Context, path string, values url.Values) error {
	return n.do(ctx, http.MethodPost, path, values)
}

func (n *Nacos) put(ctx context.Context, path string, values url.Values) error {
	return n.do(ctx, http.MethodPut, path, values)
}

func (n *Nacos) delete(ctx context.Context, path string, values url.Values) error {
	return n.do(ctx, http.MethodDelete, path, values)
}

func (n *Nacos) do(ctx context.Context, method, path string, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("nacos server returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

func splitHostPort(address string) (host, port string, err error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("parsing address %q: %w", address, err)
	}
	h := u.Hostname()
	p := u.Port()
	if h == "" || p == "" {
		return "", "", fmt.Errorf("address %q must be host:port form", address)
	}
	if _, err := strconv.Atoi(p); err != nil {
		return "", "", fmt.Errorf("address %q has a non-numeric port", address)
	}
	return h, p, nil
}
