package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/cuihairu/shield/discovery"
)

// ErrActorNotFound is returned when a name cannot be resolved locally or
// through any discovery backend. Callers doing a plain lookup (Find,
// DiscoverRemote) get a boolean found flag instead; this sentinel exists
// for the few paths, like scanForActor, that need to distinguish "not
// found" from other failures with errors.Is.
var ErrActorNotFound = errors.New("actor: not found in cluster")

// RemoteCacheTTL bounds how long a resolved remote handle is trusted before
// the registry will re-resolve it; this is the "best-effort cache" the
// spec calls for, generalizing the teacher's activation cache from WASM
// module activations to remote actor handles.
const RemoteCacheTTL = 30 * time.Second

// DiscoveryCallback is invoked when a remote actor is resolved for the
// first time.
type DiscoveryCallback func(name string, meta Metadata)

// RemovalCallback is invoked when a local actor is unregistered.
type RemovalCallback func(name string, meta Metadata)

// Registry keeps the authoritative local `name -> RegisteredActor` map and
// resolves remote names through Discovery with a best-effort cache. It
// never performs I/O while holding its local-map mutex.
type Registry struct {
	nodeID    string
	discovery discovery.Discovery
	transport Transport

	mu    sync.RWMutex
	local map[string]*RegisteredActor

	remoteCache *ristretto.Cache
	resolveOnce singleflight.Group

	discoveryCb DiscoveryCallback
	removalCb   RemovalCallback

	log *log.Logger

	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	heartbeatDone     chan struct{}
}

// NewRegistry constructs a Registry bound to one node and one Discovery
// backend.
func NewRegistry(nodeID string, disc discovery.Discovery, transport Transport, heartbeatInterval time.Duration) (*Registry, error) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("actor: building remote cache: %w", err)
	}
	if transport == nil {
		transport = globalLocalTransport
	}
	return &Registry{
		nodeID:            nodeID,
		discovery:         disc,
		transport:         transport,
		local:             make(map[string]*RegisteredActor),
		remoteCache:       cache,
		log:               log.New(os.Stderr, "[actor.registry] ", log.LstdFlags),
		heartbeatInterval: heartbeatInterval,
	}, nil
}

// SetDiscoveryCallback installs the callback fired on first remote
// resolution of a name.
func (r *Registry) SetDiscoveryCallback(cb DiscoveryCallback) { r.discoveryCb = cb }

// SetRemovalCallback installs the callback fired when a local actor is
// unregistered.
func (r *Registry) SetRemovalCallback(cb RemovalCallback) { r.removalCb = cb }

// Register composes a ServiceInstance from meta, publishes the mailbox's
// URI with Discovery under a TTL of 2*heartbeatInterval, and on success
// inserts the actor into the local table with LastHeartbeat set to now.
func (r *Registry) Register(ctx context.Context, meta Metadata, mailbox Mailbox, uri string) error {
	meta.NodeID = r.nodeID
	meta.LastHeartbeat = time.Now()

	r.mu.Lock()
	if _, exists := r.local[meta.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("actor: %q is already registered on this node", meta.Name)
	}
	r.mu.Unlock()

	instance := meta.ToServiceInstance(uri)
	if err := r.discovery.Register(ctx, instance, 2*r.heartbeatInterval); err != nil {
		return fmt.Errorf("actor: registering %q with discovery: %w", meta.Name, err)
	}

	if uri != "" {
		globalLocalTransport.publish(uri, mailbox)
	}

	r.mu.Lock()
	r.local[meta.Name] = &RegisteredActor{
		Handle:   Handle{URI: uri, IsLocal: true, Mailbox: mailbox},
		Metadata: meta,
		URI:      uri,
		IsLocal:  true,
	}
	r.mu.Unlock()
	return nil
}

// Unregister deregisters from discovery (ignoring failures, per spec),
// removes the local entry, and notifies the removal callback.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	entry, ok := r.local[name]
	if ok {
		delete(r.local, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.discovery.Deregister(ctx, entry.Metadata.Type.ServiceName(), name); err != nil {
		r.log.Printf("deregistering %q from discovery failed (removed locally anyway): %v", name, err)
	}
	if entry.URI != "" {
		globalLocalTransport.unpublish(entry.URI)
	}
	if r.removalCb != nil {
		r.removalCb(name, entry.Metadata)
	}
}

// FindLocal returns the local handle for name, or an invalid Handle if this
// node does not host it.
func (r *Registry) FindLocal(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.local[name]
	if !ok {
		return Handle{}, false
	}
	return entry.Handle, true
}

// FindLocalByType scans the local table for every actor of the given type.
func (r *Registry) FindLocalByType(t Type) []RegisteredActor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RegisteredActor
	for _, entry := range r.local {
		if entry.Metadata.Type == t {
			out = append(out, *entry)
		}
	}
	return out
}

// AllLocal returns every locally-registered actor.
func (r *Registry) AllLocal() []RegisteredActor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredActor, 0, len(r.local))
	for _, entry := range r.local {
		out = append(out, *entry)
	}
	return out
}

// DiscoverRemote resolves name through the cache, then by scanning every
// actor:<type> service bucket for a matching instance_id. An unreachable
// remote is reported as not found; there is no negative caching, so the
// next call will try again from scratch.
func (r *Registry) DiscoverRemote(ctx context.Context, name string) (Handle, Metadata, bool) {
	if cached, ok := r.remoteCache.Get(name); ok {
		ra := cached.(RegisteredActor)
		return ra.Handle, ra.Metadata, true
	}

	// Concurrent lookups of the same name debounce onto a single scan of
	// the discovery backend, the way the teacher's version-stamp fetch
	// debounces concurrent readers rather than each issuing its own
	// backend round trip.
	v, err, _ := r.resolveOnce.Do(name, func() (any, error) {
		return r.scanForActor(ctx, name)
	})
	if err != nil {
		return Handle{}, Metadata{}, false
	}
	ra := v.(RegisteredActor)
	return ra.Handle, ra.Metadata, true
}

func (r *Registry) scanForActor(ctx context.Context, name string) (RegisteredActor, error) {
	for _, t := range allTypes {
		all, err := r.discovery.QueryAll(ctx, t.ServiceName())
		if err != nil {
			continue
		}
		for _, inst := range all {
			if inst.InstanceID != name {
				continue
			}
			meta := MetadataFromServiceInstance(inst)
			mailbox, err := r.transport.Dial(ctx, inst.Address)
			if err != nil {
				return RegisteredActor{}, err
			}
			handle := Handle{URI: inst.Address, IsLocal: false, Mailbox: mailbox}
			ra := RegisteredActor{Handle: handle, Metadata: meta, URI: inst.Address}
			r.remoteCache.SetWithTTL(name, ra, 1, RemoteCacheTTL)
			if r.discoveryCb != nil {
				r.discoveryCb(name, meta)
			}
			return ra, nil
		}
	}
	return RegisteredActor{}, fmt.Errorf("%w: %q", ErrActorNotFound, name)
}

// DiscoverByGroup iterates every type bucket, filters on
// custom_attributes.service_group == group, and resolves local entries to
// their owned handles and remote entries via the same connect-and-cache
// path as DiscoverRemote.
func (r *Registry) DiscoverByGroup(ctx context.Context, group string) []Handle {
	var out []Handle
	seen := make(map[string]bool)

	for _, t := range allTypes {
		all, err := r.discovery.QueryAll(ctx, t.ServiceName())
		if err != nil {
			continue
		}
		for _, inst := range all {
			if inst.Metadata.CustomAttributes[TagServiceGroup] != group {
				continue
			}
			if seen[inst.InstanceID] {
				continue
			}
			seen[inst.InstanceID] = true

			if inst.Metadata.CustomAttributes[TagNodeID] == r.nodeID {
				if h, ok := r.FindLocal(inst.InstanceID); ok {
					out = append(out, h)
				}
				continue
			}
			if h, _, ok := r.DiscoverRemote(ctx, inst.InstanceID); ok {
				out = append(out, h)
			}
		}
	}
	return out
}

// StartHeartbeat spawns the dedicated worker that loops every
// heartbeatInterval, updating LastHeartbeat and re-registering each local
// actor with a renewed TTL of 2*heartbeatInterval.
func (r *Registry) StartHeartbeat() {
	r.heartbeatStop = make(chan struct{})
	r.heartbeatDone = make(chan struct{})
	go r.heartbeatLoop()
}

// StopHeartbeat stops the heartbeat worker and waits for it to exit.
func (r *Registry) StopHeartbeat() {
	if r.heartbeatStop == nil {
		return
	}
	close(r.heartbeatStop)
	<-r.heartbeatDone
}

func (r *Registry) heartbeatLoop() {
	defer close(r.heartbeatDone)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.heartbeatStop:
			return
		case <-ticker.C:
			r.heartbeatOnce()
		}
	}
}

func (r *Registry) heartbeatOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
	defer cancel()

	// Stamp LastHeartbeat and snapshot each entry's metadata/URI under the
	// lock so this loop never reads or writes map-owned *RegisteredActor
	// state concurrently with FindLocalByType/AllLocal, which read it under
	// RLock.
	r.mu.Lock()
	now := time.Now()
	instances := make([]discovery.ServiceInstance, 0, len(r.local))
	names := make([]string, 0, len(r.local))
	for _, e := range r.local {
		e.Metadata.LastHeartbeat = now
		instances = append(instances, e.Metadata.ToServiceInstance(e.URI))
		names = append(names, e.Metadata.Name)
	}
	r.mu.Unlock()

	for i, instance := range instances {
		if err := r.discovery.Register(ctx, instance, 2*r.heartbeatInterval); err != nil {
			r.log.Printf("heartbeat renewal failed for %q: %v", names[i], err)
		}
	}
}

// Close tears down the registry, deregistering every local actor, matching
// the spec's "registry destructor deregisters all locals" ordering.
func (r *Registry) Close() {
	r.StopHeartbeat()

	r.mu.Lock()
	names := make([]string, 0, len(r.local))
	for name := range r.local {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Unregister(context.Background(), name)
	}
}
