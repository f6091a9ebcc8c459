package actor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cuihairu/shield/discovery"
)

// EventKind is the sum type of cluster events the discovery worker emits.
type EventKind int

const (
	EventNodeJoined EventKind = iota
	EventNodeLeft
	EventActorDiscovered
	EventActorLost
	EventClusterChanged
)

func (k EventKind) String() string {
	switch k {
	case EventNodeJoined:
		return "NodeJoined"
	case EventNodeLeft:
		return "NodeLeft"
	case EventActorDiscovered:
		return "ActorDiscovered"
	case EventActorLost:
		return "ActorLost"
	default:
		return "ClusterChanged"
	}
}

// Event is one cluster topology notification.
type Event struct {
	Kind    EventKind
	Subject string // node id or actor name, depending on Kind
}

// EventCallback receives cluster events. Panics from the callback are
// recovered and logged, never allowed to take down the discovery worker.
type EventCallback func(Event)

// ClusterStats aggregates the cluster's current shape.
type ClusterStats struct {
	TotalNodes    int
	TotalActors   int
	LocalActors   int
	RemoteActors  int
	ActorsByType  map[string]int
	ActorsByNode  map[string]int
}

// Runtime is a thin layer on top of Registry that stamps registrations with
// this node's id, runs the background discovery worker, aggregates cluster
// statistics, and exposes fanout addressing.
type Runtime struct {
	nodeID            string
	discoveryInterval time.Duration
	registry          *Registry
	discovery         discovery.Discovery
	scheduler         *Scheduler

	eventCb EventCallback
	log     *log.Logger

	mu         sync.Mutex
	knownNodes map[string]bool

	workerStop chan struct{}
	workerDone chan struct{}
}

// NewRuntime constructs a Runtime around an already-constructed Registry.
// workerThreads sizes the fixed worker pool that drains mailboxes
// (SendTo/BroadcastTo*); it defaults to DefaultWorkerThreads when <= 0.
func NewRuntime(nodeID string, reg *Registry, disc discovery.Discovery, discoveryInterval time.Duration, workerThreads int, eventCb EventCallback) *Runtime {
	if discoveryInterval <= 0 {
		discoveryInterval = 60 * time.Second
	}
	return &Runtime{
		nodeID:            nodeID,
		discoveryInterval: discoveryInterval,
		registry:          reg,
		discovery:         disc,
		scheduler:         NewScheduler(workerThreads),
		eventCb:           eventCb,
		log:               log.New(os.Stderr, "[actor.runtime] ", log.LstdFlags),
		knownNodes:        make(map[string]bool),
	}
}

// Initialize starts the registry's heartbeat worker, starts the discovery
// worker if autoDiscovery is set, and emits a self NodeJoined event.
func (rt *Runtime) Initialize(autoDiscovery bool) {
	rt.registry.StartHeartbeat()
	rt.mu.Lock()
	rt.knownNodes[rt.nodeID] = true
	rt.mu.Unlock()
	if autoDiscovery {
		rt.startDiscoveryWorker()
	}
	rt.emit(Event{Kind: EventNodeJoined, Subject: rt.nodeID})
}

// Shutdown stops the discovery worker, emits self NodeLeft, and tears down
// the registry (which deregisters every local actor).
func (rt *Runtime) Shutdown() {
	rt.stopDiscoveryWorker()
	rt.emit(Event{Kind: EventNodeLeft, Subject: rt.nodeID})
	rt.registry.Close()
}

func (rt *Runtime) emit(ev Event) {
	if rt.eventCb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			rt.log.Printf("event callback panicked: %v", r)
		}
	}()
	rt.eventCb(ev)
}

func (rt *Runtime) startDiscoveryWorker() {
	rt.workerStop = make(chan struct{})
	rt.workerDone = make(chan struct{})
	go rt.discoveryWorkerLoop()
}

func (rt *Runtime) stopDiscoveryWorker() {
	if rt.workerStop == nil {
		return
	}
	close(rt.workerStop)
	<-rt.workerDone
}

func (rt *Runtime) discoveryWorkerLoop() {
	defer close(rt.workerDone)
	ticker := time.NewTicker(rt.discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.workerStop:
			return
		case <-ticker.C:
			rt.discoveryTick()
		}
	}
}

// discoveryTick discovers the current cluster node set and diffs it
// against the previously known set, emitting NodeJoined/NodeLeft for the
// difference. A failure to reach discovery is logged and does not stop the
// loop.
func (rt *Runtime) discoveryTick() {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Printf("discovery tick panicked: %v", r)
		}
	}()

	current, err := rt.discoverClusterNodes(context.Background())
	if err != nil {
		rt.log.Printf("discovery tick failed: %v", err)
		return
	}

	rt.mu.Lock()
	var joined, left []string
	for n := range current {
		if !rt.knownNodes[n] {
			joined = append(joined, n)
		}
	}
	for n := range rt.knownNodes {
		if !current[n] {
			left = append(left, n)
		}
	}
	rt.knownNodes = current
	rt.mu.Unlock()

	for _, n := range joined {
		rt.emit(Event{Kind: EventNodeJoined, Subject: n})
	}
	for _, n := range left {
		rt.emit(Event{Kind: EventNodeLeft, Subject: n})
	}
	if len(joined)+len(left) > 0 {
		rt.emit(Event{Kind: EventClusterChanged})
	}
}

// discoverClusterNodes scans every actor:<type> bucket for distinct
// node_id attributes, always including self.
func (rt *Runtime) discoverClusterNodes(ctx context.Context) (map[string]bool, error) {
	nodes := map[string]bool{rt.nodeID: true}
	for _, t := range allTypes {
		all, err := rt.discovery.QueryAll(ctx, t.ServiceName())
		if err != nil {
			continue
		}
		for _, inst := range all {
			if id := inst.Metadata.CustomAttributes[TagNodeID]; id != "" {
				nodes[id] = true
			}
		}
	}
	return nodes, nil
}

// Find resolves name, checking local actors first, then remote discovery.
func (rt *Runtime) Find(ctx context.Context, name string) (Handle, bool) {
	if h, ok := rt.registry.FindLocal(name); ok {
		return h, true
	}
	h, _, ok := rt.registry.DiscoverRemote(ctx, name)
	return h, ok
}

// FindByType gathers actors of a type, optionally including local and/or
// remote entries.
func (rt *Runtime) FindByType(ctx context.Context, t Type, includeLocal, includeRemote bool) []Handle {
	var out []Handle
	seen := make(map[string]bool)

	if includeLocal {
		for _, entry := range rt.registry.FindLocalByType(t) {
			out = append(out, entry.Handle)
			seen[entry.Metadata.Name] = true
		}
	}
	if includeRemote {
		all, err := rt.discovery.QueryAll(ctx, t.ServiceName())
		if err == nil {
			for _, inst := range all {
				if seen[inst.InstanceID] {
					continue
				}
				if h, _, ok := rt.registry.DiscoverRemote(ctx, inst.InstanceID); ok {
					out = append(out, h)
				}
			}
		}
	}
	return out
}

// FindByGroup fans out to Registry.DiscoverByGroup.
func (rt *Runtime) FindByGroup(ctx context.Context, group string) []Handle {
	return rt.registry.DiscoverByGroup(ctx, group)
}

// SendTo finds name and attempts a one-way send, returning whether delivery
// was attempted (not whether it ultimately succeeded). The delivery itself
// runs on the Runtime's bounded worker pool, serialized per mailbox.
func (rt *Runtime) SendTo(ctx context.Context, name, msgType string, payload []byte) bool {
	h, ok := rt.Find(ctx, name)
	if !ok || !h.Valid() {
		return false
	}
	rt.scheduler.Submit(ctx, h.URI, h.Mailbox, msgType, payload, func(_ []byte, err error) {
		if err != nil {
			rt.log.Printf("send_to %q failed: %v", name, err)
		}
	})
	return true
}

// BroadcastToType fans a message out to every actor of a type, returning
// the count actually dispatched.
func (rt *Runtime) BroadcastToType(ctx context.Context, t Type, msgType string, payload []byte, includeLocal, includeRemote bool) int {
	handles := rt.FindByType(ctx, t, includeLocal, includeRemote)
	return rt.dispatchAll(ctx, handles, msgType, payload)
}

// BroadcastToGroup fans a message out to every actor in a service group.
func (rt *Runtime) BroadcastToGroup(ctx context.Context, group, msgType string, payload []byte) int {
	return rt.dispatchAll(ctx, rt.FindByGroup(ctx, group), msgType, payload)
}

func (rt *Runtime) dispatchAll(ctx context.Context, handles []Handle, msgType string, payload []byte) int {
	count := 0
	for _, h := range handles {
		if !h.Valid() {
			continue
		}
		count++
		rt.scheduler.Submit(ctx, h.URI, h.Mailbox, msgType, payload, func(_ []byte, err error) {
			if err != nil {
				rt.log.Printf("broadcast delivery failed: %v", err)
			}
		})
	}
	return count
}

// ClusterTopology maps each known node id to the actor-type names observed
// hosted there.
func (rt *Runtime) ClusterTopology(ctx context.Context) map[string][]string {
	topo := make(map[string][]string)
	for _, t := range allTypes {
		all, err := rt.discovery.QueryAll(ctx, t.ServiceName())
		if err != nil {
			continue
		}
		for _, inst := range all {
			node := inst.Metadata.CustomAttributes[TagNodeID]
			if node == "" {
				continue
			}
			topo[node] = appendUnique(topo[node], t.String())
		}
	}
	return topo
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Stats aggregates cluster-wide actor and node counts by scanning every
// type bucket in discovery; an actor counts as local when its node_id is
// this node's.
func (rt *Runtime) Stats(ctx context.Context) ClusterStats {
	stats := ClusterStats{
		ActorsByType: make(map[string]int),
		ActorsByNode: make(map[string]int),
	}

	nodes := map[string]bool{}
	for _, t := range allTypes {
		all, err := rt.discovery.QueryAll(ctx, t.ServiceName())
		if err != nil {
			continue
		}
		for _, inst := range all {
			stats.TotalActors++
			stats.ActorsByType[t.String()]++
			node := inst.Metadata.CustomAttributes[TagNodeID]
			if node != "" {
				nodes[node] = true
				stats.ActorsByNode[node]++
			}
			if node == rt.nodeID {
				stats.LocalActors++
			} else {
				stats.RemoteActors++
			}
		}
	}
	stats.TotalNodes = len(nodes)
	return stats
}
