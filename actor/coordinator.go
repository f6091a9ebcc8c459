package actor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cuihairu/shield/discovery"
)

// StatusCallback receives human-readable coordinator state transitions and
// errors.
type StatusCallback func(state string, detail string)

// CoordinatorOptions configures the facade.
type CoordinatorOptions struct {
	NodeID            string
	HeartbeatInterval time.Duration
	DiscoveryInterval time.Duration
	WorkerThreads     int
	AutoDiscovery     bool
	EventCallback     EventCallback
	StatusCallback    StatusCallback
}

// Coordinator owns one Discovery instance, one Runtime, and the registered
// actor set, exposing the single facade a deployment's entrypoint drives.
type Coordinator struct {
	opts      CoordinatorOptions
	discovery discovery.Discovery
	registry  *Registry
	runtime   *Runtime

	mu      sync.Mutex
	status  map[string]string
	log     *log.Logger
}

// NewCoordinator wires a Discovery backend, a Registry, and a Runtime
// together but does not start any background workers; call Initialize for
// that.
func NewCoordinator(disc discovery.Discovery, opts CoordinatorOptions) (*Coordinator, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("actor: coordinator requires a non-empty node id")
	}
	reg, err := NewRegistry(opts.NodeID, disc, nil, opts.HeartbeatInterval)
	if err != nil {
		return nil, fmt.Errorf("actor: building registry: %w", err)
	}
	rt := NewRuntime(opts.NodeID, reg, disc, opts.DiscoveryInterval, opts.WorkerThreads, opts.EventCallback)

	return &Coordinator{
		opts:      opts,
		discovery: disc,
		registry:  reg,
		runtime:   rt,
		status:    make(map[string]string),
		log:       log.New(os.Stderr, "[actor.coordinator] ", log.LstdFlags),
	}, nil
}

func (c *Coordinator) setStatus(state, detail string) {
	c.mu.Lock()
	c.status[state] = detail
	c.mu.Unlock()
	if c.opts.StatusCallback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Printf("status callback panicked: %v", r)
				}
			}()
			c.opts.StatusCallback(state, detail)
		}()
	}
}

// Initialize starts the runtime (heartbeat + discovery worker) and emits
// the coordinator's own self NodeJoined event.
func (c *Coordinator) Initialize() {
	c.setStatus("initializing", "")
	c.runtime.Initialize(c.opts.AutoDiscovery)
	c.setStatus("initialized", "")
}

// Start is a no-op placeholder for symmetry with Stop; all coordinator
// state is already live after Initialize. Kept as a distinct call so a
// deployment's lifecycle (initialize, start, ... , stop) matches the spec's
// named phases even though this facade has no separate serving step of its
// own (that belongs to the out-of-scope gateway layer).
func (c *Coordinator) Start() {
	c.setStatus("running", "")
}

// Stop tears the coordinator down in the spec's reverse-of-initialize
// order: runtime shutdown (which stops discovery worker, emits NodeLeft,
// and deregisters locals), then the discovery backend's own Close. Calls
// after the first are no-ops.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	_, already := c.status["stopping"]
	c.status["stopping"] = ""
	c.mu.Unlock()
	if already {
		return
	}
	c.setStatus("stopping", "")
	c.runtime.Shutdown()
	if err := c.discovery.Close(); err != nil {
		c.log.Printf("closing discovery backend: %v", err)
	}
	c.setStatus("stopped", "")
}

// SpawnAndRegister registers an already-constructed Mailbox (e.g. a
// Scripted Actor Bridge instance) under the given addressing metadata and
// returns its Handle.
func (c *Coordinator) SpawnAndRegister(ctx context.Context, t Type, name, group string, tags map[string]string, mailbox Mailbox, uri string) (Handle, error) {
	meta := Metadata{Type: t, Name: name, ServiceGroup: group, Tags: tags, LoadWeight: 100}
	if err := c.registry.Register(ctx, meta, mailbox, uri); err != nil {
		return Handle{}, err
	}
	h, _ := c.registry.FindLocal(name)
	return h, nil
}

// Find resolves an actor by name, local-first then remote.
func (c *Coordinator) Find(ctx context.Context, name string) (Handle, bool) {
	return c.runtime.Find(ctx, name)
}

// FindByType resolves every actor of a type.
func (c *Coordinator) FindByType(ctx context.Context, t Type, includeLocal, includeRemote bool) []Handle {
	return c.runtime.FindByType(ctx, t, includeLocal, includeRemote)
}

// SendTo attempts a one-way send to a named actor.
func (c *Coordinator) SendTo(ctx context.Context, name, msgType string, payload []byte) bool {
	return c.runtime.SendTo(ctx, name, msgType, payload)
}

// BroadcastToType fans a message out to every actor of a type.
func (c *Coordinator) BroadcastToType(ctx context.Context, t Type, msgType string, payload []byte, includeLocal, includeRemote bool) int {
	return c.runtime.BroadcastToType(ctx, t, msgType, payload, includeLocal, includeRemote)
}

// Status returns a snapshot of the most recent state-transition details.
func (c *Coordinator) Status() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// Runtime exposes the underlying Runtime for callers (e.g. the Scripted
// Actor Bridge) that need the fuller addressing surface.
func (c *Coordinator) Runtime() *Runtime { return c.runtime }
