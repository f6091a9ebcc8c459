// Package vmpool implements a bounded, elastic pool of isolated Lua
// interpreters with RAII-style leases, idle reclamation, script preloading,
// and health-based eviction.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// ErrPoolExhausted is returned by Acquire when no VM became available
// before the deadline and the pool could not expand.
var ErrPoolExhausted = errors.New("vmpool: exhausted, no VM available before timeout")

// ErrPoolStopped is returned by Acquire once the pool has been stopped.
var ErrPoolStopped = errors.New("vmpool: pool is stopped")

// ErrVMUnhealthy is returned by Acquire when a newly created interpreter
// fails its preload and cannot be handed out, per the decision that preload
// failure renders a VM unhealthy rather than merely logging a warning.
var ErrVMUnhealthy = errors.New("vmpool: vm failed preload and is unhealthy")

// Config configures a Pool. InitialSize, MinSize, and MaxSize must satisfy
// MinSize <= InitialSize <= MaxSize.
type Config struct {
	InitialSize    int
	MinSize        int
	MaxSize        int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	PreloadScripts bool
	ScriptPaths    []string
}

func (c Config) clamp() Config {
	if c.MinSize < 1 {
		c.MinSize = 1
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.InitialSize < c.MinSize {
		c.InitialSize = c.MinSize
	}
	if c.InitialSize > c.MaxSize {
		c.InitialSize = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	return c
}

// pooledVM wraps one interpreter and its pool bookkeeping. Every VM not
// currently on loan is either sitting in Pool.available or has been dropped
// entirely; a VM never outlives both its pool slot and its lease.
type pooledVM struct {
	id       int
	uuid     string
	state    *lua.LState
	lastUsed time.Time
	healthy  bool
}

// Stats reports atomic, point-in-time pool statistics.
type Stats struct {
	TotalVMs           int
	AvailableVMs       int
	ActiveVMs          int
	TotalAcquisitions  uint64
	FailedAcquisitions uint64
	AverageWaitTimeMs  float64
}

// Pool is a bounded, elastic pool of Lua interpreters.
type Pool struct {
	cfg Config
	log *log.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	available []*pooledVM
	total     int
	nextID    int
	running   bool

	preloadFiles   []string
	preloadSources map[string]string

	totalAcquisitions  uint64
	failedAcquisitions uint64
	totalWaitMs        float64

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Pool, creates InitialSize VMs, and starts the idle
// cleanup goroutine.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.clamp()
	p := &Pool{
		cfg:            cfg,
		log:            log.New(os.Stderr, "[vmpool] ", log.LstdFlags),
		preloadSources: make(map[string]string),
		cleanupStop:    make(chan struct{}),
		cleanupDone:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.PreloadScripts {
		p.preloadFiles = append(p.preloadFiles, cfg.ScriptPaths...)
	}

	p.mu.Lock()
	p.running = true
	for i := 0; i < cfg.InitialSize; i++ {
		vm, err := p.createVMLocked()
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("vmpool: initial fill: %w", err)
		}
		p.available = append(p.available, vm)
	}
	p.mu.Unlock()

	go p.cleanupLoop()
	return p, nil
}

// createVMLocked allocates and initializes a new interpreter. Must be
// called with p.mu held; it releases and reacquires the lock is NOT done
// here (preload runs with the lock held deliberately, since script preload
// is expected to be fast and bounded, matching the source pool's own
// synchronous creation path).
func (p *Pool) createVMLocked() (*pooledVM, error) {
	p.nextID++
	vm := &pooledVM{id: p.nextID, uuid: uuid.NewString(), state: lua.NewState(), lastUsed: time.Now(), healthy: true}
	p.total++

	if err := p.preloadLocked(vm); err != nil {
		vm.healthy = false
		p.log.Printf("vm %d: preload failed, marking unhealthy: %v", vm.id, err)
	}
	return vm, nil
}

func (p *Pool) preloadLocked(vm *pooledVM) error {
	for _, path := range p.preloadFiles {
		if err := vm.state.DoFile(path); err != nil {
			return fmt.Errorf("preloading file %s: %w", path, err)
		}
	}
	for name, src := range p.preloadSources {
		if err := vm.state.DoString(src); err != nil {
			return fmt.Errorf("preloading source %s: %w", name, err)
		}
	}
	return nil
}

// PreloadScript records a script file to be loaded into every newly created
// VM before it becomes Available.
func (p *Pool) PreloadScript(path string) {
	p.mu.Lock()
	p.preloadFiles = append(p.preloadFiles, path)
	p.mu.Unlock()
}

// PreloadScriptContent records named source text to be loaded into every
// newly created VM before it becomes Available.
func (p *Pool) PreloadScriptContent(name, source string) {
	p.mu.Lock()
	p.preloadSources[name] = source
	p.mu.Unlock()
}

// ClearPreloadedScripts drops all recorded preload sources.
func (p *Pool) ClearPreloadedScripts() {
	p.mu.Lock()
	p.preloadFiles = nil
	p.preloadSources = make(map[string]string)
	p.mu.Unlock()
}

// Lease is an RAII-style, non-copyable grant of one interpreter. Release
// must be called exactly once, typically via defer at the acquisition
// site; it is idempotent.
type Lease struct {
	pool *Pool
	vm   *pooledVM
	once sync.Once
}

// State returns the leased interpreter.
func (l *Lease) State() *lua.LState {
	return l.vm.state
}

// ID returns the lease's unique internal identifier, generated once when
// the underlying VM was created and stable across resets.
func (l *Lease) ID() string {
	return l.vm.uuid
}

// Release returns the interpreter to the pool, or drops it if the pool is
// stopping or the VM is unhealthy.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.vm)
	})
}

// Acquire blocks until a VM is Available, the pool expands to make one, or
// ctx is done / the configured AcquireTimeout elapses, whichever is first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	start := time.Now()

	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	stopWake := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stopWake()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if !p.running {
			return nil, ErrPoolStopped
		}

		if len(p.available) > 0 {
			vm := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			vm.lastUsed = time.Now()

			if !vm.healthy {
				vm.healthy = p.resetLocked(vm) == nil
				if !vm.healthy {
					p.total--
					vm.state.Close()
					continue
				}
			}

			p.totalAcquisitions++
			p.totalWaitMs += float64(time.Since(start).Milliseconds())
			return &Lease{pool: p, vm: vm}, nil
		}

		if p.total < p.cfg.MaxSize {
			vm, err := p.createVMLocked()
			if err != nil {
				p.failedAcquisitions++
				return nil, fmt.Errorf("vmpool: expand: %w", err)
			}
			if !vm.healthy {
				p.total--
				vm.state.Close()
				p.failedAcquisitions++
				return nil, ErrVMUnhealthy
			}
			p.totalAcquisitions++
			p.totalWaitMs += float64(time.Since(start).Milliseconds())
			return &Lease{pool: p, vm: vm}, nil
		}

		if err := ctx.Err(); err != nil {
			p.failedAcquisitions++
			return nil, err
		}
		if time.Now().After(deadline) {
			p.failedAcquisitions++
			return nil, ErrPoolExhausted
		}

		p.cond.Wait()
	}
}

// resetLocked fully recreates the interpreter in place, attempting one
// recovery of an unhealthy VM before it is evicted.
func (p *Pool) resetLocked(vm *pooledVM) error {
	vm.state.Close()
	vm.state = lua.NewState()
	return p.preloadLocked(vm)
}

func (p *Pool) release(vm *pooledVM) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		vm.state.Close()
		return
	}
	if !vm.healthy {
		p.total--
		vm.state.Close()
		p.cond.Signal()
		return
	}

	vm.lastUsed = time.Now()
	p.available = append(p.available, vm)
	p.cond.Signal()
}

// Stats returns a point-in-time snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.totalAcquisitions > 0 {
		avg = p.totalWaitMs / float64(p.totalAcquisitions)
	}
	return Stats{
		TotalVMs:           p.total,
		AvailableVMs:       len(p.available),
		ActiveVMs:          p.total - len(p.available),
		TotalAcquisitions:  p.totalAcquisitions,
		FailedAcquisitions: p.failedAcquisitions,
		AverageWaitTimeMs:  avg,
	}
}

// Resize adjusts the pool's target size, clamped to [MinSize, MaxSize].
// Growing creates VMs immediately; shrinking only drops currently-Available
// VMs, never leased ones.
func (p *Pool) Resize(newSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newSize < p.cfg.MinSize {
		newSize = p.cfg.MinSize
	}
	if newSize > p.cfg.MaxSize {
		newSize = p.cfg.MaxSize
	}

	for p.total < newSize {
		vm, err := p.createVMLocked()
		if err != nil {
			break
		}
		p.available = append(p.available, vm)
	}
	for p.total > newSize && len(p.available) > 0 {
		vm := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		p.total--
		vm.state.Close()
	}
}

func (p *Pool) cleanupLoop() {
	defer close(p.cleanupDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.cleanupStop:
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.available[:0]
	for _, vm := range p.available {
		if p.total > p.cfg.MinSize && now.Sub(vm.lastUsed) > p.cfg.IdleTimeout {
			p.total--
			vm.state.Close()
			continue
		}
		kept = append(kept, vm)
	}
	p.available = kept
}

// Close stops the cleanup goroutine, wakes every waiter with a stopped
// error, and closes every Available interpreter. Interpreters currently on
// loan are not closed here; each is closed when its Lease is released.
func (p *Pool) Close() error {
	close(p.cleanupStop)
	<-p.cleanupDone

	p.mu.Lock()
	p.running = false
	for _, vm := range p.available {
		vm.state.Close()
	}
	p.available = nil
	p.total = 0
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}
