package actor

import (
	"context"
	"fmt"
	"sync"
)

// Scheduler drains mailboxes across a fixed pool of worker_threads while
// guaranteeing that any one mailbox is processed by at most one worker at a
// time: within a mailbox, delivery is FIFO by arrival; across mailboxes,
// there is no ordering guarantee and up to WorkerThreads deliveries run
// concurrently. This is what makes it safe for a Scripted Actor Bridge's
// single, non-thread-safe Lua interpreter to be reached from SendTo and
// BroadcastToType without additional locking at the bridge itself.
//
// Queues are keyed by the mailbox's addressing URI rather than the Mailbox
// value itself: a Mailbox is just an interface, and nothing stops an
// implementation (a func-backed stand-in included) from being an
// uncomparable dynamic type, which would panic the moment it was used as a
// map key.
type Scheduler struct {
	sem chan struct{}

	// mu guards both the key->queue index and every queue's own
	// pending/running fields. One mutex around a plain map is the right
	// call here (per the spec's own "concurrent maps" guidance): the real
	// contention is the worker semaphore and the (possibly slow) Deliver
	// calls themselves, not this bookkeeping.
	mu     sync.Mutex
	queues map[string]*mailboxQueue
}

type job struct {
	ctx      context.Context
	msgType  string
	payload  []byte
	onResult func([]byte, error)
}

type mailboxQueue struct {
	pending []job
	running bool
}

// DefaultWorkerThreads matches the spec's default actor_system.worker_threads.
const DefaultWorkerThreads = 4

// NewScheduler builds a Scheduler bounded to workerThreads concurrent
// in-flight deliveries, defaulting to DefaultWorkerThreads when unset.
func NewScheduler(workerThreads int) *Scheduler {
	if workerThreads <= 0 {
		workerThreads = DefaultWorkerThreads
	}
	return &Scheduler{
		sem:    make(chan struct{}, workerThreads),
		queues: make(map[string]*mailboxQueue),
	}
}

// mailboxKey derives the queue key for a mailbox: its handle URI when one
// is known, or a pointer-identity fallback otherwise. The fallback keeps
// Submit/Deliver safe to call directly with a bare Mailbox that has no URI
// (every real Handle does) without risking an uncomparable dynamic type
// (e.g. a func-backed Mailbox) reaching a map key; it degrades only for
// callers that repeatedly hand in fresh closures built from the same
// literal with no URI, which no production path here does.
func mailboxKey(uri string, mailbox Mailbox) string {
	if uri != "" {
		return uri
	}
	return fmt.Sprintf("%p", mailbox)
}

// Submit enqueues a fire-and-forget delivery to mailbox, addressed by uri
// (the handle's addressing URI; pass "" if none is available); onResult, if
// set, is invoked (on some worker goroutine, never synchronously) once the
// delivery completes. Submit itself never blocks on the delivery.
func (s *Scheduler) Submit(ctx context.Context, uri string, mailbox Mailbox, msgType string, payload []byte, onResult func([]byte, error)) {
	key := mailboxKey(uri, mailbox)
	j := job{ctx: ctx, msgType: msgType, payload: payload, onResult: onResult}

	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &mailboxQueue{}
		s.queues[key] = q
	}
	q.pending = append(q.pending, j)
	start := !q.running
	if start {
		q.running = true
	}
	s.mu.Unlock()

	if start {
		go s.drain(key, mailbox, q)
	}
}

// Deliver enqueues a delivery and blocks for its reply, or until ctx is
// done, whichever comes first. Used by callers (e.g. a future gateway
// Dispatcher) that need a synchronous request/reply round trip instead of
// SendTo's best-effort fire-and-forget.
func (s *Scheduler) Deliver(ctx context.Context, uri string, mailbox Mailbox, msgType string, payload []byte) ([]byte, error) {
	resultCh := make(chan struct {
		data []byte
		err  error
	}, 1)
	s.Submit(ctx, uri, mailbox, msgType, payload, func(data []byte, err error) {
		resultCh <- struct {
			data []byte
			err  error
		}{data, err}
	})
	select {
	case r := <-resultCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain owns key's queue exclusively until it runs dry: it pops one job at
// a time under s.mu (so a concurrent Submit can always see the current
// state atomically), runs the delivery outside any lock bounded only by the
// worker semaphore, then loops. When it finds the queue empty it clears
// running and removes the now-unused queue entry in the same critical
// section, so a concurrent Submit either appends to the still-registered
// queue (and sees running still true, so it does not spawn a second
// drainer) or creates a fresh queue after this one is gone — never both.
func (s *Scheduler) drain(key string, mailbox Mailbox, q *mailboxQueue) {
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		s.mu.Unlock()

		s.sem <- struct{}{}
		data, err := mailbox.Deliver(j.ctx, j.msgType, j.payload)
		<-s.sem

		if j.onResult != nil {
			j.onResult(data, err)
		}
	}
}
