package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serialMailbox records whether it was ever entered concurrently and keeps
// every Deliver call's arrival order, the way a non-thread-safe Lua VM
// behind the Scripted Actor Bridge would.
type serialMailbox struct {
	mu       sync.Mutex
	inFlight int32
	overlaps int32
	order    []string
}

func (m *serialMailbox) Deliver(_ context.Context, msgType string, _ []byte) ([]byte, error) {
	if atomic.AddInt32(&m.inFlight, 1) > 1 {
		atomic.AddInt32(&m.overlaps, 1)
	}
	time.Sleep(time.Millisecond)
	m.mu.Lock()
	m.order = append(m.order, msgType)
	m.mu.Unlock()
	atomic.AddInt32(&m.inFlight, -1)
	return nil, nil
}

func TestSchedulerSerializesPerMailbox(t *testing.T) {
	s := NewScheduler(4)
	mb := &serialMailbox{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(context.Background(), "mailbox://serial", mb, "tick", nil, nil)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		return len(mb.order) == 20
	}, time.Second, time.Millisecond)

	require.EqualValues(t, 0, mb.overlaps, "mailbox was entered concurrently")
}

func TestSchedulerDeliverReturnsReply(t *testing.T) {
	s := NewScheduler(2)
	mb := &echoMailbox{}

	data, err := s.Deliver(context.Background(), "mailbox://echo", mb, "ping", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), data)
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := NewScheduler(2)

	var current, maxSeen int32
	var wg sync.WaitGroup
	boxes := make([]*funcMailbox, 6)
	for i := range boxes {
		boxes[i] = &funcMailbox{fn: func(context.Context, string, []byte) ([]byte, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil, nil
		}}
	}

	for i, b := range boxes {
		wg.Add(1)
		go func(i int, b *funcMailbox) {
			defer wg.Done()
			s.Submit(context.Background(), fmt.Sprintf("mailbox://box-%d", i), b, "x", nil, nil)
		}(i, b)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&current) == 0 }, time.Second, time.Millisecond)

	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

type funcMailbox struct {
	fn func(context.Context, string, []byte) ([]byte, error)
}

func (f *funcMailbox) Deliver(ctx context.Context, msgType string, payload []byte) ([]byte, error) {
	return f.fn(ctx, msgType, payload)
}
