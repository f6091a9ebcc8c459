package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuihairu/shield/discovery"
)

func newTestRuntime(t *testing.T, nodeID string, disc discovery.Discovery, discoveryInterval time.Duration, cb EventCallback) *Runtime {
	reg, err := NewRegistry(nodeID, disc, nil, 50*time.Millisecond)
	require.NoError(t, err)
	return NewRuntime(nodeID, reg, disc, discoveryInterval, 0, cb)
}

// S4 — discovery worker observes a peer node within discovery_interval and
// emits NodeJoined exactly once.
func TestDiscoveryWorkerEmitsNodeJoined(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	var mu sync.Mutex
	var events []Event
	cb := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	rtA := newTestRuntime(t, "node-a", disc, 40*time.Millisecond, cb)
	rtA.Initialize(true)
	defer rtA.Shutdown()

	rtB := newTestRuntime(t, "node-b", disc, 40*time.Millisecond, nil)
	require.NoError(t, rtB.registry.Register(context.Background(), Metadata{Type: TypeLogic, Name: "player_alice"}, &echoMailbox{}, "tcp://x:1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, ev := range events {
			if ev.Kind == EventNodeJoined && ev.Subject == "node-b" {
				count++
			}
		}
		return count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFindLocalThenRemote(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	rtA := newTestRuntime(t, "node-a", disc, time.Hour, nil)
	rtB := newTestRuntime(t, "node-b", disc, time.Hour, nil)

	require.NoError(t, rtA.registry.Register(context.Background(), Metadata{Type: TypeLogic, Name: "a"}, &echoMailbox{}, "tcp://x:1"))

	h, ok := rtA.Find(context.Background(), "a")
	require.True(t, ok)
	require.True(t, h.IsLocal)

	h, ok = rtB.Find(context.Background(), "a")
	require.True(t, ok)
	require.False(t, h.IsLocal)

	_, ok = rtB.Find(context.Background(), "does-not-exist")
	require.False(t, ok)
}

func TestBroadcastToType(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	rt := newTestRuntime(t, "node-a", disc, time.Hour, nil)

	var received int32
	var mu sync.Mutex
	mkMailbox := func() Mailbox {
		return mailboxFunc(func(ctx context.Context, msgType string, payload []byte) ([]byte, error) {
			mu.Lock()
			received++
			mu.Unlock()
			return nil, nil
		})
	}

	require.NoError(t, rt.registry.Register(context.Background(), Metadata{Type: TypeLogic, Name: "a"}, mkMailbox(), "tcp://x:1"))
	require.NoError(t, rt.registry.Register(context.Background(), Metadata{Type: TypeLogic, Name: "b"}, mkMailbox(), "tcp://x:2"))
	require.NoError(t, rt.registry.Register(context.Background(), Metadata{Type: TypeGateway, Name: "g"}, mkMailbox(), "tcp://x:3"))

	count := rt.BroadcastToType(context.Background(), TypeLogic, "tick", nil, true, true)
	require.Equal(t, 2, count)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 2
	}, time.Second, 10*time.Millisecond)
}

func TestClusterStats(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	rtA := newTestRuntime(t, "node-a", disc, time.Hour, nil)
	rtB := newTestRuntime(t, "node-b", disc, time.Hour, nil)

	require.NoError(t, rtA.registry.Register(context.Background(), Metadata{Type: TypeLogic, Name: "a"}, &echoMailbox{}, "tcp://x:1"))
	require.NoError(t, rtB.registry.Register(context.Background(), Metadata{Type: TypeAuth, Name: "b"}, &echoMailbox{}, "tcp://x:2"))

	stats := rtA.Stats(context.Background())
	require.Equal(t, 2, stats.TotalActors)
	require.Equal(t, 1, stats.LocalActors)
	require.Equal(t, 1, stats.RemoteActors)
	require.Equal(t, 2, stats.TotalNodes)
	require.Equal(t, 1, stats.ActorsByType["logic"])
	require.Equal(t, 1, stats.ActorsByType["auth"])
}

type mailboxFunc func(ctx context.Context, msgType string, payload []byte) ([]byte, error)

func (f mailboxFunc) Deliver(ctx context.Context, msgType string, payload []byte) ([]byte, error) {
	return f(ctx, msgType, payload)
}
