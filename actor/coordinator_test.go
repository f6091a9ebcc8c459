package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuihairu/shield/discovery"
)

func newTestCoordinator(t *testing.T, nodeID string, disc discovery.Discovery) *Coordinator {
	opts := CoordinatorOptions{
		NodeID:            nodeID,
		HeartbeatInterval: 30 * time.Millisecond,
		DiscoveryInterval: 30 * time.Millisecond,
		WorkerThreads:     2,
		AutoDiscovery:     true,
	}
	c, err := NewCoordinator(disc, opts)
	require.NoError(t, err)
	return c
}

func TestCoordinatorRequiresNodeID(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	_, err := NewCoordinator(disc, CoordinatorOptions{})
	require.Error(t, err)
}

// End-to-end facade exercise: two coordinators sharing one Local discovery
// backend, spawning, discovering each other, sending, and broadcasting,
// then tearing down cleanly.
func TestCoordinatorSpawnFindSendBroadcast(t *testing.T) {
	disc := discovery.NewLocal(discovery.LocalConfig{CleanupInterval: time.Minute})
	defer disc.Close()

	a := newTestCoordinator(t, "node-a", disc)
	a.Initialize()
	a.Start()
	defer a.Stop()

	b := newTestCoordinator(t, "node-b", disc)
	b.Initialize()
	b.Start()
	defer b.Stop()

	ctx := context.Background()

	_, err := a.SpawnAndRegister(ctx, TypeLogic, "alice", "", nil, &echoMailbox{}, "tcp://a:1")
	require.NoError(t, err)
	_, err = b.SpawnAndRegister(ctx, TypeLogic, "bob", "", nil, &echoMailbox{}, "tcp://b:1")
	require.NoError(t, err)

	h, ok := a.Find(ctx, "alice")
	require.True(t, ok)
	require.True(t, h.IsLocal)

	require.Eventually(t, func() bool {
		h, ok := a.Find(ctx, "bob")
		return ok && !h.IsLocal
	}, time.Second, 10*time.Millisecond)

	require.True(t, a.SendTo(ctx, "alice", "ping", []byte("hi")))
	require.False(t, a.SendTo(ctx, "does-not-exist", "ping", nil))

	handles := a.FindByType(ctx, TypeLogic, true, true)
	require.Len(t, handles, 2)

	count := a.BroadcastToType(ctx, TypeLogic, "tick", nil, true, true)
	require.Equal(t, 2, count)

	status := a.Status()
	require.Equal(t, "", status["running"])
}
