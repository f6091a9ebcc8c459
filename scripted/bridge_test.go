package scripted

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuihairu/shield/vmpool"
)

func newTestPool(t *testing.T) *vmpool.Pool {
	p, err := vmpool.New(vmpool.Config{InitialSize: 1, MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// S6 — Scripted login round-trip.
func TestScriptedLoginRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	bridge, err := NewBridge(context.Background(), pool, nil, "testdata/login.lua", "")
	require.NoError(t, err)
	defer bridge.Close()

	loginPayload, _ := json.Marshal(map[string]string{"player_name": "TestPlayer", "level": "5"})
	raw, err := bridge.Deliver(context.Background(), "login", loginPayload)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.True(t, reply.Success)
	require.Equal(t, "TestPlayer", reply.Data["player_name"])
	require.Equal(t, "5", reply.Data["level"])

	raw, err = bridge.Deliver(context.Background(), "get_status", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.True(t, reply.Success)
	require.Equal(t, "TestPlayer", reply.Data["player_name"])
	require.Equal(t, "5", reply.Data["level"])
}

// S7 — Script error is contained; the actor remains usable afterward.
func TestScriptErrorIsContained(t *testing.T) {
	pool := newTestPool(t)
	bridge, err := NewBridge(context.Background(), pool, nil, "testdata/broken.lua", "")
	require.NoError(t, err)
	defer bridge.Close()

	raw, err := bridge.Deliver(context.Background(), "anything", []byte("{}"))
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.False(t, reply.Success)
	require.Contains(t, reply.ErrorMessage, "Lua error")

	// Actor remains alive and can handle a subsequent message without
	// crashing the process or the bridge.
	raw, err = bridge.Deliver(context.Background(), "anything", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.False(t, reply.Success)
}

func TestMissingScriptProducesErrorReply(t *testing.T) {
	pool := newTestPool(t)
	bridge, err := NewBridge(context.Background(), pool, nil, "testdata/does-not-exist.lua", "")
	require.NoError(t, err)
	defer bridge.Close()

	raw, err := bridge.Deliver(context.Background(), "login", []byte("{}"))
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.False(t, reply.Success)
	require.Equal(t, "Script not loaded", reply.ErrorMessage)
}

func TestDefaultEchoOnMessage(t *testing.T) {
	pool := newTestPool(t)

	// An actor with no real script: rely on the prelude's default
	// on_message. We point scriptPath at a trivial file that defines
	// nothing new, so the prelude's own default stands.
	bridge, err := NewBridge(context.Background(), pool, nil, "testdata/noop.lua", "")
	require.NoError(t, err)
	defer bridge.Close()

	raw, err := bridge.Deliver(context.Background(), "ping", []byte(`{"k":"v"}`))
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.True(t, reply.Success)
	require.Equal(t, "message received", reply.Data["reply"])
}
