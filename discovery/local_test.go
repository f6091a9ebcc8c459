package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testDiscoveryCommon runs the contract-level scenarios against any
// Discovery constructor so the same suite can later be pointed at a remote
// backend by supplying a different ctor.
func testDiscoveryCommon(t *testing.T, ctor func() Discovery) {
	t.Run("register query roundtrip", func(t *testing.T) {
		testRegisterQueryRoundtrip(t, ctor())
	})
	t.Run("deregistration is immediate", func(t *testing.T) {
		testDeregistrationImmediate(t, ctor())
	})
	t.Run("ttl expiry", func(t *testing.T) {
		testTTLExpiry(t, ctor())
	})
	t.Run("idempotent register", func(t *testing.T) {
		testIdempotentRegister(t, ctor())
	})
	t.Run("metadata filter", func(t *testing.T) {
		testMetadataFilter(t, ctor())
	})
}

func TestLocalDiscovery(t *testing.T) {
	testDiscoveryCommon(t, func() Discovery {
		return NewLocal(LocalConfig{CleanupInterval: 50 * time.Millisecond})
	})
}

// S1 — Local registration + lookup.
func testRegisterQueryRoundtrip(t *testing.T, d Discovery) {
	ctx := context.Background()
	defer d.Close()

	inst := ServiceInstance{ServiceName: "auth", InstanceID: "i1", Address: "tcp://127.0.0.1:9001"}
	require.NoError(t, d.Register(ctx, inst, 0))

	got, ok, err := d.QueryService(ctx, "auth")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "i1", got.InstanceID)

	all, err := d.QueryAll(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// S1 continued — deregistration.
func testDeregistrationImmediate(t *testing.T, d Discovery) {
	ctx := context.Background()
	defer d.Close()

	inst := ServiceInstance{ServiceName: "auth", InstanceID: "i1", Address: "tcp://127.0.0.1:9001"}
	require.NoError(t, d.Register(ctx, inst, 0))
	require.NoError(t, d.Deregister(ctx, "auth", "i1"))

	all, err := d.QueryAll(ctx, "auth")
	require.NoError(t, err)
	require.Empty(t, all)

	// Deregistering an unknown instance is idempotent, never an error.
	require.NoError(t, d.Deregister(ctx, "auth", "does-not-exist"))
}

// S2 — TTL expiry.
func testTTLExpiry(t *testing.T, d Discovery) {
	ctx := context.Background()
	defer d.Close()

	require.NoError(t, d.Register(ctx, ServiceInstance{ServiceName: "t", InstanceID: "a", Address: "tcp://x:1"}, time.Second))
	require.NoError(t, d.Register(ctx, ServiceInstance{ServiceName: "t", InstanceID: "b", Address: "tcp://x:2"}, 0))

	time.Sleep(2 * time.Second)

	all, err := d.QueryAll(ctx, "t")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "b", all[0].InstanceID)
}

// Property 4 — re-registering renews TTL without doubling the count.
func testIdempotentRegister(t *testing.T, d Discovery) {
	ctx := context.Background()
	defer d.Close()

	inst := ServiceInstance{ServiceName: "svc", InstanceID: "i1", Address: "tcp://x:1"}
	require.NoError(t, d.Register(ctx, inst, time.Minute))
	require.NoError(t, d.Register(ctx, inst, time.Minute))

	all, err := d.QueryAll(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// S3 — Metadata filter via query_by_criteria.
func testMetadataFilter(t *testing.T, d Discovery) {
	ctx := context.Background()
	defer d.Close()

	us := ServiceInstance{
		ServiceName: "svc", InstanceID: "us-1", Address: "tcp://x:1",
		Metadata: ServiceMetadata{Region: "us"},
	}
	eu := ServiceInstance{
		ServiceName: "svc", InstanceID: "eu-1", Address: "tcp://x:2",
		Metadata: ServiceMetadata{Region: "eu"},
	}
	require.NoError(t, d.Register(ctx, us, 0))
	require.NoError(t, d.Register(ctx, eu, 0))

	matches, err := d.QueryByCriteria(ctx, "svc", Criteria{Region: "us"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "us-1", matches[0].InstanceID)

	byMeta, err := d.QueryByMetadata(ctx, map[string]string{"region": "us"})
	require.NoError(t, err)
	require.Len(t, byMeta, 1)
	require.Equal(t, "us-1", byMeta[0].InstanceID)
}

// Property 6 — random LB uniformity (loose statistical check, not exact).
func TestLocalDiscoveryLoadBalanceUniformity(t *testing.T) {
	ctx := context.Background()
	d := NewLocal(LocalConfig{CleanupInterval: time.Minute})
	defer d.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Register(ctx, ServiceInstance{ServiceName: "lb", InstanceID: id, Address: "tcp://x"}, 0))
	}

	counts := map[string]int{}
	const samples = 3000
	for i := 0; i < samples; i++ {
		got, ok, err := d.QueryService(ctx, "lb")
		require.NoError(t, err)
		require.True(t, ok)
		counts[got.InstanceID]++
	}

	for _, id := range []string{"a", "b", "c"} {
		// Expect roughly samples/3 within a generous tolerance band.
		require.Greater(t, counts[id], samples/3-400)
		require.Less(t, counts[id], samples/3+400)
	}
}

func TestServiceMetadataMatchesFilters(t *testing.T) {
	m := ServiceMetadata{
		Version: "1.0.0", Region: "us", Environment: "prod",
		Tags:             []string{"actor", "logic"},
		CustomAttributes: map[string]string{"node_id": "n1"},
	}

	require.True(t, m.MatchesFilters(map[string]string{"region": "us"}))
	require.False(t, m.MatchesFilters(map[string]string{"region": "eu"}))
	require.True(t, m.MatchesFilters(map[string]string{"tag": "logic"}))
	require.False(t, m.MatchesFilters(map[string]string{"tag": "gateway"}))
	require.True(t, m.MatchesFilters(map[string]string{"node_id": "n1"}))
	require.False(t, m.MatchesFilters(map[string]string{"node_id": "n2"}))
	require.True(t, m.MatchesFilters(map[string]string{"region": ""}))
}
