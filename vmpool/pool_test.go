package vmpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// S5 — VM pool lease RAII.
func TestAcquireReleaseRAII(t *testing.T) {
	p, err := New(Config{InitialSize: 2, MinSize: 2, MaxSize: 4, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	var leases []*Lease
	for i := 0; i < 4; i++ {
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		leases = append(leases, l)
	}

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.EqualValues(t, 1, p.Stats().FailedAcquisitions)

	leases[0].Release()
	l, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, l)

	for _, lease := range leases[1:] {
		lease.Release()
	}
	l.Release()
}

// Property 7 — VM lease exclusivity: leases + available == total live VMs.
func TestLeaseExclusivityInvariant(t *testing.T) {
	p, err := New(Config{InitialSize: 3, MinSize: 1, MaxSize: 3, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	l1, err := p.Acquire(ctx)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx)
	require.NoError(t, err)

	stats := p.Stats()
	require.Equal(t, stats.TotalVMs, stats.ActiveVMs+stats.AvailableVMs)
	require.Equal(t, 2, stats.ActiveVMs)

	l1.Release()
	l2.Release()

	stats = p.Stats()
	require.Equal(t, stats.TotalVMs, stats.ActiveVMs+stats.AvailableVMs)
	require.Equal(t, 0, stats.ActiveVMs)
}

// Property 8 — pool bounds: min_size <= total_vms <= max_size, and idle
// cleanup never shrinks below min_size.
func TestPoolBoundsAndIdleCleanup(t *testing.T) {
	p, err := New(Config{InitialSize: 2, MinSize: 2, MaxSize: 3, IdleTimeout: time.Millisecond, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer p.Close()

	stats := p.Stats()
	require.GreaterOrEqual(t, stats.TotalVMs, 2)
	require.LessOrEqual(t, stats.TotalVMs, 3)

	time.Sleep(5 * time.Millisecond)
	p.cleanupIdle()

	stats = p.Stats()
	require.Equal(t, 2, stats.TotalVMs)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p, err := New(Config{InitialSize: 1, MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestScriptPreloadFailureMarksVMUnhealthy(t *testing.T) {
	p, err := New(Config{InitialSize: 1, MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer p.Close()

	p.PreloadScriptContent("broken", "this is not valid lua (")

	// Expanding the pool creates a new VM that attempts the (broken) preload
	// and comes back unhealthy; Acquire drops it instead of handing it out
	// and reports ErrVMUnhealthy.
	ctx := context.Background()
	l1, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrVMUnhealthy)
}
