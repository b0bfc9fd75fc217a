package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

func TestDepGraph_RejectsIndirectCycle(t *testing.T) {
	t.Parallel()

	g := newDepGraph()
	require.NoError(t, g.add("job-b", []string{"job-a"}))
	require.NoError(t, g.add("job-c", []string{"job-b"}))

	// job-a waiting on job-c would close a -> b -> c -> a.
	err := g.add("job-a", []string{"job-c"})
	require.ErrorIs(t, err, engine.ErrDependencyCycle)
}

func TestDepGraph_RejectsSelfDependency(t *testing.T) {
	t.Parallel()

	g := newDepGraph()
	require.ErrorIs(t, g.add("job-a", []string{"job-a"}), engine.ErrDependencyCycle)
}

func TestDepGraph_RejectsDuplicateJob(t *testing.T) {
	t.Parallel()

	g := newDepGraph()
	require.NoError(t, g.add("job-a", nil))
	require.Error(t, g.add("job-a", nil))
}

func TestDepGraph_Indexes(t *testing.T) {
	t.Parallel()

	g := newDepGraph()
	require.NoError(t, g.add("job-a", nil))
	require.NoError(t, g.add("job-b", []string{"job-a"}))
	require.NoError(t, g.add("job-c", []string{"job-a", "job-b"}))

	require.ElementsMatch(t, []string{"job-a", "job-b"}, g.blockersOf("job-c"))
	require.ElementsMatch(t, []string{"job-b", "job-c"}, g.dependentsOf("job-a"))
	require.Empty(t, g.blockersOf("job-a"))
}

func TestBackoffPolicy_GrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewBackoffPolicy(100*time.Millisecond, time.Second)

	// Each delay lands in [half, full] of the exponential step.
	for retry, full := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		8: time.Second, // capped
	} {
		d := p.Delay(retry)
		require.GreaterOrEqual(t, d, full/2, "retry %d", retry)
		require.LessOrEqual(t, d, full, "retry %d", retry)
	}
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewBackoffPolicy(0, 0)
	require.Equal(t, 250*time.Millisecond, p.Base)
	require.Equal(t, 30*time.Second, p.Max)

	// Retry below one is clamped to the first step.
	require.GreaterOrEqual(t, p.Delay(0), p.Base/2)
}

func TestLimiter_PerDomainBuckets(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{DefaultRPS: 1, DefaultBurst: 1}, nil)

	require.True(t, l.Allow("a.example.com"))
	require.False(t, l.Allow("a.example.com"))

	// Buckets are independent per domain.
	require.True(t, l.Allow("b.example.com"))
}

func TestLimiter_UnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{}, nil)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("fast.example.com"))
	}
}

func TestLimiter_SetRateOverride(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{}, nil)
	l.SetRate("slow.example.com", 0.001)

	require.True(t, l.Allow("slow.example.com"))
	require.False(t, l.Allow("slow.example.com"))

	// Other domains keep the unlimited default.
	require.True(t, l.Allow("other.example.com"))
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{DefaultRPS: 0.001, DefaultBurst: 1}, nil)
	require.True(t, l.Allow("slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow.example.com")
	require.Error(t, err)
}
