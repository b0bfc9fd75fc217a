package proxypool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("proxy-%d", g.n), nil
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, &fakeClock{now: time.Unix(1000, 0)}, &seqIDGen{}, zap.NewNop(), nil)
	p.pick = func(int) int { return 0 }
	return p
}

func candidates(n int) []engine.ProxyCandidate {
	out := make([]engine.ProxyCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, engine.ProxyCandidate{
			Host:     fmt.Sprintf("proxy%d.example.net", i),
			Port:     8080,
			Protocol: engine.ProxyProtocolHTTP,
		})
	}
	return out
}

func TestReserve_EmptyPoolIsTerminal(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})
	_, err := p.Reserve(context.Background(), "default")
	require.ErrorIs(t, err, engine.ErrProxyPoolEmpty)
}

func TestReserve_ExhaustedPoolIsTransient(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConcurrentUses: 1})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	h, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)

	_, err = p.Reserve(context.Background(), "default")
	require.ErrorIs(t, err, engine.ErrProxyExhausted)

	p.Release(h, Outcome{Success: true})
	_, err = p.Reserve(context.Background(), "default")
	require.NoError(t, err)
}

func TestReserve_PrefersLeastLoadedThenLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConcurrentUses: 4})
	report, err := p.Ingest("default", candidates(2))
	require.NoError(t, err)
	require.Len(t, report.Admitted, 2)

	// First reservation leaves proxy A loaded; the second must pick B.
	first, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	second, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	require.NotEqual(t, first.ProxyID, second.ProxyID)

	// After both release, the least recently used proxy wins.
	p.Release(first, Outcome{Success: true})
	p.Release(second, Outcome{Success: true})
	third, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, first.ProxyID, third.ProxyID)
}

func TestRelease_ConsecutiveFailuresDemoteProxy(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{FailureThreshold: 5})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h, reserveErr := p.Reserve(context.Background(), "default")
		require.NoError(t, reserveErr)
		p.Release(h, Outcome{Success: false, StatusCode: 502})
	}

	_, err = p.Reserve(context.Background(), "default")
	require.ErrorIs(t, err, engine.ErrProxyPoolEmpty)

	snap := p.Health("default")
	require.Equal(t, 1, snap.Failed)
	require.Equal(t, 0, snap.Active)
}

func TestRelease_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{FailureThreshold: 3})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h, reserveErr := p.Reserve(context.Background(), "default")
		require.NoError(t, reserveErr)
		p.Release(h, Outcome{Success: false})
	}
	h, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Success: true})

	snap := p.Health("default")
	require.Equal(t, 1, snap.Active)
	require.Equal(t, 0, snap.Proxies[0].FailureCount)
}

func TestRelease_SkippedReturnsSlotWithoutHealthSample(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{FailureThreshold: 3, HealthAlpha: 0.3})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	// Two real failures build a streak and drag the score down.
	for i := 0; i < 2; i++ {
		h, reserveErr := p.Reserve(context.Background(), "default")
		require.NoError(t, reserveErr)
		p.Release(h, Outcome{Success: false, StatusCode: 502})
	}
	before := p.Health("default").Proxies[0]

	h, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Skipped: true})

	after := p.Health("default").Proxies[0]
	require.Equal(t, before.HealthScore, after.HealthScore)
	require.Equal(t, before.FailureCount, after.FailureCount)
	require.Nil(t, after.LastSuccessAt)
	require.Equal(t, 0, after.ConcurrentUses)

	// The slot is free again.
	h, err = p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Success: true})
}

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxConcurrentUses: 2})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	h, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Success: true})
	p.Release(h, Outcome{Success: true})

	snap := p.Health("default")
	require.Equal(t, 0, snap.InUse)
}

func TestConcurrentUses_NeverExceedCapOrGoNegative(t *testing.T) {
	t.Parallel()

	const maxUses = 3
	p := newTestPool(t, Config{MaxConcurrentUses: maxUses})
	_, err := p.Ingest("default", candidates(2))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, reserveErr := p.Reserve(context.Background(), "default")
				if reserveErr != nil {
					continue
				}
				p.Release(h, Outcome{Success: j%2 == 0})
			}
		}()
	}
	wg.Wait()

	snap := p.Health("default")
	require.Equal(t, 0, snap.InUse)
	for _, rec := range snap.Proxies {
		require.GreaterOrEqual(t, rec.ConcurrentUses, 0)
		require.LessOrEqual(t, rec.ConcurrentUses, maxUses)
	}
}

func TestHealthScore_MovesWithOutcomes(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{HealthAlpha: 0.5, FailureThreshold: 100})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	h, err := p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Success: false})

	snap := p.Health("default")
	require.InDelta(t, 0.5, snap.Proxies[0].HealthScore, 1e-9)

	h, err = p.Reserve(context.Background(), "default")
	require.NoError(t, err)
	p.Release(h, Outcome{Success: true})

	snap = p.Health("default")
	require.InDelta(t, 0.75, snap.Proxies[0].HealthScore, 1e-9)
}

func TestDeactivate_KeepsRecordForAudit(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})
	report, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)

	require.NoError(t, p.Deactivate(report.Admitted[0].ID))

	snap := p.Health("default")
	require.Equal(t, 1, snap.Total)
	require.Equal(t, 1, snap.Inactive)
	_, err = p.Reserve(context.Background(), "default")
	require.ErrorIs(t, err, engine.ErrProxyPoolEmpty)
}
