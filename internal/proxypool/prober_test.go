package proxypool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

func demote(t *testing.T, p *Pool, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		h, err := p.Reserve(context.Background(), "default")
		require.NoError(t, err)
		p.Release(h, Outcome{Success: false})
	}
}

func TestProber_ReactivatesHealthyProxy(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{FailureThreshold: 2})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)
	demote(t, p, 2)
	require.Equal(t, 1, p.Health("default").Failed)

	probe := func(context.Context, engine.ProxyRecord) error { return nil }
	pr := NewProber(p, probe, 0, zap.NewNop())
	pr.sweep(context.Background())

	snap := p.Health("default")
	require.Equal(t, 0, snap.Failed)
	require.Equal(t, 1, snap.Active)
	require.Equal(t, 0, snap.Proxies[0].FailureCount)
}

func TestProber_LeavesUnhealthyProxyFailed(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{FailureThreshold: 2})
	_, err := p.Ingest("default", candidates(1))
	require.NoError(t, err)
	demote(t, p, 2)

	probe := func(context.Context, engine.ProxyRecord) error { return errors.New("still dead") }
	pr := NewProber(p, probe, 0, zap.NewNop())
	pr.sweep(context.Background())

	require.Equal(t, 1, p.Health("default").Failed)
}
