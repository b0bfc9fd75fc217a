// Package proxypool owns proxy endpoints, their health state, and per-proxy
// concurrency caps. It is the only component that mutates ProxyRecord.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
)

// Config controls pool behavior.
type Config struct {
	MaxConcurrentUses int
	FailureThreshold  int
	HealthAlpha       float64
}

const (
	defaultMaxConcurrentUses = 4
	defaultFailureThreshold  = 5
	defaultHealthAlpha       = 0.3
)

// Outcome is reported on release and drives health scoring.
type Outcome struct {
	Success    bool
	StatusCode int
	Duration   time.Duration

	// Skipped returns the slot without folding a health sample in; use it
	// when the proxy was never exercised.
	Skipped bool
}

// Handle represents one reserved slot on a proxy. Release it exactly once.
type Handle struct {
	ProxyID  string
	PoolID   string
	Record   engine.ProxyRecord
	released bool
}

// Pool manages proxy records grouped by pool id. The mutex is the locking
// discipline for concurrent_uses; reserve and release are the only paths
// that touch the counters.
type Pool struct {
	mu      sync.Mutex
	proxies map[string]*engine.ProxyRecord
	cfg     Config
	clock   engine.Clock
	idGen   engine.IDGenerator
	logger  *zap.Logger
	metrics *metrics.Metrics
	pick    func(n int) int
}

// New constructs a Pool.
func New(cfg Config, clock engine.Clock, idGen engine.IDGenerator, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if cfg.MaxConcurrentUses <= 0 {
		cfg.MaxConcurrentUses = defaultMaxConcurrentUses
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.HealthAlpha <= 0 || cfg.HealthAlpha > 1 {
		cfg.HealthAlpha = defaultHealthAlpha
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		proxies: make(map[string]*engine.ProxyRecord),
		cfg:     cfg,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
		metrics: m,
		pick:    rand.Intn,
	}
}

// scoped returns the records in poolID ("" means all) with the given status
// ("" means any). Caller must hold the mutex.
func (p *Pool) scoped(poolID string, status engine.ProxyStatus) []*engine.ProxyRecord {
	var out []*engine.ProxyRecord
	for _, rec := range p.proxies {
		if poolID != "" && rec.PoolID != poolID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Reserve picks a proxy for poolID ("" means any pool) and atomically
// increments its concurrency counter. It distinguishes an empty pool
// (engine.ErrProxyPoolEmpty, terminal) from an exhausted one
// (engine.ErrProxyExhausted, transient backpressure).
func (p *Pool) Reserve(ctx context.Context, poolID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reserve canceled: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.scoped(poolID, engine.ProxyStatusActive)
	if len(candidates) == 0 {
		p.metrics.ObserveReservation("empty")
		return nil, engine.ErrProxyPoolEmpty
	}

	available := candidates[:0]
	for _, rec := range candidates {
		if rec.ConcurrentUses < p.cfg.MaxConcurrentUses {
			available = append(available, rec)
		}
	}
	if len(available) == 0 {
		p.metrics.ObserveReservation("exhausted")
		return nil, engine.ErrProxyExhausted
	}

	chosen := p.selectCandidate(available)
	now := p.clock.Now()
	chosen.ConcurrentUses++
	chosen.LastUsedAt = &now

	p.metrics.ObserveReservation("reserved")
	p.publishGauges(chosen.PoolID)

	return &Handle{
		ProxyID: chosen.ID,
		PoolID:  chosen.PoolID,
		Record:  *chosen,
	}, nil
}

// selectCandidate ranks by ascending concurrent uses, then ascending
// last-used time with never-used proxies first, then a random tie-break so
// rarely-used proxies are not starved.
func (p *Pool) selectCandidate(available []*engine.ProxyRecord) *engine.ProxyRecord {
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.ConcurrentUses != b.ConcurrentUses {
			return a.ConcurrentUses < b.ConcurrentUses
		}
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt == nil:
			return true
		case b.LastUsedAt == nil:
			return false
		default:
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
	})

	ties := 1
	for ties < len(available) && equalRank(available[0], available[ties]) {
		ties++
	}
	return available[p.pick(ties)]
}

func equalRank(a, b *engine.ProxyRecord) bool {
	if a.ConcurrentUses != b.ConcurrentUses {
		return false
	}
	if (a.LastUsedAt == nil) != (b.LastUsedAt == nil) {
		return false
	}
	if a.LastUsedAt == nil {
		return true
	}
	return a.LastUsedAt.Equal(*b.LastUsedAt)
}

// Release returns the reserved slot and folds the outcome into the proxy's
// health state. Releasing a handle twice is a no-op.
func (p *Pool) Release(h *Handle, out Outcome) {
	if h == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	rec, ok := p.proxies[h.ProxyID]
	if !ok {
		return
	}
	if rec.ConcurrentUses > 0 {
		rec.ConcurrentUses--
	}

	if out.Skipped {
		p.publishGauges(rec.PoolID)
		return
	}

	now := p.clock.Now()
	sample := 0.0
	if out.Success {
		sample = 1.0
	}
	rec.HealthScore = p.cfg.HealthAlpha*sample + (1-p.cfg.HealthAlpha)*rec.HealthScore

	if out.Success {
		rec.FailureCount = 0
		rec.LastSuccessAt = &now
	} else {
		rec.FailureCount++
		rec.LastFailureAt = &now
		if rec.Status == engine.ProxyStatusActive && rec.FailureCount >= p.cfg.FailureThreshold {
			rec.Status = engine.ProxyStatusFailed
			p.logger.Warn("proxy demoted after consecutive failures",
				zap.String("proxy_id", rec.ID),
				zap.String("host", rec.Host),
				zap.Int("failures", rec.FailureCount),
			)
		}
	}

	p.publishGauges(rec.PoolID)
}

// Deactivate marks a proxy inactive. Records are never deleted, only
// deactivated, so the audit trail survives.
func (p *Pool) Deactivate(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[proxyID]
	if !ok {
		return fmt.Errorf("proxy %s not found", proxyID)
	}
	rec.Status = engine.ProxyStatusInactive
	p.publishGauges(rec.PoolID)
	return nil
}

// Health returns a snapshot of the pool ("" means all pools).
func (p *Pool) Health(poolID string) engine.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := engine.PoolSnapshot{
		PoolID:     poolID,
		TakenAt:    p.clock.Now(),
		MaxPerUses: p.cfg.MaxConcurrentUses,
	}
	for _, rec := range p.scoped(poolID, "") {
		snap.Total++
		snap.InUse += rec.ConcurrentUses
		switch rec.Status {
		case engine.ProxyStatusActive:
			snap.Active++
		case engine.ProxyStatusFailed:
			snap.Failed++
		case engine.ProxyStatusInactive:
			snap.Inactive++
		case engine.ProxyStatusBanned:
			snap.Banned++
		}
		snap.Proxies = append(snap.Proxies, *rec)
	}
	sort.Slice(snap.Proxies, func(i, j int) bool { return snap.Proxies[i].ID < snap.Proxies[j].ID })
	return snap
}

// failedRecords returns copies of proxies in failed status for probing.
func (p *Pool) failedRecords() []engine.ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []engine.ProxyRecord
	for _, rec := range p.scoped("", engine.ProxyStatusFailed) {
		out = append(out, *rec)
	}
	return out
}

// reactivate returns a probed proxy to rotation.
func (p *Pool) reactivate(proxyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[proxyID]
	if !ok || rec.Status != engine.ProxyStatusFailed {
		return
	}
	rec.Status = engine.ProxyStatusActive
	rec.FailureCount = 0
	p.publishGauges(rec.PoolID)
}

// publishGauges refreshes pool gauges. Caller must hold the mutex.
func (p *Pool) publishGauges(poolID string) {
	active, inUse := 0, 0
	for _, rec := range p.scoped(poolID, "") {
		if rec.Status == engine.ProxyStatusActive {
			active++
		}
		inUse += rec.ConcurrentUses
	}
	p.metrics.SetPoolGauges(poolID, active, inUse)
}
