package antibot

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
)

// Config controls escalation behavior.
type Config struct {
	// StatusThreshold is the number of 403/429 (or latency) hits inside the
	// sliding window at which each further hit escalates one level.
	StatusThreshold int
	// SignalWindow is the sliding window for weak repeated signals.
	SignalWindow time.Duration
	// Cooldown is the quiet period after which a domain de-escalates one
	// level.
	Cooldown time.Duration
}

const (
	defaultStatusThreshold = 2
	defaultSignalWindow    = time.Minute
	defaultCooldown        = 5 * time.Minute
)

// Decision tells the fetch executor how to reach a domain. When Suspend is
// set the domain is blocked and must not be fetched at all.
type Decision struct {
	Transport     engine.TransportMode `json:"transport"`
	Delay         time.Duration        `json:"delay"`
	HeaderProfile string               `json:"header_profile"`
	Suspend       bool                 `json:"suspend"`
}

// domainState is the per-domain observable state. All fields are guarded by
// the store mutex; Decide computes purely over a copy.
type domainState struct {
	level        Level
	hits         []time.Time
	lastSignalAt time.Time
}

// Store is an explicit keyed state store (domain -> detection state). It is
// constructible fresh in tests and shared through the same atomic-update
// discipline as the proxy pool.
type Store struct {
	mu      sync.Mutex
	domains map[string]*domainState
	clock   engine.Clock
}

// NewStore constructs an empty Store.
func NewStore(clock engine.Clock) *Store {
	return &Store{
		domains: make(map[string]*domainState),
		clock:   clock,
	}
}

// Engine interprets detection signals and produces policy decisions.
type Engine struct {
	cfg     Config
	store   *Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// DecisionSource is the decide() contract. A learned decision source can be
// swapped in behind the same interface.
type DecisionSource interface {
	Decide(domain string, requested engine.TransportMode) Decision
}

// New constructs an Engine over the given store.
func New(cfg Config, store *Store, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.StatusThreshold <= 0 {
		cfg.StatusThreshold = defaultStatusThreshold
	}
	if cfg.SignalWindow <= 0 {
		cfg.SignalWindow = defaultSignalWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, logger: logger, metrics: m}
}

// Observe folds one signal into the domain's detection state, escalating at
// most one level per call.
func (e *Engine) Observe(domain string, sig Signal) Level {
	key := normalizeDomain(domain)
	now := e.store.clock.Now()

	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	st := e.store.state(key)
	e.decayLocked(st, now)

	if st.level == LevelBlocked {
		return st.level
	}

	escalate := false
	switch sig.Kind {
	case SignalChallengePage, SignalCaptcha:
		// A single strong fingerprint escalates immediately.
		escalate = true
	case SignalHTTPStatus, SignalLatency:
		st.hits = append(st.hits, now)
		st.hits = pruneWindow(st.hits, now.Add(-e.cfg.SignalWindow))
		escalate = len(st.hits) >= e.cfg.StatusThreshold
	}

	st.lastSignalAt = now
	if escalate {
		st.level = st.level.Escalate()
		e.logger.Info("anti-bot level escalated",
			zap.String("domain", key),
			zap.String("level", st.level.String()),
			zap.String("signal", string(sig.Kind)),
			zap.Int("status", sig.StatusCode),
		)
		e.metrics.SetDetectionLevel(key, int(st.level))
	}
	return st.level
}

// Decide returns the policy decision for a domain. It is a pure function of
// the domain's observable state and the requested transport mode.
func (e *Engine) Decide(domain string, requested engine.TransportMode) Decision {
	key := normalizeDomain(domain)
	now := e.store.clock.Now()

	e.store.mu.Lock()
	st := e.store.state(key)
	e.decayLocked(st, now)
	level := st.level
	e.store.mu.Unlock()

	return decideAt(level, requested)
}

// decideAt maps a detection level and a requested transport to a decision.
func decideAt(level Level, requested engine.TransportMode) Decision {
	if level == LevelBlocked {
		return Decision{Suspend: true}
	}

	transport := requested
	if transport == "" || transport == engine.TransportAuto {
		if level >= LevelMedium {
			transport = engine.TransportBrowser
		} else {
			transport = engine.TransportHTTP
		}
	}

	d := Decision{Transport: transport}
	switch level {
	case LevelNone:
		d.HeaderProfile = "baseline"
	case LevelLow:
		d.Delay = 500 * time.Millisecond
		d.HeaderProfile = "baseline"
	case LevelMedium:
		d.Delay = 1500 * time.Millisecond
		d.HeaderProfile = "browser"
	case LevelHigh:
		d.Delay = 4 * time.Second
		d.HeaderProfile = "stealth"
	}
	return d
}

// Level reports the current level for a domain, applying decay first.
func (e *Engine) Level(domain string) Level {
	key := normalizeDomain(domain)
	now := e.store.clock.Now()

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	st := e.store.state(key)
	e.decayLocked(st, now)
	return st.level
}

// Reset clears a domain back to none. This is the operator escape hatch for
// blocked domains.
func (e *Engine) Reset(domain string) {
	key := normalizeDomain(domain)

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	st := e.store.state(key)
	st.level = LevelNone
	st.hits = nil
	st.lastSignalAt = time.Time{}
	e.metrics.SetDetectionLevel(key, int(LevelNone))
	e.logger.Info("anti-bot level reset", zap.String("domain", key))
}

// Snapshot returns the current level per observed domain.
func (e *Engine) Snapshot() map[string]Level {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	out := make(map[string]Level, len(e.store.domains))
	for domain, st := range e.store.domains {
		out[domain] = st.level
	}
	return out
}

// decayLocked steps the level down once per full quiet cooldown window.
// Blocked never decays.
func (e *Engine) decayLocked(st *domainState, now time.Time) {
	if st.level == LevelBlocked || st.level == LevelNone || st.lastSignalAt.IsZero() {
		return
	}
	for st.level > LevelNone && now.Sub(st.lastSignalAt) >= e.cfg.Cooldown {
		st.level = st.level.DeEscalate()
		st.lastSignalAt = st.lastSignalAt.Add(e.cfg.Cooldown)
	}
	st.hits = pruneWindow(st.hits, now.Add(-e.cfg.SignalWindow))
}

func (s *Store) state(domain string) *domainState {
	st, ok := s.domains[domain]
	if !ok {
		st = &domainState{}
		s.domains[domain] = st
	}
	return st
}

func pruneWindow(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	return kept
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
