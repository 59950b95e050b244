// Package risk decides whether a client address may use the service. It
// asks an external IP reputation provider about the address, applies an
// ordered rule table (provider flags, suspicious ISP keywords, risk score,
// country allow list), and caches verdicts in the shared TTL store.
//
// Lookup failures never produce cached verdicts; the configured failure
// policy decides whether an unverifiable address passes.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/streamveil/streamveil/internal/cache"
	"github.com/streamveil/streamveil/internal/config"
)

// Circuit breaker defaults, shared with the upstream relay's client idiom.
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// Evaluator evaluates client addresses against the reputation provider and
// the rule table.
//
// A circuit breaker protects the provider from hammering during outages:
// after repeated failures, lookups short-circuit to the failure policy
// until the reset timeout passes.
type Evaluator struct {
	provider Provider
	store    cache.Store // may be nil (no caching)
	rules    *ruleSet
	cacheTTL time.Duration
	timeout  time.Duration
	failOpen bool
	logger   *slog.Logger

	group singleflight.Group

	// Metrics hooks, set by the caller. All optional.
	OnAllow       func(reason string)
	OnBlock       func(reason string)
	OnCacheHit    func()
	OnLookupError func()

	cbMu           sync.Mutex
	cbFailures     int
	cbOpenUntil    time.Time
	cbThreshold    int
	cbResetTimeout time.Duration
}

// NewEvaluator builds an evaluator from config. The store may be nil to
// disable verdict caching; provider must not be nil.
func NewEvaluator(cfg config.RiskConfig, provider Provider, store cache.Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		provider:       provider,
		store:          store,
		rules:          newRuleSet(cfg.EffectiveKeywords(), cfg.ScoreThreshold, cfg.AllowedCountries),
		cacheTTL:       config.MustParseDuration(cfg.CacheTTL, time.Hour),
		timeout:        config.MustParseDuration(cfg.Timeout, 5*time.Second),
		failOpen:       cfg.FailurePolicy != config.FailurePolicyFailClosed,
		logger:         logger,
		cbThreshold:    defaultCBThreshold,
		cbResetTimeout: defaultCBResetTimeout,
	}
}

// Evaluate returns the decision for ip. Concurrent evaluations of the same
// address share a single provider lookup.
func (e *Evaluator) Evaluate(ctx context.Context, ip string) Decision {
	ip = NormalizeAddr(ip)
	if ip == "" {
		// A request whose address cannot be determined is rejected outright;
		// the failure policy covers provider trouble, not missing input.
		return e.report(Decision{Allowed: false, Reason: ReasonNoAddress, Detail: "no client address"})
	}

	if d, ok := e.cachedDecision(ctx, ip); ok {
		d.Cached = true
		if e.OnCacheHit != nil {
			e.OnCacheHit()
		}
		return e.report(d)
	}

	// The lookup is shared by every coalesced caller, so it must not die
	// with the first caller's request context. The evaluator's own timeout
	// still bounds it.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := e.group.Do(ip, func() (any, error) {
		return e.lookupAndDecide(lookupCtx, ip), nil
	})
	if err != nil {
		// The closure never returns an error; this is unreachable.
		return e.report(e.policyDecision(ReasonLookupFailed, err.Error()))
	}
	return e.report(v.(Decision))
}

// lookupAndDecide performs the provider lookup and rule evaluation for one
// address. Only definitive verdicts are cached.
func (e *Evaluator) lookupAndDecide(ctx context.Context, ip string) Decision {
	if e.circuitOpen() {
		return e.policyDecision(ReasonLookupFailed, "reputation provider circuit breaker open")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	report, err := e.provider.Lookup(lookupCtx, ip)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			e.recordSuccess()
			// The provider answered; it just knows nothing. Not cached:
			// the provider may learn about the address any moment.
			return e.policyDecision(ReasonNoData, "provider has no data for address")
		}
		e.recordFailure()
		if e.OnLookupError != nil {
			e.OnLookupError()
		}
		e.logger.Warn("risk: reputation lookup failed",
			"provider", e.provider.Name(), "addr", ip, "error", err)
		return e.policyDecision(ReasonLookupFailed, "reputation lookup failed")
	}
	e.recordSuccess()

	d := e.rules.apply(report)
	e.storeDecision(ctx, ip, d)
	return d
}

// policyDecision produces the verdict for an unverifiable address according
// to the failure policy.
func (e *Evaluator) policyDecision(reason, detail string) Decision {
	return Decision{Allowed: e.failOpen, Reason: reason, Detail: detail}
}

// report invokes the metrics hooks and returns d unchanged.
func (e *Evaluator) report(d Decision) Decision {
	if d.Allowed {
		if e.OnAllow != nil {
			e.OnAllow(d.Reason)
		}
	} else if e.OnBlock != nil {
		e.OnBlock(d.Reason)
	}
	return d
}

func (e *Evaluator) cachedDecision(ctx context.Context, ip string) (Decision, bool) {
	if e.store == nil {
		return Decision{}, false
	}
	data, found := e.store.Get(ctx, ip)
	if !found {
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, false // corrupt entry — treat as miss
	}
	return d, true
}

func (e *Evaluator) storeDecision(ctx context.Context, ip string, d Decision) {
	if e.store == nil || e.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, ip, data, e.cacheTTL); err != nil {
		e.logger.Debug("risk: verdict cache write failed", "addr", ip, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

func (e *Evaluator) circuitOpen() bool {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return time.Now().Before(e.cbOpenUntil)
}

func (e *Evaluator) recordFailure() {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbFailures++
	if e.cbFailures >= e.cbThreshold {
		e.cbOpenUntil = time.Now().Add(e.cbResetTimeout)
		e.cbFailures = 0
	}
}

func (e *Evaluator) recordSuccess() {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbFailures = 0
	e.cbOpenUntil = time.Time{}
}

// NormalizeAddr strips an IPv4-mapped IPv6 prefix and surrounding space.
// Returns "" for an empty or whitespace-only input.
func NormalizeAddr(ip string) string {
	ip = strings.TrimSpace(ip)
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}
