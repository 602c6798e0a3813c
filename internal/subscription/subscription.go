// Package subscription implements the Subscription Manager: the
// Probe/Eval state machine per symbol, the MaxLines/DepthSlots budget
// enforcement, exchange-routing fallback, and broker-error-driven
// depth/tbt eligibility demotion.
//
// The per-key state tracking (a mutex-protected map of continuously
// refilling state) and id-keyed bookkeeping generalize a rate-limiter
// token-bucket shape from rate-limiting tokens into request-id
// lifecycle and eligibility TTLs.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/pkg/types"
)

// Requester is the outbound half of the broker feed contract this
// manager drives: issuing and cancelling subscriptions.
// Implemented by the broker gateway; kept as a local interface here so
// this package has no dependency on the transport.
type Requester interface {
	SubscribeL1(symbol types.Symbol, exchange string) (reqID int64, err error)
	SubscribeDepth(symbol types.Symbol, exchange string) (reqID int64, err error)
	SubscribeTbt(symbol types.Symbol, exchange string) (reqID int64, err error)
	Cancel(reqID int64) error
}

// Config bounds the manager's budgets and timeouts.
type Config struct {
	MaxLines                   int
	DepthSlots                 int
	L1ReceiptTimeoutMs         int64
	TbtReceiptTimeoutMs        int64
	EvaluationCooldownMinutes  int
	DepthIneligibleTTL         time.Duration
	TbtIneligibleTTL           time.Duration
}

// smartRouterExchange is the fallback exchange name used when a
// contract's primary exchange is not one of the directly-routable set,
// or when a receipt timeout elapses with no data.
const smartRouterExchange = "SMART"

var directRoutable = map[string]bool{
	"NASDAQ": true,
	"NYSE":   true,
	"AMEX":   true,
	"CBOE":   true,
	"BOX":    true,
}

// Diff is the result of reconciling a universe snapshot against the
// current Probe set.
type Diff struct {
	Add    []types.Symbol
	Remove []types.Symbol
	Keep   []types.Symbol
}

// Registry owns the subscription map and id→symbol map exclusively; all
// structural mutation happens under mu. It is not held across broker RPCs on the cancel path: the
// mutation is staged, then Cancel is issued outside the lock.
type Registry struct {
	cfg       Config
	requester Requester
	logger    *slog.Logger

	mu         sync.Mutex
	records    map[types.Symbol]*types.SubscriptionRecord
	idToSymbol map[int64]types.Symbol
	nextReqID  int64

	depthIneligible map[types.Symbol]time.Time
	tbtIneligible   map[types.Symbol]time.Time

	classifications map[types.Symbol]types.Classification
	l1SubscribedAt  map[types.Symbol]time.Time
}

// New creates a Registry bound to a broker requester.
func New(cfg Config, requester Requester, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:             cfg,
		requester:       requester,
		logger:          logger.With("component", "subscription"),
		records:         make(map[types.Symbol]*types.SubscriptionRecord),
		idToSymbol:      make(map[int64]types.Symbol),
		depthIneligible: make(map[types.Symbol]time.Time),
		tbtIneligible:   make(map[types.Symbol]time.Time),
		classifications: make(map[types.Symbol]types.Classification),
		l1SubscribedAt:  make(map[types.Symbol]time.Time),
	}
}

// ApplyUniverse reconciles the candidate set against the Probe budget
// (MaxLines). Candidates are assumed pre-ranked by the universe
// service; surplus beyond MaxLines is dropped in order.
func (r *Registry) ApplyUniverse(candidates []types.Classification, now time.Time) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[types.Symbol]bool, len(candidates))
	budget := r.cfg.MaxLines
	if budget <= 0 {
		budget = 80
	}

	var diff Diff
	accepted := 0
	for _, c := range candidates {
		if accepted >= budget {
			break
		}
		wanted[c.Symbol] = true
		r.classifications[c.Symbol] = c
		if _, exists := r.records[c.Symbol]; exists {
			diff.Keep = append(diff.Keep, c.Symbol)
		} else {
			diff.Add = append(diff.Add, c.Symbol)
			r.startProbeLocked(c, now)
		}
		accepted++
	}

	for sym := range r.records {
		if !wanted[sym] {
			diff.Remove = append(diff.Remove, sym)
		}
	}
	for _, sym := range diff.Remove {
		r.removeLocked(sym)
	}

	return diff
}

func (r *Registry) startProbeLocked(c types.Classification, now time.Time) {
	exchange := r.routeExchangeLocked(c)
	reqID, err := r.requester.SubscribeL1(c.Symbol, exchange)
	if err != nil {
		r.logger.Warn("L1 subscribe failed", "symbol", c.Symbol, "error", err)
		return
	}
	r.records[c.Symbol] = &types.SubscriptionRecord{
		Symbol:     c.Symbol,
		L1ReqID:    reqID,
		L1Exchange: exchange,
		State:      types.Probe,
	}
	r.idToSymbol[reqID] = c.Symbol
	r.l1SubscribedAt[c.Symbol] = now
}

func (r *Registry) routeExchangeLocked(c types.Classification) string {
	if directRoutable[c.PrimaryExchange] {
		return c.PrimaryExchange
	}
	return smartRouterExchange
}

func (r *Registry) removeLocked(symbol types.Symbol) {
	rec, ok := r.records[symbol]
	if !ok {
		return
	}
	if rec.L1ReqID != 0 {
		delete(r.idToSymbol, rec.L1ReqID)
	}
	if rec.DepthReqID != 0 {
		delete(r.idToSymbol, rec.DepthReqID)
	}
	if rec.TbtReqID != 0 {
		delete(r.idToSymbol, rec.TbtReqID)
	}
	delete(r.records, symbol)
}

// UpgradeToEval atomically attaches depth and tick-by-tick subscriptions,
// preserving the existing L1 request-id.
func (r *Registry) UpgradeToEval(symbol types.Symbol, now time.Time) error {
	r.mu.Lock()
	rec, ok := r.records[symbol]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("subscription: %s not in probe set", symbol)
	}
	if until, demoted := r.depthIneligible[symbol]; demoted && now.Before(until) {
		r.mu.Unlock()
		r.logger.Info("upgrade short-circuited: depth ineligible", "symbol", symbol)
		return fmt.Errorf("subscription: %s depth-ineligible until %s", symbol, until)
	}
	c := r.classifications[symbol]
	exchange := r.routeExchangeLocked(c)
	r.mu.Unlock()

	depthID, err := r.requester.SubscribeDepth(symbol, exchange)
	if err != nil {
		return fmt.Errorf("subscribe depth: %w", err)
	}

	var tbtID int64
	if _, demoted := r.tbtIneligible[symbol]; !demoted {
		tbtID, err = r.requester.SubscribeTbt(symbol, exchange)
		if err != nil {
			return fmt.Errorf("subscribe tbt: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.records[symbol]
	if !ok {
		return fmt.Errorf("subscription: %s removed during upgrade", symbol)
	}
	rec.DepthReqID = depthID
	rec.DepthExchange = exchange
	if tbtID != 0 {
		rec.TbtReqID = tbtID
		rec.TbtExchange = exchange
		rec.TbtFirstRecvTs = now
	}
	rec.State = types.Eval
	r.idToSymbol[depthID] = symbol
	if tbtID != 0 {
		r.idToSymbol[tbtID] = symbol
	}
	return nil
}

// DowngradeFromEval cancels depth and tbt, records a cooldown, and keeps
// L1 unless the symbol has already been dropped from the universe.
func (r *Registry) DowngradeFromEval(symbol types.Symbol, reason types.ExitReason, now time.Time) {
	r.mu.Lock()
	rec, ok := r.records[symbol]
	if !ok {
		r.mu.Unlock()
		return
	}
	depthID, tbtID := rec.DepthReqID, rec.TbtReqID
	rec.DepthReqID = 0
	rec.TbtReqID = 0
	rec.DepthExchange = ""
	rec.TbtExchange = ""
	if depthID != 0 {
		delete(r.idToSymbol, depthID)
	}
	if tbtID != 0 {
		delete(r.idToSymbol, tbtID)
	}
	cooldownMinutes := r.cfg.EvaluationCooldownMinutes
	if cooldownMinutes <= 0 {
		cooldownMinutes = 60
	}
	rec.CooldownUntil = now.Add(time.Duration(cooldownMinutes) * time.Minute)
	rec.State = types.Probe
	r.mu.Unlock()

	if depthID != 0 {
		if err := r.requester.Cancel(depthID); err != nil {
			r.logger.Warn("cancel depth failed", "symbol", symbol, "error", err)
		}
	}
	if tbtID != 0 {
		if err := r.requester.Cancel(tbtID); err != nil {
			r.logger.Warn("cancel tbt failed", "symbol", symbol, "error", err)
		}
	}
	r.logger.Info("downgraded from eval", "symbol", symbol, "reason", reason.String())
}

// HandleBrokerError routes broker error codes to eligibility demotion
// or fallback-exchange re-subscription. The returned evictFromEval is
// true when code 10092 (depth ineligible) arrived for a symbol already
// upgraded to Eval — the synchronous SubscribeDepth call can have
// already succeeded before the broker's asynchronous ineligibility
// error lands, so by the time this fires the symbol may already be
// consuming a real DepthSlots slot on a subscription the broker has
// rejected. The caller is responsible for closing out that symbol's
// evaluation window and downgrading it back to Probe; this registry
// only stamps the eligibility TTL so a subsequent upgrade attempt is
// short-circuited.
func (r *Registry) HandleBrokerError(reqID int64, code int, msg string, now time.Time) (symbol types.Symbol, evictFromEval bool) {
	r.mu.Lock()
	symbol, ok := r.idToSymbol[reqID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}

	switch code {
	case 10092: // depth ineligible
		r.mu.Lock()
		ttl := r.cfg.DepthIneligibleTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		r.depthIneligible[symbol] = now.Add(ttl)
		rec, ok := r.records[symbol]
		wasEval := ok && rec.State == types.Eval
		r.mu.Unlock()
		r.logger.Warn("depth ineligible, demoted", "symbol", symbol, "code", code, "msg", msg, "was_eval", wasEval)
		return symbol, wasEval
	case 10190: // tbt ineligible
		r.mu.Lock()
		ttl := r.cfg.TbtIneligibleTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		r.tbtIneligible[symbol] = now.Add(ttl)
		r.mu.Unlock()
		r.logger.Warn("tbt ineligible, demoted", "symbol", symbol, "code", code, "msg", msg)
	default:
		r.logger.Debug("broker error", "symbol", symbol, "code", code, "msg", msg)
	}
	return "", false
}

// NotifyL1Received marks the first L1 data observed for symbol,
// stopping the receipt-timeout fallback clock. Called by the feed
// adapter on the first L1 callback after subscribing.
func (r *Registry) NotifyL1Received(symbol types.Symbol, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[symbol]
	if ok && rec.L1FirstRecvTs.IsZero() {
		rec.L1FirstRecvTs = now
	}
}

// CheckReceiptTimeout auto-falls-back a subscription to the smart router
// when no data has been observed within the receipt timeout. Returns true if a fallback was issued.
func (r *Registry) CheckReceiptTimeout(symbol types.Symbol, now time.Time) bool {
	r.mu.Lock()
	rec, ok := r.records[symbol]
	if !ok || rec.L1Exchange == smartRouterExchange || !rec.L1FirstRecvTs.IsZero() {
		r.mu.Unlock()
		return false
	}
	timeout := time.Duration(r.cfg.L1ReceiptTimeoutMs) * time.Millisecond
	if timeout < 5*time.Second {
		timeout = 15 * time.Second
	}
	subscribedAt := r.l1SubscribedAt[symbol]
	if subscribedAt.IsZero() || now.Sub(subscribedAt) < timeout {
		r.mu.Unlock()
		return false
	}
	oldID := rec.L1ReqID
	r.mu.Unlock()

	newID, err := r.requester.SubscribeL1(symbol, smartRouterExchange)
	if err != nil {
		r.logger.Warn("smart-router fallback failed", "symbol", symbol, "error", err)
		return false
	}
	if err := r.requester.Cancel(oldID); err != nil {
		r.logger.Warn("cancel stale L1 failed", "symbol", symbol, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.records[symbol]
	if !ok {
		return false
	}
	delete(r.idToSymbol, oldID)
	rec.L1ReqID = newID
	rec.L1Exchange = smartRouterExchange
	r.idToSymbol[newID] = symbol
	return true
}

// IsActive reports whether symbol is in Eval.
func (r *Registry) IsActive(symbol types.Symbol) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[symbol]
	return ok && rec.State == types.Eval
}

// InCooldown reports whether symbol is currently barred from upgrade.
func (r *Registry) InCooldown(symbol types.Symbol, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[symbol]
	return ok && now.Before(rec.CooldownUntil)
}

// Record returns a copy of the symbol's subscription bookkeeping.
func (r *Registry) Record(symbol types.Symbol) (types.SubscriptionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[symbol]
	if !ok {
		return types.SubscriptionRecord{}, false
	}
	return *rec, true
}

// EvalCount returns |Eval|, used to enforce the DepthSlots invariant.
func (r *Registry) EvalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.State == types.Eval {
			n++
		}
	}
	return n
}

// ProbeCount returns |Probe ∪ Eval|, used to enforce MaxLines.
func (r *Registry) ProbeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// EvalSymbols returns the current Eval-tier symbols, used by the
// universe service's UniverseUpdate emission.
func (r *Registry) EvalSymbols() []types.Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Symbol
	for sym, rec := range r.records {
		if rec.State == types.Eval {
			out = append(out, sym)
		}
	}
	return out
}

// TbtActiveCount returns the number of Eval-tier symbols with an active
// tbt subscription, used by the universe service's UniverseUpdate
// emission counts. Tbt is conditionally subscribed per
// symbol (it may be skipped or demoted independently of depth).
func (r *Registry) TbtActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.State == types.Eval && rec.HasTbt() {
			n++
		}
	}
	return n
}

// SymbolForReqID resolves an inbound request-id to its owning symbol, for
// the feed adapter's dispatch routing.
func (r *Registry) SymbolForReqID(reqID int64) (types.Symbol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbol, ok := r.idToSymbol[reqID]
	return symbol, ok
}

// Symbols returns every currently tracked symbol (Probe ∪ Eval), used by
// the control plane's receipt-timeout sweep.
func (r *Registry) Symbols() []types.Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Symbol, 0, len(r.records))
	for sym := range r.records {
		out = append(out, sym)
	}
	return out
}

// ProbeEntry is one Probe-tier symbol eligible for upgrade consideration.
type ProbeEntry struct {
	Symbol      types.Symbol
	EnteredAtMs int64
}

// EligibleProbes returns Probe-tier symbols not currently in cooldown,
// for the evaluation-window controller's upgrade-candidate ranking.
// Classification is not checked here or in ApplyUniverse: the universe
// service filters candidates to Common before calling ApplyUniverse.
func (r *Registry) EligibleProbes(now time.Time) []ProbeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProbeEntry
	for sym, rec := range r.records {
		if rec.State != types.Probe {
			continue
		}
		if now.Before(rec.CooldownUntil) {
			continue
		}
		out = append(out, ProbeEntry{Symbol: sym, EnteredAtMs: r.l1SubscribedAt[sym].UnixMilli()})
	}
	return out
}
