// Package coordinator implements the Signal Coordinator: the per-snapshot
// gate sequence, optional rank-window staging, the daily/per-symbol
// scarcity controller, and blueprint synthesis + journal emission.
//
// The quota/cooldown enforcement generalizes a threshold-and-cooldown
// risk-manager shape from portfolio risk limits into daily signal
// scarcity; the gate sequence itself follows a single-dispatcher
// select-loop shape.
package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderflow/internal/book"
	"orderflow/internal/evalwindow"
	"orderflow/internal/metrics"
	"orderflow/internal/validator"
	"orderflow/pkg/types"
)

// Coordinator-level rejection reasons, distinct from validator.Reason*.
const (
	ReasonBookInvalidPrefix   = "BookInvalid_"
	ReasonTapeStale           = "NotReady_TapeStale"
	ReasonWarmupNotMet        = "NotReady_WarmupNotMet"
	ReasonScarcityDaily       = "Scarcity_MaxBlueprintsPerDay"
	ReasonScarcityPerSymbol   = "Scarcity_MaxPerSymbolPerDay"
	ReasonScarcityGlobalCool  = "Scarcity_GlobalCooldown"
	ReasonScarcitySymbolCool  = "Scarcity_SymbolCooldown"
	ReasonRankedOut           = "RejectedRankedOut"
)

// BlueprintConfig sizes the synthesized entry/stop/target/share-count plan.
type BlueprintConfig struct {
	StopRatioK1   float64
	TargetRatioK2 float64
	RiskBudgetUSD float64
}

// ScarcityConfig bounds the coordinator's acceptance rate, distinct from
// the validator's own per-symbol cooldown / global rate limit.
type ScarcityConfig struct {
	MaxBlueprintsPerDay   int
	MaxPerSymbolPerDay    int
	GlobalCooldownMinutes int
	SymbolCooldownMinutes int
}

// Config tunes the gate sequence, rank window, scarcity, and blueprint
// synthesis.
type Config struct {
	ThrottleMs        int64
	TapeStaleMs       int64
	WarmupMinTrades   int
	WarmupWindowMs    int64
	RankWindowSeconds int
	EmitGateTrace     bool

	Scarcity  ScarcityConfig
	Blueprint BlueprintConfig
}

// BookSource resolves a symbol to its live order book.
type BookSource interface {
	Book(symbol types.Symbol) (*book.Book, bool)
}

// SubscriptionGate is the subset of subscription.Registry the coordinator
// needs for the active-universe gate and post-acceptance downgrade.
type SubscriptionGate interface {
	IsActive(symbol types.Symbol) bool
	DowngradeFromEval(symbol types.Symbol, reason types.ExitReason, now time.Time)
}

// Journal is the subset of journal.Writer the coordinator emits entries
// through. Kept as a local interface so this package has no import
// dependency on the journal package's file/rotation machinery.
type Journal interface {
	WriteRejection(nowMs int64, symbol types.Symbol, reason string, trace *types.GateTrace)
	WriteAcceptance(nowMs int64, decisionID string, decision types.Decision, blueprint types.Blueprint, snap book.Snapshot)
	WriteEvaluationExit(rec types.EvaluationRecord)
}

type stagedCandidate struct {
	symbol   types.Symbol
	score    float64
	tsMs     int64
	sequence int64
	decision types.Decision
	snap     book.Snapshot
}

// Coordinator runs the per-snapshot gate sequence and owns rank-window
// staging and scarcity bookkeeping. Single logical owner per process; the
// worker pool may call ProcessSnapshot concurrently for different symbols,
// guarded internally by mu for the shared staging/scarcity state.
type Coordinator struct {
	cfg       Config
	sessionID uuid.UUID
	logger    *slog.Logger

	books      BookSource
	metrics    *metrics.Engine
	validator  *validator.Validator
	subs       SubscriptionGate
	evalwindow *evalwindow.Controller
	journal    Journal

	seq int64

	mu             sync.Mutex
	lastEvalMs     map[types.Symbol]int64
	bucketAnchorMs int64
	bucketOpen     bool
	staged         []stagedCandidate

	dailyCount        map[string]int
	perSymbolDaily    map[string]map[types.Symbol]int
	lastGlobalAcceptMs int64
	symbolCooldownMs   map[types.Symbol]int64
}

// New creates a Coordinator. sessionID seeds the deterministic decision-id
// derivation: UUID v5 from (session-id, symbol, sequence).
func New(cfg Config, sessionID uuid.UUID, books BookSource, me *metrics.Engine, v *validator.Validator, subs SubscriptionGate, ew *evalwindow.Controller, j Journal, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		sessionID:      sessionID,
		logger:         logger.With("component", "coordinator"),
		books:          books,
		metrics:        me,
		validator:      v,
		subs:           subs,
		evalwindow:     ew,
		journal:        j,
		lastEvalMs:     make(map[types.Symbol]int64),
		dailyCount:     make(map[string]int),
		perSymbolDaily: make(map[string]map[types.Symbol]int),
		symbolCooldownMs: make(map[types.Symbol]int64),
	}
}

// ProcessSnapshot runs the full per-snapshot gate sequence for symbol.
// nowMs is the local receipt-time clock.
func (c *Coordinator) ProcessSnapshot(symbol types.Symbol, nowMs int64) {
	if !c.subs.IsActive(symbol) {
		return // active-universe gate: silent drop
	}

	c.mu.Lock()
	last := c.lastEvalMs[symbol]
	if nowMs-last < c.cfg.ThrottleMs {
		c.mu.Unlock()
		return // per-symbol throttle: silent drop
	}
	c.lastEvalMs[symbol] = nowMs
	c.mu.Unlock()

	b, ok := c.books.Book(symbol)
	if !ok {
		return
	}
	snap := b.Snapshot()
	if !snap.Valid {
		c.reject(symbol, nowMs, ReasonBookInvalidPrefix+snap.InvalidReason.String(), nil)
		return
	}

	if nowMs-snap.LastTradeRecvMs > c.cfg.TapeStaleMs {
		c.reject(symbol, nowMs, ReasonTapeStale, c.gateTrace(snap, nowMs))
		return
	}
	if countRecentTrades(snap.Tape, nowMs, c.cfg.WarmupWindowMs) < c.cfg.WarmupMinTrades {
		c.reject(symbol, nowMs, ReasonWarmupNotMet, c.gateTrace(snap, nowMs))
		return
	}

	msnap := c.metrics.Compute(b, nowMs)
	decision := c.validator.Evaluate(msnap, nowMs)
	if !decision.Accepted {
		c.reject(symbol, nowMs, decision.RejectionReason, c.gateTrace(snap, nowMs))
		return
	}

	cand := stagedCandidate{
		symbol:   symbol,
		score:    decision.Confidence,
		tsMs:     nowMs,
		sequence: atomic.AddInt64(&c.seq, 1),
		decision: decision,
		snap:     snap,
	}

	if c.cfg.RankWindowSeconds <= 0 {
		c.resolveCandidate(cand, nowMs, dayKeyUTC(nowMs))
		return
	}
	c.stage(cand, nowMs)
}

// stage buckets an accepted candidate into the current rank window,
// flushing the previous bucket if nowMs has rolled into a new one.
func (c *Coordinator) stage(cand stagedCandidate, nowMs int64) {
	windowMs := int64(c.cfg.RankWindowSeconds) * 1000
	anchor := (nowMs / windowMs) * windowMs

	c.mu.Lock()
	if c.bucketOpen && anchor != c.bucketAnchorMs {
		toFlush := c.staged
		flushAnchor := c.bucketAnchorMs
		c.staged = nil
		c.mu.Unlock()
		c.flushBucket(toFlush, flushAnchor)
		c.mu.Lock()
	}
	c.bucketAnchorMs = anchor
	c.bucketOpen = true
	c.staged = append(c.staged, cand)
	c.mu.Unlock()
}

// Flush forces the currently staged bucket to resolve, for callers (the
// control-plane evaluation-window timer) that need the rank window to
// close even with no further incoming snapshots.
func (c *Coordinator) Flush(nowMs int64) {
	c.mu.Lock()
	if !c.bucketOpen {
		c.mu.Unlock()
		return
	}
	toFlush := c.staged
	anchor := c.bucketAnchorMs
	c.staged = nil
	c.bucketOpen = false
	c.mu.Unlock()
	c.flushBucket(toFlush, anchor)
}

// flushBucket ranks the staged candidates and greedily accepts from the
// top until the first scarcity rejection, then marks every remaining
// candidate RejectedRankedOut.
func (c *Coordinator) flushBucket(staged []stagedCandidate, anchorMs int64) {
	if len(staged) == 0 {
		return
	}
	sort.Slice(staged, func(i, j int) bool {
		a, b := staged[i], staged[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.tsMs != b.tsMs {
			return a.tsMs < b.tsMs
		}
		if a.sequence != b.sequence {
			return a.sequence < b.sequence
		}
		return a.symbol < b.symbol
	})

	dayKey := dayKeyUTC(anchorMs)
	accepting := true
	for _, cand := range staged {
		if !accepting {
			c.rejectScarcity(cand.symbol, cand.tsMs, ReasonRankedOut, &cand.snap)
			continue
		}
		if !c.resolveCandidate(cand, cand.tsMs, dayKey) {
			accepting = false
		}
	}
}

// resolveCandidate applies the scarcity controller to one ranked
// candidate and, on pass, synthesizes and journals the blueprint. Returns
// true if accepted.
func (c *Coordinator) resolveCandidate(cand stagedCandidate, nowMs int64, dayKey string) bool {
	reason, ok := c.checkScarcity(cand.symbol, nowMs, dayKey)
	if !ok {
		c.rejectScarcity(cand.symbol, nowMs, reason, &cand.snap)
		return false
	}
	c.recordAcceptance(cand.symbol, nowMs, dayKey)
	c.accept(cand, nowMs)
	return true
}

// checkScarcity enforces daily quota, per-symbol daily quota, and optional
// global/per-symbol cooldowns.
func (c *Coordinator) checkScarcity(symbol types.Symbol, nowMs int64, dayKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxDaily := c.cfg.Scarcity.MaxBlueprintsPerDay
	if maxDaily <= 0 {
		maxDaily = 6
	}
	if c.dailyCount[dayKey] >= maxDaily {
		return ReasonScarcityDaily, false
	}

	maxPerSymbol := c.cfg.Scarcity.MaxPerSymbolPerDay
	if maxPerSymbol <= 0 {
		maxPerSymbol = 1
	}
	if c.perSymbolDaily[dayKey][symbol] >= maxPerSymbol {
		return ReasonScarcityPerSymbol, false
	}

	if c.cfg.Scarcity.GlobalCooldownMinutes > 0 {
		cooldownMs := int64(c.cfg.Scarcity.GlobalCooldownMinutes) * 60_000
		if c.lastGlobalAcceptMs > 0 && nowMs-c.lastGlobalAcceptMs < cooldownMs {
			return ReasonScarcityGlobalCool, false
		}
	}

	if c.cfg.Scarcity.SymbolCooldownMinutes > 0 {
		if until, ok := c.symbolCooldownMs[symbol]; ok && nowMs < until {
			return ReasonScarcitySymbolCool, false
		}
	}

	return "", true
}

func (c *Coordinator) recordAcceptance(symbol types.Symbol, nowMs int64, dayKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dailyCount[dayKey]++
	if c.perSymbolDaily[dayKey] == nil {
		c.perSymbolDaily[dayKey] = make(map[types.Symbol]int)
	}
	c.perSymbolDaily[dayKey][symbol]++
	c.lastGlobalAcceptMs = nowMs
	if c.cfg.Scarcity.SymbolCooldownMinutes > 0 {
		c.symbolCooldownMs[symbol] = nowMs + int64(c.cfg.Scarcity.SymbolCooldownMinutes)*60_000
	}
}

// accept synthesizes the blueprint, journals the Acceptance, closes the
// evaluation window, and downgrades the symbol out of Eval.
func (c *Coordinator) accept(cand stagedCandidate, nowMs int64) {
	decisionID := c.decisionID(cand.symbol, cand.sequence)
	blueprint := c.synthesizeBlueprint(cand.decision, cand.snap)

	c.journal.WriteAcceptance(nowMs, decisionID.String(), cand.decision, blueprint, cand.snap)
	c.logger.Info("signal accepted", "symbol", cand.symbol, "decision_id", decisionID, "confidence", cand.decision.Confidence)

	startedMs, endedMs, ok := c.evalwindow.OnExit(cand.symbol, types.SignalEmitted, nowMs)
	if ok {
		c.journal.WriteEvaluationExit(types.EvaluationRecord{
			Symbol:     cand.symbol,
			StartedTs:  time.UnixMilli(startedMs).UTC(),
			EndedTs:    time.UnixMilli(endedMs).UTC(),
			ExitReason: types.SignalEmitted,
		})
	}
	c.subs.DowngradeFromEval(cand.symbol, types.SignalEmitted, time.UnixMilli(nowMs).UTC())
}

// reject journals a per-symbol rejection (pre-scarcity: hard gates, rising
// edge, book/tape gates, validator-local scarcity).
func (c *Coordinator) reject(symbol types.Symbol, nowMs int64, reason string, trace *types.GateTrace) {
	c.journal.WriteRejection(nowMs, symbol, reason, trace)
}

func (c *Coordinator) rejectScarcity(symbol types.Symbol, nowMs int64, reason string, snap *book.Snapshot) {
	var trace *types.GateTrace
	if snap != nil {
		trace = c.gateTrace(*snap, nowMs)
	}
	c.journal.WriteRejection(nowMs, symbol, reason, trace)
}

// decisionID derives a deterministic UUID v5 from (session-id, symbol,
// sequence): the session-id itself serves as the SHA1 namespace, so the
// same recv-ts sequence on replay yields the same decision-ids.
func (c *Coordinator) decisionID(symbol types.Symbol, sequence int64) uuid.UUID {
	name := fmt.Sprintf("%s:%d", symbol, sequence)
	return uuid.NewSHA1(c.sessionID, []byte(name))
}

// synthesizeBlueprint produces the entry/stop/target/share-count plan from
// the accepted direction and current spread.
func (c *Coordinator) synthesizeBlueprint(decision types.Decision, snap book.Snapshot) types.Blueprint {
	var entry decimal.Decimal
	if decision.Direction == types.DirectionBuy {
		entry = snap.BestAsk.Price
	} else {
		entry = snap.BestBid.Price
	}
	spread := decimal.NewFromFloat(snap.Spread)
	k1 := decimal.NewFromFloat(c.cfg.Blueprint.StopRatioK1)
	k2 := decimal.NewFromFloat(c.cfg.Blueprint.TargetRatioK2)

	var stop, target decimal.Decimal
	if decision.Direction == types.DirectionBuy {
		stop = entry.Sub(spread.Mul(k1))
		target = entry.Add(spread.Mul(k2))
	} else {
		stop = entry.Add(spread.Mul(k1))
		target = entry.Sub(spread.Mul(k2))
	}

	risk := entry.Sub(stop).Abs()
	var shares int64
	if risk.IsPositive() {
		budget := decimal.NewFromFloat(c.cfg.Blueprint.RiskBudgetUSD)
		shares = budget.Div(risk).IntPart()
	}

	return types.Blueprint{Entry: entry, Stop: stop, Target: target, ShareCount: shares}
}

// gateTrace builds the diagnostic snapshot attached to rejections when
// configured.
func (c *Coordinator) gateTrace(snap book.Snapshot, nowMs int64) *types.GateTrace {
	if !c.cfg.EmitGateTrace {
		return nil
	}
	return &types.GateTrace{
		NowMs:            nowMs,
		LastTradeMs:      snap.LastTradeRecvMs,
		TradesInWarmup:   countRecentTrades(snap.Tape, nowMs, c.cfg.WarmupWindowMs),
		WarmupOK:         countRecentTrades(snap.Tape, nowMs, c.cfg.WarmupWindowMs) >= c.cfg.WarmupMinTrades,
		StaleAgeMs:       nowMs - snap.LastDepthRecvMs,
		DepthAgeMs:       nowMs - snap.LastDepthRecvMs,
		DepthLevelsKnown: len(snap.Bids) + len(snap.Asks),
		Thresholds: map[string]float64{
			"tape_stale_ms":     float64(c.cfg.TapeStaleMs),
			"warmup_min_trades": float64(c.cfg.WarmupMinTrades),
			"warmup_window_ms":  float64(c.cfg.WarmupWindowMs),
		},
	}
}

func countRecentTrades(tape []types.TradePrint, nowMs, windowMs int64) int {
	n := 0
	for _, t := range tape {
		if nowMs-t.RecvTsMs <= windowMs {
			n++
		}
	}
	return n
}

func dayKeyUTC(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}
