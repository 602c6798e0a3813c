// Package runtime is the top-level orchestrator for the default run mode:
// it wires the order book registry, metrics engine, validator,
// subscription manager, evaluation-window controller, coordinator,
// journal, and universe service together, and owns the three
// concurrency domains described by the engine design (a single broker
// reader, a bounded worker pool, and control-plane timers).
//
// New(cfg) -> Start(ctx) -> Stop() is the whole lifecycle: one goroutine
// per concern launched from Start, event routing keyed off a
// request-id/symbol map. Unlike a one-goroutine-per-active-market design,
// this uses a fixed-size worker pool sharded by symbol hash, since the
// candidate universe here (up to MarketData.MaxLines symbols) is far
// larger than a per-market goroutine count would scale to.
package runtime

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/book"
	"orderflow/internal/broker"
	"orderflow/internal/config"
	"orderflow/internal/coordinator"
	"orderflow/internal/evalwindow"
	"orderflow/internal/journal"
	"orderflow/internal/metrics"
	"orderflow/internal/subscription"
	"orderflow/internal/universe"
	"orderflow/internal/validator"
	"orderflow/pkg/types"
)

// Gateway is the transport this runtime drives: the outbound request
// surface plus the inbound read loop. wsgateway.Gateway satisfies this
// directly.
type Gateway interface {
	broker.Requester
	Run(ctx context.Context) error
}

// bookRegistry owns the per-symbol order books, created lazily on first
// reference, with no per-symbol goroutine.
type bookRegistry struct {
	depth         int
	tapeWindowMs  int64
	staleWindowMs int64

	mu    sync.RWMutex
	books map[types.Symbol]*book.Book
}

func newBookRegistry(depth int, tapeWindowMs, staleWindowMs int64) *bookRegistry {
	return &bookRegistry{
		depth:         depth,
		tapeWindowMs:  tapeWindowMs,
		staleWindowMs: staleWindowMs,
		books:         make(map[types.Symbol]*book.Book),
	}
}

func (r *bookRegistry) getOrCreate(symbol types.Symbol) *book.Book {
	r.mu.RLock()
	b, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[symbol]; ok {
		return b
	}
	b = book.New(symbol, r.depth, r.tapeWindowMs, r.staleWindowMs)
	r.books[symbol] = b
	return b
}

// Book implements coordinator.BookSource; returns false if no event has
// ever been seen for symbol.
func (r *bookRegistry) Book(symbol types.Symbol) (*book.Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[symbol]
	return b, ok
}

// workItem carries a resolved symbol alongside its triggering event, so
// a worker goroutine never needs to re-resolve the request-id.
type workItem struct {
	symbol types.Symbol
	ev     broker.Event
}

// Runtime wires and runs the whole live pipeline.
type Runtime struct {
	cfg       *config.Config
	sessionID uuid.UUID
	logger    *slog.Logger

	gateway    Gateway
	books      *bookRegistry
	metrics    *metrics.Engine
	validator  *validator.Validator
	subs       *subscription.Registry
	evalwindow *evalwindow.Controller
	coord      *coordinator.Coordinator
	universe   *universe.Service
	journal    *journal.Writer

	shards []chan workItem

	mu      sync.Mutex
	l1Ticks map[types.Symbol][]int64 // rolling recv-ts-ms, for pre-depth probe scoring

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Runtime. gatewayFactory receives the runtime itself
// (as a broker.Dispatcher) and must return the constructed transport;
// this two-phase wiring breaks the cycle between "the registry needs a
// requester" and "the requester needs a dispatcher".
func New(cfg *config.Config, sessionID uuid.UUID, j *journal.Writer, gatewayFactory func(broker.Dispatcher) Gateway, logger *slog.Logger) *Runtime {
	rt := &Runtime{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("component", "runtime"),
		journal:   j,
		l1Ticks:   make(map[types.Symbol][]int64),
	}

	rt.gateway = gatewayFactory(rt)

	subCfg := subscription.Config{
		MaxLines:                  cfg.MarketData.MaxLines,
		DepthSlots:                cfg.DepthSlots,
		L1ReceiptTimeoutMs:        int64(cfg.MarketData.L1ReceiptTimeoutMs),
		TbtReceiptTimeoutMs:       int64(cfg.MarketData.TickByTickReceiptTimeoutMs),
		EvaluationCooldownMinutes: int(cfg.EvalWindow.CooldownMs / 60_000),
	}
	rt.subs = subscription.New(subCfg, rt.gateway, logger)

	rt.books = newBookRegistry(cfg.MarketData.DepthRows, cfg.Tape.RingWindowMs, cfg.MarketData.BookStaleWindow.Milliseconds())

	rt.metrics = metrics.New(metrics.Config{
		QueueImbalanceLevels: cfg.Signals.QueueImbalanceLevels,
		WindowMs:             cfg.Tape.RingWindowMs,
	})

	rt.validator = validator.New(validator.Config{
		QueueImbalanceTheta: cfg.Signals.QueueImbalanceTheta,
		HardGates: validator.HardGates{
			MaxSpoofScore:        cfg.Signals.HardGates.MaxSpoofScore,
			MinTapeAcceleration:  cfg.Signals.HardGates.MinTapeAcceleration,
			MinWallPersistenceMs: cfg.Signals.HardGates.MinWallPersistenceMs,
		},
		SymbolCooldownMinutes:  cfg.Signals.SymbolCooldownMinutes,
		GlobalRateLimitPerHour: cfg.Signals.GlobalRateLimitPerHour,
	}, logger)

	rt.evalwindow = evalwindow.New(evalwindow.Config{
		MinMs:      cfg.EvalWindow.MinMs,
		MaxMs:      cfg.EvalWindow.MaxMs,
		CooldownMs: cfg.EvalWindow.CooldownMs,
		GraceMs:    cfg.EvalWindow.GraceMs,
		StaleMs:    cfg.EvalWindow.StaleMs,
	})

	rt.coord = coordinator.New(coordinator.Config{
		ThrottleMs:        int64(cfg.MarketData.L1ReceiptTimeoutMs), // reused as the per-symbol snapshot throttle floor
		TapeStaleMs:       cfg.Tape.StaleWindowMs,
		WarmupMinTrades:   cfg.Tape.WarmupMinTrades,
		WarmupWindowMs:    cfg.Tape.WarmupWindowMs,
		RankWindowSeconds: cfg.Scarcity.RankWindowSeconds,
		EmitGateTrace:     cfg.Journal.EmitGateTrace,
		Scarcity: coordinator.ScarcityConfig{
			MaxBlueprintsPerDay:   cfg.Scarcity.MaxBlueprintsPerDay,
			MaxPerSymbolPerDay:    cfg.Scarcity.MaxPerSymbolPerDay,
			GlobalCooldownMinutes: cfg.Scarcity.GlobalCooldownMinutes,
			SymbolCooldownMinutes: cfg.Scarcity.SymbolCooldownMinutes,
		},
		Blueprint: coordinator.BlueprintConfig{
			StopRatioK1:   cfg.Signals.StopRatioK1,
			TargetRatioK2: cfg.Signals.TargetRatioK2,
			RiskBudgetUSD: cfg.Signals.RiskBudgetUSD,
		},
	}, sessionID, rt.books, rt.metrics, rt.validator, rt.subs, rt.evalwindow, j, logger)

	var source universe.Source
	if cfg.Universe.Source == "Scanner" {
		source = universe.NewHTTPSource(cfg.Universe.ScannerQueryURL)
	} else {
		source = universe.NewStaticSource(cfg.Universe.StaticSymbols)
	}
	rt.universe = universe.New(universe.Config{
		RefreshInterval: time.Duration(cfg.Universe.RefreshMinutes) * time.Minute,
		TopK:            cfg.MarketData.MaxLines,
	}, source, rt.subs, j, logger)

	poolSize := cfg.Runtime.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	rt.shards = make([]chan workItem, poolSize)
	for i := range rt.shards {
		rt.shards[i] = make(chan workItem, 1024)
	}

	return rt
}

// Start launches every background goroutine and blocks until ctx is
// cancelled, then waits for clean shutdown.
func (rt *Runtime) Start(ctx context.Context) {
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	for i, shard := range rt.shards {
		rt.wg.Add(1)
		go rt.runWorker(i, shard)
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.gateway.Run(rt.ctx); err != nil && rt.ctx.Err() == nil {
			rt.logger.Error("gateway run error", "error", err)
		}
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.universe.Run(rt.ctx)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.controlLoop(rt.ctx)
	}()

	<-rt.ctx.Done()
	rt.wg.Wait()
}

// Stop cancels every goroutine launched by Start and waits for them to
// exit.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
}

// Dispatch implements broker.Dispatcher. It never blocks the reader
// goroutine: symbol resolution is a single map lookup, and the shard
// send drops (with a log) rather than blocking when a worker is behind.
func (rt *Runtime) Dispatch(ev broker.Event) {
	switch ev.Kind {
	case broker.EventError:
		if !broker.InformationalErrorCode(ev.Code) {
			rt.logger.Warn("broker error", "req_id", ev.ReqID, "code", ev.Code, "msg", ev.Message)
		}
		now := time.Now()
		symbol, evictFromEval := rt.subs.HandleBrokerError(ev.ReqID, ev.Code, ev.Message, now)
		if evictFromEval {
			rt.exitEval(symbol, types.DataInvalid, now.UnixMilli(), now)
		}
		return
	case broker.EventConnectionClosed:
		rt.logger.Warn("broker connection closed")
		return
	}

	symbol, ok := rt.subs.SymbolForReqID(ev.ReqID)
	if !ok {
		return
	}

	shard := rt.shards[shardFor(symbol, len(rt.shards))]
	select {
	case shard <- workItem{symbol: symbol, ev: ev}:
	default:
		rt.logger.Warn("worker shard full, dropping event", "symbol", symbol, "kind", ev.Kind)
	}
}

func shardFor(symbol types.Symbol, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32()) % n
}

func (rt *Runtime) runWorker(id int, shard chan workItem) {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case item := <-shard:
			rt.handleEvent(item)
		}
	}
}

func (rt *Runtime) handleEvent(item workItem) {
	switch item.ev.Kind {
	case broker.EventDepth:
		rt.handleDepth(item.symbol, item.ev)
	case broker.EventTrade:
		rt.handleTrade(item.symbol, item.ev)
	case broker.EventL1:
		rt.handleL1(item.symbol, item.ev)
	}
}

func (rt *Runtime) handleDepth(symbol types.Symbol, ev broker.Event) {
	b := rt.books.getOrCreate(symbol)

	var sizeFrom float64
	snap := b.Snapshot()
	levels := snap.Bids
	if ev.Side == types.Ask {
		levels = snap.Asks
	}
	if ev.Position >= 0 && ev.Position < len(levels) {
		sizeFrom = levels[ev.Position].Size.InexactFloat64()
	}

	rt.metrics.ObserveDepthChange(symbol, ev.Side, ev.Op, ev.Position, sizeFrom, ev.Size, ev.RecvTsMs)
	b.ApplyDepth(types.DepthUpdate{
		Symbol:   symbol,
		Side:     ev.Side,
		Op:       ev.Op,
		Price:    ev.Price,
		Size:     ev.Size,
		Position: ev.Position,
		RecvTsMs: ev.RecvTsMs,
	})

	rt.coord.ProcessSnapshot(symbol, ev.RecvTsMs)
}

func (rt *Runtime) handleTrade(symbol types.Symbol, ev broker.Event) {
	b := rt.books.getOrCreate(symbol)
	b.RecordTrade(ev.EventTsRaw, ev.RecvTsMs, ev.Price, ev.Size)
	rt.coord.ProcessSnapshot(symbol, ev.RecvTsMs)
}

func (rt *Runtime) handleL1(symbol types.Symbol, ev broker.Event) {
	rt.subs.NotifyL1Received(symbol, time.UnixMilli(ev.RecvTsMs))
	rt.recordL1Tick(symbol, ev.RecvTsMs)
}

const l1TickWindowMs = 10_000

func (rt *Runtime) recordL1Tick(symbol types.Symbol, nowMs int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ticks := append(rt.l1Ticks[symbol], nowMs)
	cutoff := nowMs - l1TickWindowMs
	kept := ticks[:0]
	for _, ts := range ticks {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	rt.l1Ticks[symbol] = kept
}

func (rt *Runtime) printsPerSecond(symbol types.Symbol, nowMs int64) float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cutoff := nowMs - l1TickWindowMs
	n := 0
	for _, ts := range rt.l1Ticks[symbol] {
		if ts >= cutoff {
			n++
		}
	}
	return float64(n) / (l1TickWindowMs / 1000.0)
}

const controlTickInterval = 1 * time.Second

// controlLoop runs everything that isn't symbol-sharded, single-writer
// work: the receipt-timeout sweep, the evaluation-window exit/upgrade
// cycle, and the rank-window flush. None of this touches book state
// directly, so it shares no lock with the worker pool.
func (rt *Runtime) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(controlTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.controlTick(time.Now())
		}
	}
}

func (rt *Runtime) controlTick(now time.Time) {
	nowMs := now.UnixMilli()

	for _, symbol := range rt.subs.Symbols() {
		rt.subs.CheckReceiptTimeout(symbol, now)
	}

	rt.checkEvalExits(nowMs, now)
	rt.selectUpgrade(nowMs, now)

	if rt.cfg.Scarcity.RankWindowSeconds > 0 {
		rt.coord.Flush(nowMs)
	}
}

// checkEvalExits closes any Eval window whose freshness or max-duration
// bound has lapsed, journals the exit, and downgrades the symbol back
// to Probe with a cooldown stamped.
func (rt *Runtime) checkEvalExits(nowMs int64, now time.Time) {
	for _, symbol := range rt.subs.EvalSymbols() {
		valid := false
		if b, ok := rt.books.Book(symbol); ok {
			valid = b.Snapshot().Valid
		}

		reason := rt.evalwindow.CheckTick(symbol, nowMs, valid)
		if reason == types.ExitNone {
			continue
		}

		rt.exitEval(symbol, reason, nowMs, now)
	}
}

// exitEval closes symbol's evaluation window (if one is open), journals
// the EvaluationExit, and downgrades the subscription back to Probe with
// a cooldown stamped. Used both by the periodic freshness/timeout sweep
// and by the broker-error path, where a depth-ineligible error can
// arrive after a symbol has already been upgraded to Eval.
func (rt *Runtime) exitEval(symbol types.Symbol, reason types.ExitReason, nowMs int64, now time.Time) {
	startedMs, endedMs, ok := rt.evalwindow.OnExit(symbol, reason, nowMs)
	if ok {
		rt.journal.WriteEvaluationExit(types.EvaluationRecord{
			Symbol:     symbol,
			StartedTs:  time.UnixMilli(startedMs).UTC(),
			EndedTs:    time.UnixMilli(endedMs).UTC(),
			ExitReason: reason,
		})
	}
	rt.subs.DowngradeFromEval(symbol, reason, now)
	rt.logger.Info("evaluation window closed", "symbol", symbol, "reason", reason.String())
}

// selectUpgrade fills any free depth slot with the best-ranked eligible
// probe.
func (rt *Runtime) selectUpgrade(nowMs int64, now time.Time) {
	free := rt.cfg.DepthSlots - rt.subs.EvalCount()
	if free <= 0 {
		return
	}

	probes := rt.subs.EligibleProbes(now)
	if len(probes) == 0 {
		return
	}

	activity := make([]evalwindow.ProbeActivity, len(probes))
	for i, p := range probes {
		activity[i] = evalwindow.ProbeActivity{
			Symbol:           p.Symbol,
			PrintsPerSecond:  rt.printsPerSecond(p.Symbol, nowMs),
			ProbeEnteredAtMs: p.EnteredAtMs,
			SpreadTightness:  rt.spreadTightness(p.Symbol),
			ClassificationOK: true,
			InCooldown:       false,
			DepthSlotFree:    true,
		}
	}

	symbol, ok := evalwindow.SelectUpgradeCandidate(activity, nowMs)
	if !ok {
		return
	}

	if err := rt.subs.UpgradeToEval(symbol, now); err != nil {
		rt.logger.Warn("upgrade to eval failed", "symbol", symbol, "error", err)
		return
	}
	rt.evalwindow.StartWindow(symbol, nowMs)
	rt.logger.Info("upgraded to eval", "symbol", symbol)
}

// spreadTightness is the ProbeActivity ranking input that
// evalwindow's score() adds to PrintsPerSecond: higher is tighter, 0 if
// the book has no valid spread yet.
func (rt *Runtime) spreadTightness(symbol types.Symbol) float64 {
	b, ok := rt.books.Book(symbol)
	if !ok {
		return 0
	}
	snap := b.Snapshot()
	if !snap.Valid || snap.Spread <= 0 {
		return 0
	}
	return 1.0 / snap.Spread
}
