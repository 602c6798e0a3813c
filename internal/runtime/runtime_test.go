package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/broker"
	"orderflow/internal/config"
	"orderflow/internal/journal"
	"orderflow/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeGateway satisfies Gateway without touching a real socket; it just
// allocates monotonic request-ids, mirroring wsgateway.Gateway's scheme.
type fakeGateway struct {
	dispatcher broker.Dispatcher
	nextID     int64

	depthCalls int
	tbtCalls   int
	cancelled  []int64
}

func (g *fakeGateway) SubscribeL1(symbol types.Symbol, exchange string) (int64, error) {
	g.nextID++
	return g.nextID, nil
}

func (g *fakeGateway) SubscribeDepth(symbol types.Symbol, exchange string) (int64, error) {
	g.nextID++
	g.depthCalls++
	return g.nextID, nil
}

func (g *fakeGateway) SubscribeTbt(symbol types.Symbol, exchange string) (int64, error) {
	g.nextID++
	g.tbtCalls++
	return g.nextID, nil
}

func (g *fakeGateway) Cancel(reqID int64) error {
	g.cancelled = append(g.cancelled, reqID)
	return nil
}

func (g *fakeGateway) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() *config.Config {
	return &config.Config{
		DepthSlots: 2,
		MarketData: config.MarketDataConfig{
			MaxLines:                   10,
			DepthRows:                  5,
			L1ReceiptTimeoutMs:         15000,
			TickByTickReceiptTimeoutMs: 15000,
			BookStaleWindow:            5 * time.Second,
		},
		Universe: config.UniverseConfig{Source: "Static", StaticSymbols: nil},
		Signals: config.SignalsConfig{
			QueueImbalanceTheta:  2.0,
			QueueImbalanceLevels: 4,
			StopRatioK1:          1.0,
			TargetRatioK2:        2.0,
			RiskBudgetUSD:        500,
		},
		Scarcity: config.ScarcityConfig{MaxBlueprintsPerDay: 6, MaxPerSymbolPerDay: 1},
		EvalWindow: config.EvalWindowConfig{
			MinMs:      1000,
			MaxMs:      60000,
			CooldownMs: 3600000,
			GraceMs:    1000,
			StaleMs:    10000,
		},
		Tape: config.TapeConfig{
			StaleWindowMs:   5000,
			WarmupMinTrades: 1,
			WarmupWindowMs:  10000,
			RingWindowMs:    60000,
		},
		Journal: config.JournalConfig{FilePath: "journal.jsonl"},
		Runtime: config.RuntimeConfig{WorkerPoolSize: 2},
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeGateway) {
	t.Helper()
	dir := t.TempDir()
	j := journal.New(journal.Config{FilePath: filepath.Join(dir, "journal.jsonl")}, uuid.New(), discardLogger())
	t.Cleanup(func() { j.Close() })

	fg := &fakeGateway{}
	rt := New(testConfig(), uuid.New(), j, func(d broker.Dispatcher) Gateway {
		fg.dispatcher = d
		return fg
	}, discardLogger())
	return rt, fg
}

func TestBookRegistryGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newBookRegistry(5, 60000, 5000)
	a := reg.getOrCreate("AAPL")
	b := reg.getOrCreate("AAPL")
	if a != b {
		t.Fatalf("getOrCreate returned different books for the same symbol")
	}
	if _, ok := reg.Book("MSFT"); ok {
		t.Fatalf("Book should report false for a symbol never referenced")
	}
}

func TestShardForIsStableAndWithinRange(t *testing.T) {
	t.Parallel()

	n := 4
	first := shardFor("AAPL", n)
	second := shardFor("AAPL", n)
	if first != second {
		t.Fatalf("shardFor not stable across calls: %d vs %d", first, second)
	}
	if first < 0 || first >= n {
		t.Fatalf("shardFor returned out-of-range shard %d for n=%d", first, n)
	}
}

func TestDispatchRoutesDepthEventToItsSymbolShard(t *testing.T) {
	t.Parallel()

	rt, fg := newTestRuntime(t)
	diff := rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, time.Now())
	if len(diff.Add) != 1 {
		t.Fatalf("expected AAPL to be added to the probe set, got diff=%+v", diff)
	}

	reqID := fg.nextID
	rt.Dispatch(broker.Event{
		Kind:     broker.EventDepth,
		ReqID:    reqID,
		Position: 0,
		Op:       types.Insert,
		Side:     types.Bid,
		Price:    10.05,
		Size:     100,
		RecvTsMs: time.Now().UnixMilli(),
	})

	shard := rt.shards[shardFor("AAPL", len(rt.shards))]
	select {
	case item := <-shard:
		if item.symbol != "AAPL" || item.ev.Kind != broker.EventDepth {
			t.Fatalf("unexpected work item: %+v", item)
		}
	default:
		t.Fatalf("expected a work item on the resolved shard")
	}
}

func TestDispatchDropsEventsForUnknownReqID(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	rt.Dispatch(broker.Event{Kind: broker.EventDepth, ReqID: 9999})

	for i, shard := range rt.shards {
		select {
		case item := <-shard:
			t.Fatalf("shard %d unexpectedly received %+v for an unresolvable req-id", i, item)
		default:
		}
	}
}

func TestDispatchRoutesErrorEventToBrokerErrorHandling(t *testing.T) {
	t.Parallel()

	rt, fg := newTestRuntime(t)
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, time.Now())
	reqID := fg.nextID

	rt.Dispatch(broker.Event{Kind: broker.EventError, ReqID: reqID, Code: 10092, Message: "depth ineligible"})

	if err := rt.subs.UpgradeToEval("AAPL", time.Now()); err == nil {
		t.Fatalf("expected upgrade to be short-circuited after a depth-ineligible broker error")
	}
}

func TestDispatchDowngradesEvalSymbolOnLateDepthIneligibleError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.jsonl")
	j := journal.New(journal.Config{FilePath: journalPath}, uuid.New(), discardLogger())
	t.Cleanup(func() { j.Close() })

	fg := &fakeGateway{}
	rt := New(testConfig(), uuid.New(), j, func(d broker.Dispatcher) Gateway {
		fg.dispatcher = d
		return fg
	}, discardLogger())

	now := time.Now()
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, now)

	rt.selectUpgrade(now.UnixMilli(), now)
	if !rt.subs.IsActive("AAPL") {
		t.Fatalf("expected AAPL to be upgraded to eval before the broker error arrives")
	}
	if !rt.evalwindow.Active("AAPL") {
		t.Fatalf("expected an evaluation window to be open before the broker error arrives")
	}

	// The depth subscribe call above already succeeded synchronously; the
	// broker's asynchronous ineligibility error for that same request-id
	// lands after the upgrade has already been applied.
	rec, ok := rt.subs.Record("AAPL")
	if !ok {
		t.Fatalf("expected a subscription record for AAPL")
	}
	depthReqID := rec.DepthReqID

	rt.Dispatch(broker.Event{Kind: broker.EventError, ReqID: depthReqID, Code: 10092, Message: "depth ineligible"})

	if rt.subs.IsActive("AAPL") {
		t.Fatalf("expected AAPL to be downgraded out of eval after a late depth-ineligible error")
	}
	if rt.evalwindow.Active("AAPL") {
		t.Fatalf("expected the evaluation window to be closed after a late depth-ineligible error")
	}

	j.Sync()
	data, err := os.ReadFile(journalPath)
	if err != nil {
		t.Fatalf("reading journal file: %v", err)
	}
	if !strings.Contains(string(data), `"entry_type":"EvaluationExit"`) || !strings.Contains(string(data), `"ExitReason":3`) {
		t.Fatalf("expected a DataInvalid (ExitReason=3) EvaluationExit entry in the journal, got: %s", data)
	}
}

func TestHandleDepthAppliesToBookState(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, time.Now())

	rt.handleDepth("AAPL", broker.Event{Position: 0, Op: types.Insert, Side: types.Bid, Price: 10, Size: 5, RecvTsMs: 1000})
	rt.handleDepth("AAPL", broker.Event{Position: 0, Op: types.Insert, Side: types.Ask, Price: 10.5, Size: 5, RecvTsMs: 1000})

	b, ok := rt.books.Book("AAPL")
	if !ok {
		t.Fatalf("expected a book to exist for AAPL after handleDepth")
	}
	snap := b.Snapshot()
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("expected one bid and one ask level, got bids=%d asks=%d", len(snap.Bids), len(snap.Asks))
	}
}

func TestHandleL1ClearsReceiptTimeoutClock(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, time.Now())

	rt.handleL1("AAPL", broker.Event{Price: 10, Size: 1, RecvTsMs: time.Now().UnixMilli()})

	rec, ok := rt.subs.Record("AAPL")
	if !ok {
		t.Fatalf("expected a subscription record for AAPL")
	}
	if rec.L1FirstRecvTs.IsZero() {
		t.Fatalf("expected L1FirstRecvTs to be stamped after handleL1")
	}
}

func TestSelectUpgradeFillsFreeDepthSlot(t *testing.T) {
	t.Parallel()

	rt, fg := newTestRuntime(t)
	now := time.Now()
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, now)

	rt.selectUpgrade(now.UnixMilli(), now)

	if !rt.subs.IsActive("AAPL") {
		t.Fatalf("expected AAPL to be upgraded to eval")
	}
	if fg.depthCalls != 1 {
		t.Fatalf("expected exactly one depth subscribe call, got %d", fg.depthCalls)
	}
	if !rt.evalwindow.Active("AAPL") {
		t.Fatalf("expected an evaluation window to have been started")
	}
}

func TestCheckEvalExitsClosesExpiredWindow(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	now := time.Now()
	rt.subs.ApplyUniverse([]types.Classification{{Symbol: "AAPL", StockType: types.Common}}, now)
	if err := rt.subs.UpgradeToEval("AAPL", now); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	rt.evalwindow.StartWindow("AAPL", now.UnixMilli())

	future := now.Add(2 * time.Minute)
	rt.checkEvalExits(future.UnixMilli(), future)

	if rt.evalwindow.Active("AAPL") {
		t.Fatalf("expected the evaluation window to have closed after the max duration elapsed")
	}
	if rt.subs.IsActive("AAPL") {
		t.Fatalf("expected AAPL to be downgraded out of eval after window close")
	}
}
