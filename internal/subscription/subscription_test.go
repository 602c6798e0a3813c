package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"orderflow/pkg/types"
)

type fakeRequester struct {
	mu      sync.Mutex
	nextID  int64
	cancels []int64
	fail    map[string]bool
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{fail: make(map[string]bool)}
}

func (f *fakeRequester) id() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *fakeRequester) SubscribeL1(symbol types.Symbol, exchange string) (int64, error) {
	if f.fail["l1"] {
		return 0, fmt.Errorf("l1 subscribe failed")
	}
	return f.id(), nil
}

func (f *fakeRequester) SubscribeDepth(symbol types.Symbol, exchange string) (int64, error) {
	if f.fail["depth"] {
		return 0, fmt.Errorf("depth subscribe failed")
	}
	return f.id(), nil
}

func (f *fakeRequester) SubscribeTbt(symbol types.Symbol, exchange string) (int64, error) {
	if f.fail["tbt"] {
		return 0, fmt.Errorf("tbt subscribe failed")
	}
	return f.id(), nil
}

func (f *fakeRequester) Cancel(reqID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reqID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() Config {
	return Config{
		MaxLines:                  3,
		DepthSlots:                2,
		L1ReceiptTimeoutMs:        15000,
		TbtReceiptTimeoutMs:       15000,
		EvaluationCooldownMinutes: 60,
	}
}

func TestApplyUniverseRespectsMaxLines(t *testing.T) {
	t.Parallel()

	reg := New(testConfig(), newFakeRequester(), discardLogger())
	candidates := []types.Classification{
		{Symbol: "A", PrimaryExchange: "NASDAQ"},
		{Symbol: "B", PrimaryExchange: "NYSE"},
		{Symbol: "C", PrimaryExchange: "NASDAQ"},
		{Symbol: "D", PrimaryExchange: "NASDAQ"},
	}
	diff := reg.ApplyUniverse(candidates, time.Now())
	if len(diff.Add) != 3 {
		t.Fatalf("added = %d, want 3 (MaxLines budget)", len(diff.Add))
	}
	if reg.ProbeCount() != 3 {
		t.Errorf("ProbeCount() = %d, want 3", reg.ProbeCount())
	}
}

func TestUpgradeToEvalPreservesL1ReqID(t *testing.T) {
	t.Parallel()

	reg := New(testConfig(), newFakeRequester(), discardLogger())
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, time.Now())

	before, _ := reg.Record("AAPL")
	if err := reg.UpgradeToEval("AAPL", time.Now()); err != nil {
		t.Fatalf("UpgradeToEval() error = %v", err)
	}
	after, _ := reg.Record("AAPL")

	if after.L1ReqID != before.L1ReqID {
		t.Errorf("L1ReqID changed across upgrade: %d -> %d", before.L1ReqID, after.L1ReqID)
	}
	if !after.HasDepth() || !after.HasTbt() {
		t.Error("expected both depth and tbt request ids after upgrade")
	}
	if !reg.IsActive("AAPL") {
		t.Error("IsActive() = false after upgrade, want true")
	}
}

func TestDowngradeStampsCooldownAndKeepsL1(t *testing.T) {
	t.Parallel()

	reg := New(testConfig(), newFakeRequester(), discardLogger())
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, time.Now())
	now := time.Now()
	if err := reg.UpgradeToEval("AAPL", now); err != nil {
		t.Fatalf("UpgradeToEval() error = %v", err)
	}

	reg.DowngradeFromEval("AAPL", types.TimeoutExpired, now)

	rec, ok := reg.Record("AAPL")
	if !ok {
		t.Fatal("expected record to still exist after downgrade")
	}
	if rec.HasDepth() || rec.HasTbt() {
		t.Error("expected depth/tbt cleared after downgrade")
	}
	if rec.L1ReqID == 0 {
		t.Error("expected L1 subscription preserved after downgrade")
	}
	if !reg.InCooldown("AAPL", now.Add(time.Minute)) {
		t.Error("expected cooldown active shortly after downgrade")
	}
}

func TestHandleBrokerErrorDemotesDepthEligibility(t *testing.T) {
	t.Parallel()

	req := newFakeRequester()
	reg := New(testConfig(), req, discardLogger())
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, time.Now())

	rec, _ := reg.Record("AAPL")
	now := time.Now()
	reg.HandleBrokerError(rec.L1ReqID, 10092, "depth ineligible", now)

	if err := reg.UpgradeToEval("AAPL", now); err == nil {
		t.Fatal("expected upgrade to short-circuit after depth ineligibility demotion")
	}
}

func TestHandleBrokerErrorReportsEvictionForSymbolAlreadyInEval(t *testing.T) {
	t.Parallel()

	req := newFakeRequester()
	reg := New(testConfig(), req, discardLogger())
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, time.Now())

	now := time.Now()
	if err := reg.UpgradeToEval("AAPL", now); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	rec, _ := reg.Record("AAPL")

	symbol, evict := reg.HandleBrokerError(rec.DepthReqID, 10092, "depth ineligible", now)
	if !evict {
		t.Fatal("expected evictFromEval=true for a depth-ineligible error on a symbol already in eval")
	}
	if symbol != "AAPL" {
		t.Fatalf("symbol = %q, want AAPL", symbol)
	}

	// HandleBrokerError only stamps the TTL; it does not itself downgrade
	// the record. The caller (runtime.Dispatch) is responsible for that.
	if !reg.IsActive("AAPL") {
		t.Fatal("expected HandleBrokerError to leave the eval/downgrade decision to the caller")
	}
}

func TestHandleBrokerErrorReportsNoEvictionBeforeUpgrade(t *testing.T) {
	t.Parallel()

	req := newFakeRequester()
	reg := New(testConfig(), req, discardLogger())
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, time.Now())

	rec, _ := reg.Record("AAPL")
	now := time.Now()

	_, evict := reg.HandleBrokerError(rec.L1ReqID, 10092, "depth ineligible", now)
	if evict {
		t.Fatal("expected evictFromEval=false when the symbol was never upgraded to eval")
	}
}

func TestCheckReceiptTimeoutFallsBackToSmart(t *testing.T) {
	t.Parallel()

	req := newFakeRequester()
	reg := New(testConfig(), req, discardLogger())
	subscribedAt := time.Now()
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, subscribedAt)

	fellBack := reg.CheckReceiptTimeout("AAPL", subscribedAt.Add(16*time.Second))
	if !fellBack {
		t.Fatal("expected fallback to fire after receipt timeout elapsed with no data")
	}
	rec, _ := reg.Record("AAPL")
	if rec.L1Exchange != smartRouterExchange {
		t.Errorf("L1Exchange = %q, want %q", rec.L1Exchange, smartRouterExchange)
	}
}

func TestCheckReceiptTimeoutSkippedAfterDataReceived(t *testing.T) {
	t.Parallel()

	reg := New(testConfig(), newFakeRequester(), discardLogger())
	subscribedAt := time.Now()
	reg.ApplyUniverse([]types.Classification{{Symbol: "AAPL", PrimaryExchange: "NASDAQ"}}, subscribedAt)
	reg.NotifyL1Received("AAPL", subscribedAt.Add(time.Second))

	if reg.CheckReceiptTimeout("AAPL", subscribedAt.Add(20*time.Second)) {
		t.Fatal("expected no fallback once data has been received")
	}
}
