package metrics

import (
	"testing"

	"orderflow/internal/book"
	"orderflow/pkg/types"
)

func buildBook(t *testing.T) *book.Book {
	t.Helper()
	b := book.New("AAPL", 5, 60000, 5000)
	b.ApplyDepth(types.DepthUpdate{Symbol: "AAPL", Side: types.Bid, Op: types.Insert, Price: 10.00, Size: 300, Position: 0, RecvTsMs: 1000})
	b.ApplyDepth(types.DepthUpdate{Symbol: "AAPL", Side: types.Ask, Op: types.Insert, Price: 10.05, Size: 100, Position: 0, RecvTsMs: 1000})
	return b
}

func TestQueueImbalanceRatio(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	e := New(Config{QueueImbalanceLevels: 4})
	snap := e.Compute(b, 1000)

	if !snap.QIDefined {
		t.Fatal("QIDefined = false, want true")
	}
	if snap.QueueImbalance != 3.0 {
		t.Errorf("QueueImbalance = %v, want 3.0 (300/100)", snap.QueueImbalance)
	}
}

func TestQueueImbalanceUndefinedOnZeroAskSize(t *testing.T) {
	t.Parallel()

	b := book.New("AAPL", 5, 60000, 5000)
	b.ApplyDepth(types.DepthUpdate{Symbol: "AAPL", Side: types.Bid, Op: types.Insert, Price: 10.00, Size: 100, Position: 0, RecvTsMs: 1000})
	// Book stays invalid (no ask side), so Compute returns zeroed metrics
	// without ever reaching the QI division.
	e := New(Config{})
	snap := e.Compute(b, 1000)
	if snap.Valid {
		t.Fatal("expected invalid snapshot with only one side populated")
	}
	if snap.QIDefined {
		t.Error("QIDefined = true on invalid book, want false")
	}
}

func TestWallAgeGrowsWithoutSideChange(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	e := New(Config{})

	snap := e.Compute(b, 1000)
	if snap.BidWallAgeMs != 0 {
		t.Fatalf("initial BidWallAgeMs = %d, want 0", snap.BidWallAgeMs)
	}

	snap = e.Compute(b, 6000)
	if snap.BidWallAgeMs != 5000 {
		t.Errorf("BidWallAgeMs after 5000ms idle = %d, want 5000", snap.BidWallAgeMs)
	}
}

func TestAbsorptionRatioAtLeastOneSignalsAbsorption(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	e := New(Config{WindowMs: 5000})

	e.ObserveDepthChange("AAPL", types.Bid, types.Insert, 0, 0, 300, 1000)
	b.RecordTrade(1100, 1100, 10.00, 300)

	snap := e.Compute(b, 1200)
	if snap.BidAbsorption < 1.0 {
		t.Errorf("BidAbsorption = %v, want >= 1.0 (traded size matches net added)", snap.BidAbsorption)
	}
}

func TestSpoofScoreHighOnCancelHeavyBestLevel(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	e := New(Config{WindowMs: 5000})

	e.ObserveDepthChange("AAPL", types.Bid, types.Insert, 0, 0, 300, 1000)
	e.ObserveDepthChange("AAPL", types.Bid, types.Delete, 0, 300, 0, 1050)
	e.ObserveDepthChange("AAPL", types.Bid, types.Insert, 0, 0, 300, 1100)
	e.ObserveDepthChange("AAPL", types.Bid, types.Delete, 0, 300, 0, 1150)

	snap := e.Compute(b, 1200)
	if snap.SpoofScoreCount < 1.0 {
		t.Errorf("SpoofScoreCount = %v, want >= 1.0 (cancels == adds)", snap.SpoofScoreCount)
	}
}

func TestTapeAccelerationAboveOneWhenSpeedingUp(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	// One trade in the prior 2s window (the recv-1000 print is exactly 3s
	// old and falls outside it), three in the most recent 1s.
	b.RecordTrade(1, 1000, 10.00, 1)
	b.RecordTrade(2, 2000, 10.00, 1)
	b.RecordTrade(3, 3200, 10.00, 1)
	b.RecordTrade(4, 3400, 10.00, 1)
	b.RecordTrade(5, 3900, 10.00, 1)

	e := New(Config{})
	snap := e.Compute(b, 4000)
	if snap.TapeAcceleration <= 1.0 {
		t.Errorf("TapeAcceleration = %v, want > 1.0", snap.TapeAcceleration)
	}
}

func TestBookDeltaCountsWindowed(t *testing.T) {
	t.Parallel()

	b := buildBook(t)
	e := New(Config{})
	e.ObserveDepthChange("AAPL", types.Bid, types.Update, 0, 300, 310, 1000)
	e.ObserveDepthChange("AAPL", types.Bid, types.Update, 0, 310, 320, 11000)
	e.ObserveDepthChange("AAPL", types.Bid, types.Update, 0, 320, 330, 11500)

	snap := e.Compute(b, 12000)
	if snap.BookDelta3s != 2 {
		t.Errorf("BookDelta3s = %d, want 2 (excludes the ts=1000 event)", snap.BookDelta3s)
	}
}
