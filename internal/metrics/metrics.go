// Package metrics computes pure, per-snapshot order-flow indicators from
// an order-book snapshot: queue imbalance, wall age, absorption rate,
// spoof score, and tape acceleration. Each indicator function is a pure
// function of a book.Snapshot plus a rolling event log; the Engine owns
// and updates those per-symbol event logs and a latest-snapshot cache,
// with no locking of its own. The composite-score shape (a weighted blend)
// generalizes a single toxicity score into the five-metric Snapshot
// below.
package metrics

import (
	"math"

	"orderflow/internal/book"
	"orderflow/pkg/types"
)

// Config tunes the engine's rolling windows and top-K depth used for QI.
type Config struct {
	QueueImbalanceLevels int
	WindowMs             int64 // window for absorption/spoof accounting
}

// Snapshot is the computed metrics view for one symbol at one instant.
// Zeroed when the underlying book is invalid, so the validator
// short-circuits without special-casing invalid books itself.
type Snapshot struct {
	Symbol types.Symbol
	NowMs  int64

	Valid bool

	QueueImbalance float64 // Σbid/Σask over top-K; 0 if denominator is 0 (no-signal)
	QIDefined      bool

	BidWallAgeMs int64
	AskWallAgeMs int64

	BidAbsorption float64
	AskAbsorption float64

	SpoofScoreCount float64
	SpoofScoreSize  float64

	TapeAcceleration float64

	Spread      float64
	Mid         float64
	BestBidSize float64
	BestAskSize float64

	BookDelta1s int
	BookDelta3s int
}

// event is one depth change recorded for absorption/spoof accounting,
// keyed by receipt time so windows roll on local clock, not exchange
// clock.
type event struct {
	side     types.Side
	op       types.DepthOp
	atBest   bool
	sizeFrom float64
	sizeTo   float64
	recvTsMs int64
}

// Engine caches per-symbol rolling event logs needed to compute
// absorption and spoof score, which are windowed rather than purely a
// function of the latest snapshot.
type Engine struct {
	cfg Config

	events map[types.Symbol][]event
	deltas map[types.Symbol][]int64 // recv-ts of every depth change, for book-delta counts

	latest map[types.Symbol]Snapshot
}

// New builds a metrics engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.QueueImbalanceLevels <= 0 {
		cfg.QueueImbalanceLevels = 4
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 5000
	}
	return &Engine{
		cfg:    cfg,
		events: make(map[types.Symbol][]event),
		deltas: make(map[types.Symbol][]int64),
		latest: make(map[types.Symbol]Snapshot),
	}
}

// ObserveDepthChange records a depth-level mutation for the rolling
// absorption/spoof/book-delta accounting. Called by the broker adapter
// alongside book.ApplyDepth, since OBS itself does not retain enough
// history to compute these windowed ratios.
func (e *Engine) ObserveDepthChange(symbol types.Symbol, side types.Side, op types.DepthOp, position int, sizeFrom, sizeTo float64, recvTsMs int64) {
	ev := event{
		side:     side,
		op:       op,
		atBest:   position == 0,
		sizeFrom: sizeFrom,
		sizeTo:   sizeTo,
		recvTsMs: recvTsMs,
	}
	e.events[symbol] = appendTrimmed(e.events[symbol], ev, recvTsMs, e.cfg.WindowMs)
	e.deltas[symbol] = appendTrimmedTs(e.deltas[symbol], recvTsMs, recvTsMs, 3000)
}

func appendTrimmed(log []event, ev event, nowMs, windowMs int64) []event {
	log = append(log, ev)
	cutoff := nowMs - windowMs
	i := 0
	for i < len(log) && log[i].recvTsMs < cutoff {
		i++
	}
	if i > 0 {
		log = append([]event{}, log[i:]...)
	}
	return log
}

func appendTrimmedTs(log []int64, ts, nowMs, windowMs int64) []int64 {
	log = append(log, ts)
	cutoff := nowMs - windowMs
	i := 0
	for i < len(log) && log[i] < cutoff {
		i++
	}
	if i > 0 {
		log = append([]int64{}, log[i:]...)
	}
	return log
}

// Compute derives a metrics Snapshot from the current book state. Tape
// acceleration is derived from the book's own tape ring; absorption and
// spoof score from the engine's rolling depth-change log.
func (e *Engine) Compute(b *book.Book, nowMs int64) Snapshot {
	symbol := b.Symbol()
	snap := b.Snapshot()

	out := Snapshot{Symbol: symbol, NowMs: nowMs, Valid: snap.Valid}
	if !snap.Valid {
		e.latest[symbol] = out
		return out
	}

	out.QueueImbalance, out.QIDefined = queueImbalance(snap, e.cfg.QueueImbalanceLevels)
	out.BidWallAgeMs = ageMs(nowMs, snap.BidLastChangeMs)
	out.AskWallAgeMs = ageMs(nowMs, snap.AskLastChangeMs)
	out.Spread = snap.Spread
	out.Mid = snap.Mid
	out.BestBidSize, _ = snap.BestBid.Size.Float64()
	out.BestAskSize, _ = snap.BestAsk.Size.Float64()

	out.BidAbsorption = absorption(e.events[symbol], types.Bid, snap.Tape, nowMs, e.cfg.WindowMs)
	out.AskAbsorption = absorption(e.events[symbol], types.Ask, snap.Tape, nowMs, e.cfg.WindowMs)
	out.SpoofScoreCount, out.SpoofScoreSize = spoofScore(e.events[symbol])
	out.TapeAcceleration = tapeAcceleration(snap.Tape, nowMs)
	out.BookDelta1s = countSince(e.deltas[symbol], nowMs, 1000)
	out.BookDelta3s = countSince(e.deltas[symbol], nowMs, 3000)

	e.latest[symbol] = out
	return out
}

// Latest returns the most recently computed snapshot for symbol, or the
// zero value if none has been computed yet.
func (e *Engine) Latest(symbol types.Symbol) Snapshot {
	return e.latest[symbol]
}

// queueImbalance is Σ bid-size / Σ ask-size over the top K levels.
// Zero denominator is explicitly undefined, not zero.
func queueImbalance(snap book.Snapshot, levels int) (float64, bool) {
	var bidSum, askSum float64
	for i := 0; i < levels && i < len(snap.Bids); i++ {
		f, _ := snap.Bids[i].Size.Float64()
		bidSum += f
	}
	for i := 0; i < levels && i < len(snap.Asks); i++ {
		f, _ := snap.Asks[i].Size.Float64()
		askSum += f
	}
	if askSum == 0 {
		return 0, false
	}
	return bidSum / askSum, true
}

func ageMs(nowMs, lastChangeMs int64) int64 {
	if lastChangeMs == 0 {
		return 0
	}
	age := nowMs - lastChangeMs
	if age < 0 {
		return 0
	}
	return age
}

// absorption is size-of-all-tape-prints / net-size-added-at-that-side
// over the window; ≥1 indicates the side is absorbing aggressive flow
// without the quote thinning proportionally. Tape prints carry no side,
// so the traded numerator is the same for the bid and the ask.
func absorption(evs []event, side types.Side, tape []types.TradePrint, nowMs, windowMs int64) float64 {
	cutoff := nowMs - windowMs
	var traded float64
	for _, t := range tape {
		if t.RecvTsMs >= cutoff {
			traded += t.Size
		}
	}

	var netAdded float64
	for _, ev := range evs {
		if ev.side != side {
			continue
		}
		switch ev.op {
		case types.Insert:
			netAdded += ev.sizeTo
		case types.Update:
			netAdded += ev.sizeTo - ev.sizeFrom
		case types.Delete:
			netAdded -= ev.sizeFrom
		}
	}
	if netAdded <= 0 {
		if traded > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return traded / netAdded
}

// spoofScore is cancels/adds at best levels over the window, by count
// and by size. High ⇒ suspicious quote-stuffing.
func spoofScore(evs []event) (byCount, bySize float64) {
	var adds, cancels int
	var addSize, cancelSize float64
	for _, ev := range evs {
		if !ev.atBest {
			continue
		}
		switch ev.op {
		case types.Insert:
			adds++
			addSize += ev.sizeTo
		case types.Delete:
			cancels++
			cancelSize += ev.sizeFrom
		}
	}
	if adds == 0 {
		byCount = 0
	} else {
		byCount = float64(cancels) / float64(adds)
	}
	if addSize == 0 {
		bySize = 0
	} else {
		bySize = cancelSize / addSize
	}
	return byCount, bySize
}

// tapeAcceleration is (trades/sec in the last 1s) / (trades/sec in the
// prior 2s window). >1 ⇒ accelerating.
func tapeAcceleration(tape []types.TradePrint, nowMs int64) float64 {
	var recent, prior int
	for _, t := range tape {
		age := nowMs - t.RecvTsMs
		switch {
		case age >= 0 && age < 1000:
			recent++
		case age >= 1000 && age < 3000:
			prior++
		}
	}
	recentRate := float64(recent) / 1.0
	priorRate := float64(prior) / 2.0
	if priorRate == 0 {
		if recentRate > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return recentRate / priorRate
}

func countSince(log []int64, nowMs, windowMs int64) int {
	cutoff := nowMs - windowMs
	n := 0
	for _, ts := range log {
		if ts >= cutoff {
			n++
		}
	}
	return n
}
