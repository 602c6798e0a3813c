// Package book implements the Order-Book State (OBS): per-symbol
// reconstruction of top-of-book + N-level depth from incremental
// insert/update/delete operations, a tape ring, and an immutable snapshot
// view published for lock-free reads.
//
// The write side (ApplyDepth, RecordTrade) is single-writer — the feed
// adapter callback goroutine for this symbol — and the read side
// (Snapshot, IsValid) is many-reader. Publishing goes through
// atomic.Pointer, a lock-free publish/read handoff rather than an
// RWMutex around the whole snapshot.
package book

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"orderflow/pkg/types"
)

// Level is one (price, size) pair on a side of the book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a cheap immutable view of the book at a point in time.
// Returned by value from Book.Snapshot; safe to read without locking.
type Snapshot struct {
	Symbol         types.Symbol
	Bids           []Level
	Asks           []Level
	BestBid        Level
	BestAsk        Level
	Spread         float64
	Mid            float64
	LastDepthRecvMs int64
	LastTradeRecvMs int64
	BidLastChangeMs int64
	AskLastChangeMs int64
	BidWallAgeMs   int64
	AskWallAgeMs   int64
	Tape           []types.TradePrint
	Valid          bool
	InvalidReason  types.InvalidReason
}

// Hash returns a stable hash of (best bid, best ask, top-4 sizes, tape
// ring) used by the round-trip testable property: recording → replaying
// must reconstruct the same OBS state at every step.
func (s Snapshot) Hash() uint64 {
	h := fnv.New64a()
	write := func(f float64) {
		h.Write([]byte(decimal.NewFromFloat(f).String()))
		h.Write([]byte{0})
	}
	write(s.BestBid.Price.InexactFloat64())
	write(s.BestBid.Size.InexactFloat64())
	write(s.BestAsk.Price.InexactFloat64())
	write(s.BestAsk.Size.InexactFloat64())
	for i := 0; i < 4; i++ {
		if i < len(s.Bids) {
			write(s.Bids[i].Size.InexactFloat64())
		}
		if i < len(s.Asks) {
			write(s.Asks[i].Size.InexactFloat64())
		}
	}
	for _, tr := range s.Tape {
		write(tr.Price)
		write(tr.Size)
	}
	return h.Sum64()
}

// side holds one bounded, ordered list of levels. ascending selects the
// sort direction: false for bids (descending price), true for asks
// (ascending price).
type side struct {
	levels       []Level
	bound        int
	ascending    bool
	resetPending bool
	lastChangeMs int64
}

func newSide(bound int, ascending bool) *side {
	return &side{levels: make([]Level, 0, bound), bound: bound, ascending: ascending}
}

func (s *side) less(a, b decimal.Decimal) bool {
	if s.ascending {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// monotone reports whether inserting price p at position pos preserves
// strict ordering against neighbors.
func (s *side) monotone(pos int, p decimal.Decimal) bool {
	if pos > 0 {
		prev := s.levels[pos-1].Price
		if !s.less(prev, p) {
			return false
		}
	}
	if pos < len(s.levels) {
		next := s.levels[pos].Price
		if !s.less(p, next) {
			return false
		}
	}
	return true
}

func (s *side) hasDuplicate(p decimal.Decimal) bool {
	for _, l := range s.levels {
		if l.Price.Equal(p) {
			return true
		}
	}
	return false
}

// insert applies Insert(pos,p,s): verifies bounds and monotone order,
// else marks reset-pending and clears the side.
func (s *side) insert(pos int, p, sz decimal.Decimal, nowMs int64) {
	if sz.IsZero() {
		s.delete(pos, nowMs)
		return
	}
	if p.IsZero() || p.IsNegative() || sz.IsNegative() {
		// invalid input, dropped.
		return
	}
	if pos < 0 || pos > len(s.levels) {
		s.reset()
		return
	}
	if s.hasDuplicate(p) {
		s.reset()
		return
	}
	if !s.monotone(pos, p) {
		s.reset()
		return
	}
	s.levels = append(s.levels, Level{})
	copy(s.levels[pos+1:], s.levels[pos:])
	s.levels[pos] = Level{Price: p, Size: sz}
	if len(s.levels) > s.bound {
		s.levels = s.levels[:s.bound]
	}
	s.lastChangeMs = nowMs
}

// update applies Update(pos,p,s): replace in place, or delete+insert if
// the price at pos changed.
func (s *side) update(pos int, p, sz decimal.Decimal, nowMs int64) {
	if pos < 0 || pos >= len(s.levels) {
		s.reset()
		return
	}
	if sz.IsZero() || sz.IsNegative() {
		s.delete(pos, nowMs)
		return
	}
	if !s.levels[pos].Price.Equal(p) {
		s.delete(pos, nowMs)
		s.insert(pos, p, sz, nowMs)
		return
	}
	s.levels[pos].Size = sz
	s.lastChangeMs = nowMs
}

// delete applies Delete(pos): remove and left-shift.
func (s *side) delete(pos int, nowMs int64) {
	if pos < 0 || pos >= len(s.levels) {
		s.reset()
		return
	}
	s.levels = append(s.levels[:pos], s.levels[pos+1:]...)
	s.lastChangeMs = nowMs
}

// reset marks the side invalid and clears it; the next burst of inserts
// from position 0 rebuilds it.
func (s *side) reset() {
	s.resetPending = true
	s.levels = s.levels[:0]
}

// Book reconstructs one symbol's order book plus a bounded tape ring.
// Single-writer (feed adapter callback for this symbol); reads go through
// Snapshot/IsValid which consult a lock-free published view.
type Book struct {
	symbol types.Symbol

	bids *side
	asks *side

	lastDepthRecvMs int64
	lastTradeRecvMs int64

	tapeWindowMs int64
	tape         []types.TradePrint

	staleWindowMs int64

	published atomic.Pointer[Snapshot]
}

// New creates an OBS for symbol, bounded to depth levels per side and a
// tape ring covering tapeWindowMs of history.
func New(symbol types.Symbol, depth int, tapeWindowMs, staleWindowMs int64) *Book {
	b := &Book{
		symbol:        symbol,
		bids:          newSide(depth, false),
		asks:          newSide(depth, true),
		tapeWindowMs:  tapeWindowMs,
		staleWindowMs: staleWindowMs,
	}
	b.publish(0)
	return b
}

func (b *Book) sideFor(s types.Side) *side {
	if s == types.Bid {
		return b.bids
	}
	return b.asks
}

// ApplyDepth atomically applies one insert/update/delete. Out-of-range
// positions mark the side reset-pending rather than being propagated as
// an error; an invalid op code is dropped and leaves the book unchanged.
func (b *Book) ApplyDepth(u types.DepthUpdate) {
	sd := b.sideFor(u.Side)
	p := decimal.NewFromFloat(u.Price)
	sz := decimal.NewFromFloat(u.Size)

	switch u.Op {
	case types.Insert:
		sd.insert(u.Position, p, sz, u.RecvTsMs)
	case types.Update:
		sd.update(u.Position, p, sz, u.RecvTsMs)
	case types.Delete:
		sd.delete(u.Position, u.RecvTsMs)
	default:
		// invalid op code: dropped with a warning by the caller (feed adapter)
		return
	}

	b.lastDepthRecvMs = u.RecvTsMs
	b.publish(u.RecvTsMs)
}

// RecordTrade appends to the tape ring, evicting entries older than the
// configured window.
func (b *Book) RecordTrade(eventTsMs, recvTsMs int64, price, size float64) {
	b.tape = append(b.tape, types.TradePrint{
		Symbol:    b.symbol,
		EventTsMs: normalizeEventTimestamp(eventTsMs),
		RecvTsMs:  recvTsMs,
		Price:     price,
		Size:      size,
	})
	cutoff := recvTsMs - b.tapeWindowMs
	i := 0
	for i < len(b.tape) && b.tape[i].RecvTsMs < cutoff {
		i++
	}
	if i > 0 {
		b.tape = append([]types.TradePrint{}, b.tape[i:]...)
	}
	b.lastTradeRecvMs = recvTsMs
	b.publish(recvTsMs)
}

// normalizeEventTimestamp applies a seconds-vs-milliseconds heuristic:
// event_ts < 10^10 is seconds, multiplied up to milliseconds. Isolated
// here so it is the one place to swap for explicit per-source config
// later.
func normalizeEventTimestamp(ts int64) int64 {
	const tenBillion = 10_000_000_000
	if ts < tenBillion {
		return ts * 1000
	}
	return ts
}

// publish recomputes and atomically stores the current snapshot.
func (b *Book) publish(nowMs int64) {
	snap := &Snapshot{Symbol: b.symbol, LastDepthRecvMs: b.lastDepthRecvMs, LastTradeRecvMs: b.lastTradeRecvMs}

	snap.Bids = append(snap.Bids, b.bids.levels...)
	snap.Asks = append(snap.Asks, b.asks.levels...)
	snap.Tape = append(snap.Tape, b.tape...)
	snap.BidLastChangeMs = b.bids.lastChangeMs
	snap.AskLastChangeMs = b.asks.lastChangeMs
	snap.BidWallAgeMs = ageMs(nowMs, b.bids.lastChangeMs)
	snap.AskWallAgeMs = ageMs(nowMs, b.asks.lastChangeMs)

	valid, reason := b.evaluateValidity(snap, nowMs)
	snap.Valid = valid
	snap.InvalidReason = reason

	if valid {
		snap.BestBid = snap.Bids[0]
		snap.BestAsk = snap.Asks[0]
		snap.Spread, _ = snap.BestAsk.Price.Sub(snap.BestBid.Price).Float64()
		mid := snap.BestAsk.Price.Add(snap.BestBid.Price).Div(decimal.NewFromInt(2))
		snap.Mid, _ = mid.Float64()
	}

	b.published.Store(snap)
}

func ageMs(now, last int64) int64 {
	if last == 0 {
		return 0
	}
	age := now - last
	if age < 0 {
		return 0
	}
	return age
}

// evaluateValidity implements is_valid: invalid if empty on
// either side, crossed, reset-pending (duplicate/negative state already
// cleared the side), or stale beyond the book-stale-window.
func (b *Book) evaluateValidity(snap *Snapshot, nowMs int64) (bool, types.InvalidReason) {
	if b.bids.resetPending || b.asks.resetPending {
		return false, types.InvalidEmpty
	}
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return false, types.InvalidEmpty
	}
	if snap.Bids[0].Price.GreaterThanOrEqual(snap.Asks[0].Price) {
		return false, types.InvalidCrossed
	}
	if b.staleWindowMs > 0 && b.lastDepthRecvMs > 0 {
		if nowMs-b.lastDepthRecvMs > b.staleWindowMs {
			return false, types.InvalidStale
		}
	}
	return true, types.ValidOK
}

// AcknowledgeReset clears reset-pending once a fresh Insert(0,...) burst
// has rebuilt a side; called by the feed adapter when it observes a
// position-0 insert on a side that was reset-pending.
func (b *Book) AcknowledgeReset(s types.Side) {
	b.sideFor(s).resetPending = false
}

// Snapshot returns the last published immutable view. Safe for concurrent
// callers; never blocks the writer.
func (b *Book) Snapshot() Snapshot {
	p := b.published.Load()
	if p == nil {
		return Snapshot{Symbol: b.symbol}
	}
	return *p
}

// IsValid returns the validity of the last published snapshot.
func (b *Book) IsValid() (bool, types.InvalidReason) {
	s := b.Snapshot()
	return s.Valid, s.InvalidReason
}

// Symbol returns the symbol this book tracks.
func (b *Book) Symbol() types.Symbol { return b.symbol }
