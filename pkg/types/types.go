// Package types holds the shared vocabulary used across the order-flow
// engine: symbols, sides, depth operations, contract classification, and
// the journal/blueprint shapes that cross package boundaries.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque uppercase ticker string, the unit of subscription
// and decision.
type Symbol string

// Side identifies a book side or a trade's aggressor side.
type Side int

const (
	Ask Side = iota
	Bid
)

func (s Side) String() string {
	if s == Bid {
		return "Bid"
	}
	return "Ask"
}

// DepthOp is the operation a depth update applies to a book level.
type DepthOp int

const (
	Insert DepthOp = iota
	Update
	Delete
)

func (op DepthOp) String() string {
	switch op {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// StockType classifies a contract; only Common is eligible for the
// pipeline.
type StockType int

const (
	Unknown StockType = iota
	Common
	ETF
	ETN
	Other
)

func (t StockType) String() string {
	switch t {
	case Common:
		return "Common"
	case ETF:
		return "ETF"
	case ETN:
		return "ETN"
	case Other:
		return "Other"
	default:
		return "Unknown"
	}
}

// Classification is an immutable per-symbol record produced once by the
// universe service; read-only downstream.
type Classification struct {
	Symbol          Symbol
	ContractID      int64
	SecurityType    string
	PrimaryExchange string
	Currency        string
	StockType       StockType
	LocalSymbol     string
	TradingClass    string
}

// DepthUpdate is one insert/update/delete against a side of the book.
type DepthUpdate struct {
	Symbol   Symbol
	Side     Side
	Op       DepthOp
	Price    float64
	Size     float64
	Position int // 0-based level index
	RecvTsMs int64
}

// TradePrint is one tick-by-tick trade print from the tape.
type TradePrint struct {
	Symbol    Symbol
	EventTsMs int64
	RecvTsMs  int64
	Price     float64
	Size      float64
}

// SubState is a symbol's place in the Probe/Eval lifecycle.
type SubState int

const (
	NotSubscribed SubState = iota
	Probe
	Eval
)

func (s SubState) String() string {
	switch s {
	case Probe:
		return "Probe"
	case Eval:
		return "Eval"
	default:
		return "NotSubscribed"
	}
}

// ExitReason is why a symbol left the Eval state.
type ExitReason int

const (
	ExitNone ExitReason = iota
	SignalEmitted
	TimeoutExpired
	DataInvalid
	Aborted
)

func (r ExitReason) String() string {
	switch r {
	case SignalEmitted:
		return "SignalEmitted"
	case TimeoutExpired:
		return "TimeoutExpired"
	case DataInvalid:
		return "DataInvalid"
	case Aborted:
		return "Aborted"
	default:
		return "None"
	}
}

// InvalidReason explains why is_valid returned false.
type InvalidReason int

const (
	ValidOK InvalidReason = iota
	InvalidEmpty
	InvalidCrossed
	InvalidStale
	InvalidDuplicatePrice
	InvalidNegativeSize
)

func (r InvalidReason) String() string {
	switch r {
	case InvalidEmpty:
		return "Empty"
	case InvalidCrossed:
		return "Crossed"
	case InvalidStale:
		return "Stale"
	case InvalidDuplicatePrice:
		return "DuplicatePrice"
	case InvalidNegativeSize:
		return "NegativeSize"
	default:
		return "OK"
	}
}

// SubscriptionRecord is the per-symbol subscription bookkeeping SM owns
// exclusively.
type SubscriptionRecord struct {
	Symbol         Symbol
	L1ReqID        int64
	DepthReqID     int64
	TbtReqID       int64
	DepthExchange  string
	L1Exchange     string
	TbtExchange    string
	L1FirstRecvTs  time.Time
	TbtFirstRecvTs time.Time
	State          SubState
	CooldownUntil  time.Time
}

// HasL1 reports whether this record carries a live L1 subscription.
func (r SubscriptionRecord) HasL1() bool { return r.L1ReqID != 0 }

// HasDepth reports whether this record carries a live depth subscription.
func (r SubscriptionRecord) HasDepth() bool { return r.DepthReqID != 0 }

// HasTbt reports whether this record carries a live tick-by-tick subscription.
func (r SubscriptionRecord) HasTbt() bool { return r.TbtReqID != 0 }

// EvaluationRecord tracks one Probe→Eval window, created on upgrade and
// closed on exit, then persisted to the journal.
type EvaluationRecord struct {
	Symbol               Symbol
	StartedTs            time.Time
	EndedTs              time.Time
	ExitReason           ExitReason
	DepthMinutesConsumed float64
}

// Direction is the classified direction of a candidate signal.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionBuy
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "Buy"
	case DirectionSell:
		return "Sell"
	default:
		return "None"
	}
}

// Decision is the Signal Validator's output for one metrics snapshot.
type Decision struct {
	HasCandidate    bool
	Accepted        bool
	RejectionReason string
	Direction       Direction
	Confidence      float64
	Symbol          Symbol
	SnapshotTsMs    int64
}

// Blueprint is the (entry, stop, target, share-count) plan synthesized at
// acceptance. Decimal-typed: this is money.
type Blueprint struct {
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	Target     decimal.Decimal
	ShareCount int64
}

// GateTrace is the structured diagnostic snapshot attached to rejections.
type GateTrace struct {
	NowMs            int64
	LastTradeMs      int64
	TradesInWarmup   int
	WarmupOK         bool
	StaleAgeMs       int64
	DepthAgeMs       int64
	DepthLevelsKnown int
	Thresholds       map[string]float64
}
