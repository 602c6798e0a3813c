// Package broker defines the feed adapter contract: the inbound
// callback surface the core consumes (Depth, Trade, Error,
// ConnectionClosed) and the outbound request surface the core drives
// (subscribe/cancel for L1/depth/tbt). Concrete transports live in
// subpackages (wsgateway); this package only defines the seam, per the
// "dynamic dispatch replaced by a small event enum" design note.
package broker

import "orderflow/pkg/types"

// EventKind enumerates the subset of inbound broker events the core
// consumes.
type EventKind int

const (
	EventDepth EventKind = iota
	EventTrade
	EventL1
	EventError
	EventConnectionClosed
)

// Event is one inbound message from the feed adapter. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	ReqID int64

	// EventDepth
	Position int
	Op       types.DepthOp
	Side     types.Side

	// EventDepth, EventTrade, EventL1
	Price    float64
	Size     float64
	RecvTsMs int64

	// EventTrade
	EventTsRaw int64 // seconds or milliseconds, per on_tape's heuristic

	// EventL1: last-quote liveness tick, used to clear the receipt-timeout
	// fallback clock and feed pre-depth probe activity scoring. No
	// additional fields beyond Price/Size/RecvTsMs above.

	// EventError
	Code    int
	Message string
}

// Dispatcher receives decoded broker events off the single reader
// thread. Implementations must not block or suspend:
// they deposit work for the worker pool and return.
type Dispatcher interface {
	Dispatch(ev Event)
}

// Requester is the outbound half of the contract: the
// core chooses request-ids and hands them to the adapter. Depth row
// count is fixed at gateway construction time (MarketData.DepthRows),
// not threaded through every call. Mirrors subscription.Requester,
// which this type satisfies.
type Requester interface {
	SubscribeL1(symbol types.Symbol, exchange string) (reqID int64, err error)
	SubscribeDepth(symbol types.Symbol, exchange string) (reqID int64, err error)
	SubscribeTbt(symbol types.Symbol, exchange string) (reqID int64, err error)
	Cancel(reqID int64) error
}

// InformationalErrorCode reports whether a broker error code is
// informational-only and should be downgraded to debug rather than
// acted upon.
func InformationalErrorCode(code int) bool {
	switch code {
	case 2104, 2106, 2158, 2176:
		return true
	default:
		return false
	}
}

const (
	// ErrDepthIneligible marks a symbol depth-unsupported.
	ErrDepthIneligible = 10092
	// ErrTbtIneligible marks a symbol tbt-unsupported.
	ErrTbtIneligible = 10190
)
