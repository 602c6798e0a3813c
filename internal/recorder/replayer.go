package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"orderflow/internal/book"
	"orderflow/pkg/types"
)

// Processor is the decision pipeline entry point a replay drives.
// internal/coordinator.Coordinator satisfies this directly.
type Processor interface {
	ProcessSnapshot(symbol types.Symbol, nowMs int64)
}

// ReplayConfig points a Replayer at one recorded symbol's two streams.
type ReplayConfig struct {
	Symbol        types.Symbol
	DepthPath     string
	TapePath      string
	DepthRows     int
	TapeWindowMs  int64
	StaleWindowMs int64
}

type streamKind int

const (
	streamDepth streamKind = iota
	streamTape
)

// mergedEvent orders the two streams by recv-ts; on a tie, depth is
// applied before tape, since a trade print never itself mutates book
// structure.
type mergedEvent struct {
	recvTsMs int64
	kind     streamKind
	depth    depthLine
	tape     tapeLine
}

// Replayer reconstructs OBS from a recorded capture via the exact same
// ApplyDepth/RecordTrade calls the live path would have made, and feeds
// Processor.ProcessSnapshot after every update. Deterministic given the
// same two input streams.
type Replayer struct {
	cfg  ReplayConfig
	book *book.Book
	proc Processor
}

// NewReplayer constructs a Replayer with a fresh book for cfg.Symbol.
func NewReplayer(cfg ReplayConfig, proc Processor) *Replayer {
	rows := cfg.DepthRows
	if rows <= 0 {
		rows = 10
	}
	return &Replayer{
		cfg:  cfg,
		book: book.New(cfg.Symbol, rows, cfg.TapeWindowMs, cfg.StaleWindowMs),
		proc: proc,
	}
}

// Book returns the book this replayer reconstructs, so a caller's
// coordinator.BookSource can resolve the same symbol to it.
func (r *Replayer) Book() *book.Book { return r.book }

// SetProcessor installs the processor a replay feeds, for callers that
// must resolve a BookSource against Book() before the processor (which
// typically wraps that same BookSource) can be constructed.
func (r *Replayer) SetProcessor(proc Processor) { r.proc = proc }

// Run reads both streams fully, merges them in recv-ts order, and
// replays each event through the book and the processor in turn.
func (r *Replayer) Run() error {
	events, err := loadMerged(r.cfg.DepthPath, r.cfg.TapePath)
	if err != nil {
		return err
	}

	for _, ev := range events {
		switch ev.kind {
		case streamDepth:
			r.book.ApplyDepth(types.DepthUpdate{
				Symbol:   r.cfg.Symbol,
				Side:     sideFromString(ev.depth.Side),
				Op:       opFromString(ev.depth.Op),
				Price:    ev.depth.Price,
				Size:     ev.depth.Size,
				Position: ev.depth.Position,
				RecvTsMs: ev.depth.RecvTsMs,
			})
		case streamTape:
			r.book.RecordTrade(ev.tape.EventTsRaw, ev.tape.RecvTsMs, ev.tape.Price, ev.tape.Size)
		}
		r.proc.ProcessSnapshot(r.cfg.Symbol, ev.recvTsMs)
	}
	return nil
}

func loadMerged(depthPath, tapePath string) ([]mergedEvent, error) {
	depths, err := readDepthLines(depthPath)
	if err != nil {
		return nil, fmt.Errorf("read depth stream: %w", err)
	}
	tapes, err := readTapeLines(tapePath)
	if err != nil {
		return nil, fmt.Errorf("read tape stream: %w", err)
	}

	events := make([]mergedEvent, 0, len(depths)+len(tapes))
	for _, d := range depths {
		events = append(events, mergedEvent{recvTsMs: d.RecvTsMs, kind: streamDepth, depth: d})
	}
	for _, tp := range tapes {
		events = append(events, mergedEvent{recvTsMs: tp.RecvTsMs, kind: streamTape, tape: tp})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].recvTsMs != events[j].recvTsMs {
			return events[i].recvTsMs < events[j].recvTsMs
		}
		return events[i].kind < events[j].kind // depth (0) before tape (1) on a tie
	})
	return events, nil
}

func readDepthLines(path string) ([]depthLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []depthLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d depthLine
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			return nil, fmt.Errorf("unmarshal depth line: %w", err)
		}
		out = append(out, d)
	}
	return out, sc.Err()
}

func readTapeLines(path string) ([]tapeLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []tapeLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var tp tapeLine
		if err := json.Unmarshal(sc.Bytes(), &tp); err != nil {
			return nil, fmt.Errorf("unmarshal tape line: %w", err)
		}
		out = append(out, tp)
	}
	return out, sc.Err()
}

func sideFromString(s string) types.Side {
	if s == types.Bid.String() {
		return types.Bid
	}
	return types.Ask
}

func opFromString(s string) types.DepthOp {
	switch s {
	case types.Update.String():
		return types.Update
	case types.Delete.String():
		return types.Delete
	default:
		return types.Insert
	}
}
