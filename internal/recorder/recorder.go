// Package recorder captures raw depth+tape events for one symbol to two
// line-delimited JSON streams, and replays them back through the book
// and coordinator deterministically, reusing internal/journal's
// flush-per-line writer shape for the two output streams.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/journal"
	"orderflow/pkg/types"
)

// depthLine is one recorded depth update.
type depthLine struct {
	RecvTsMs int64   `json:"recv_ts_ms"`
	Op       string  `json:"op"`
	Side     string  `json:"side"`
	Position int     `json:"position"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

// tapeLine is one recorded trade print. EventTsRaw is stored exactly as
// received off the wire (seconds or milliseconds, undetermined) so replay
// runs it back through the same normalization heuristic RecordTrade
// already applies, rather than normalizing twice.
type tapeLine struct {
	EventTsRaw int64   `json:"event_ts_raw"`
	RecvTsMs   int64   `json:"recv_ts_ms"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
}

// Config describes a single-symbol capture run.
type Config struct {
	Symbol    types.Symbol
	Exchange  string
	OutputDir string
}

// Recorder subscribes to depth+tape for one symbol and writes every raw
// update verbatim; the decision pipeline is never exercised in this mode.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	depthReqID int64
	tapeReqID  int64

	depthW *journal.LineWriter
	tapeW  *journal.LineWriter
}

// Start opens the two output streams (named with the current UTC date
// and time so repeated runs never collide) and issues the depth/tbt
// subscriptions.
func Start(cfg Config, req broker.Requester, logger *slog.Logger) (*Recorder, error) {
	stamp := time.Now().UTC().Format("2006-01-02-150405")
	depthPath := fmt.Sprintf("%s/depth-%s.jsonl", cfg.OutputDir, stamp)
	tapePath := fmt.Sprintf("%s/tape-%s.jsonl", cfg.OutputDir, stamp)

	depthW, err := journal.NewLineWriter(depthPath)
	if err != nil {
		return nil, fmt.Errorf("open depth stream: %w", err)
	}
	tapeW, err := journal.NewLineWriter(tapePath)
	if err != nil {
		depthW.Close()
		return nil, fmt.Errorf("open tape stream: %w", err)
	}

	depthReqID, err := req.SubscribeDepth(cfg.Symbol, cfg.Exchange)
	if err != nil {
		depthW.Close()
		tapeW.Close()
		return nil, fmt.Errorf("subscribe depth: %w", err)
	}
	tapeReqID, err := req.SubscribeTbt(cfg.Symbol, cfg.Exchange)
	if err != nil {
		req.Cancel(depthReqID)
		depthW.Close()
		tapeW.Close()
		return nil, fmt.Errorf("subscribe tbt: %w", err)
	}

	return &Recorder{
		cfg:        cfg,
		logger:     logger.With("component", "recorder", "symbol", cfg.Symbol),
		depthReqID: depthReqID,
		tapeReqID:  tapeReqID,
		depthW:     depthW,
		tapeW:      tapeW,
	}, nil
}

// Dispatch implements broker.Dispatcher. Only the two request-ids this
// recorder itself subscribed are written; everything else is ignored,
// since a recording run drives no other subscriptions.
func (r *Recorder) Dispatch(ev broker.Event) {
	switch ev.Kind {
	case broker.EventDepth:
		if ev.ReqID != r.depthReqID {
			return
		}
		data, err := json.Marshal(depthLine{
			RecvTsMs: ev.RecvTsMs,
			Op:       ev.Op.String(),
			Side:     ev.Side.String(),
			Position: ev.Position,
			Price:    ev.Price,
			Size:     ev.Size,
		})
		if err != nil {
			r.logger.Error("marshal depth line", "error", err)
			return
		}
		r.depthW.Write(data)
	case broker.EventTrade:
		if ev.ReqID != r.tapeReqID {
			return
		}
		data, err := json.Marshal(tapeLine{
			EventTsRaw: ev.EventTsRaw,
			RecvTsMs:   ev.RecvTsMs,
			Price:      ev.Price,
			Size:       ev.Size,
		})
		if err != nil {
			r.logger.Error("marshal tape line", "error", err)
			return
		}
		r.tapeW.Write(data)
	}
}

// Stop cancels both subscriptions and flushes and closes both streams.
func (r *Recorder) Stop(req broker.Requester) {
	req.Cancel(r.depthReqID)
	req.Cancel(r.tapeReqID)
	r.depthW.Sync()
	r.depthW.Close()
	r.tapeW.Sync()
	r.tapeW.Close()
}
