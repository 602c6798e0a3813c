// Package journal implements the append-only decision log: line-delimited
// JSON, flush-after-every-entry, UTC date-change rotation, and a heartbeat
// entry so the absence of decisions is itself observable.
//
// Follows a goroutine -> buffered channel -> single writer goroutine ->
// daily-rotated file shape, adapted from batched CSV rows to
// flush-per-line JSON, with an atomic write-then-rename pattern for the
// rotation step itself.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/book"
	"orderflow/pkg/types"
)

// EntryType enumerates the five journal entry kinds.
type EntryType string

const (
	EntryUniverseUpdate EntryType = "UniverseUpdate"
	EntryRejection      EntryType = "Rejection"
	EntryAcceptance     EntryType = "Acceptance"
	EntryEvaluationExit EntryType = "EvaluationExit"
	EntryHeartbeat      EntryType = "Heartbeat"
)

const (
	schemaVersionDecision   = 2 // Acceptance, Rejection
	schemaVersionStructural = 1 // UniverseUpdate, EvaluationExit, Heartbeat, nested GateTrace
	chanSize                = 4096
)

// line is the on-disk shape of one journal entry. Exactly
// one of the typed payload fields is populated per line.
type line struct {
	EntryType          EntryType `json:"entry_type"`
	SchemaVersion      int       `json:"schema_version"`
	SessionID          string    `json:"session_id"`
	MarketTimestampUtc string    `json:"market_timestamp_utc"`

	Rejection      *rejectionPayload       `json:"rejection,omitempty"`
	Acceptance     *acceptancePayload      `json:"acceptance,omitempty"`
	UniverseUpdate *universeUpdatePayload  `json:"universe_update,omitempty"`
	EvaluationExit *types.EvaluationRecord `json:"evaluation_exit,omitempty"`
	Heartbeat      *heartbeatPayload       `json:"heartbeat,omitempty"`
}

type rejectionPayload struct {
	Symbol    types.Symbol     `json:"symbol"`
	Reason    string           `json:"reason"`
	GateTrace *types.GateTrace `json:"gate_trace,omitempty"`
}

type acceptancePayload struct {
	DecisionID string             `json:"decision_id"`
	Symbol     types.Symbol       `json:"symbol"`
	Direction  string             `json:"direction"`
	Confidence float64            `json:"confidence"`
	Blueprint  types.Blueprint    `json:"blueprint"`
	Bids       []book.Level       `json:"bids"`
	Asks       []book.Level       `json:"asks"`
	Tape       []types.TradePrint `json:"tape"`
}

// UniverseCounts summarizes one universe-apply cycle.
type UniverseCounts struct {
	Candidates int `json:"candidates"`
	Active     int `json:"active"`
	Depth      int `json:"depth"`
	Tbt        int `json:"tbt"`
	Tape       int `json:"tape"`
}

type universeUpdatePayload struct {
	TopCandidates []types.Symbol          `json:"top_candidates"`
	EvalSet       []types.Symbol          `json:"eval_set"`
	Exclusions    map[types.Symbol]string `json:"exclusions"`
	Counts        UniverseCounts          `json:"counts"`
}

type heartbeatPayload struct {
	JournalImpaired bool `json:"journal_impaired"`
}

// Config points the writer at its target file.
type Config struct {
	FilePath string
}

type opKind int

const (
	opWrite opKind = iota
	opBarrier
)

type queuedOp struct {
	kind        opKind
	nowMs       int64
	payload     line
	barrierDone chan struct{}
}

// Writer is the single append-only journal writer for a session. All
// writes go through one background goroutine fed by a buffered channel,
// following an async-logger shape, except it flushes after every line
// rather than batching on a timer.
type Writer struct {
	cfg       Config
	sessionID uuid.UUID
	logger    *slog.Logger

	ch   chan queuedOp
	done chan struct{}

	file       *os.File
	bw         *bufio.Writer
	currentDay string

	mu           sync.Mutex
	impaired     bool
	failureCount int
}

// New opens (or creates) the journal writer and starts its background
// goroutine.
func New(cfg Config, sessionID uuid.UUID, logger *slog.Logger) *Writer {
	w := &Writer{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("component", "journal"),
		ch:        make(chan queuedOp, chanSize),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for op := range w.ch {
		switch op.kind {
		case opBarrier:
			close(op.barrierDone)
		case opWrite:
			w.writeLine(op.nowMs, op.payload)
		}
	}
	w.closeFile()
}

// Sync blocks until every write enqueued before this call has reached
// disk. Used by callers (and tests) that need a flush barrier without
// polling.
func (w *Writer) Sync() {
	done := make(chan struct{})
	w.ch <- queuedOp{kind: opBarrier, barrierDone: done}
	<-done
}

// Close stops accepting writes, drains the queue, and closes the file.
func (w *Writer) Close() error {
	close(w.ch)
	<-w.done
	return nil
}

// Impaired reports whether the journal has given up on disk writes after
// a repeated failure.
func (w *Writer) Impaired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.impaired
}

func (w *Writer) enqueue(nowMs int64, l line) {
	l.SchemaVersion = schemaVersionFor(l.EntryType)
	l.SessionID = w.sessionID.String()
	l.MarketTimestampUtc = time.UnixMilli(nowMs).UTC().Format(time.RFC3339Nano)

	select {
	case w.ch <- queuedOp{kind: opWrite, nowMs: nowMs, payload: l}:
	default:
		w.logger.Warn("journal channel full, entry dropped", "entry_type", l.EntryType)
	}
}

func schemaVersionFor(t EntryType) int {
	switch t {
	case EntryAcceptance, EntryRejection:
		return schemaVersionDecision
	default:
		return schemaVersionStructural
	}
}

// WriteRejection journals a Rejection entry.
func (w *Writer) WriteRejection(nowMs int64, symbol types.Symbol, reason string, trace *types.GateTrace) {
	w.enqueue(nowMs, line{
		EntryType: EntryRejection,
		Rejection: &rejectionPayload{Symbol: symbol, Reason: reason, GateTrace: trace},
	})
}

// WriteAcceptance journals an Acceptance entry with the synthesized
// blueprint and a top-N depth + tape snapshot.
func (w *Writer) WriteAcceptance(nowMs int64, decisionID string, decision types.Decision, blueprint types.Blueprint, snap book.Snapshot) {
	w.enqueue(nowMs, line{
		EntryType: EntryAcceptance,
		Acceptance: &acceptancePayload{
			DecisionID: decisionID,
			Symbol:     decision.Symbol,
			Direction:  decision.Direction.String(),
			Confidence: decision.Confidence,
			Blueprint:  blueprint,
			Bids:       snap.Bids,
			Asks:       snap.Asks,
			Tape:       snap.Tape,
		},
	})
}

// WriteUniverseUpdate journals one universe-apply cycle's observability
// snapshot.
func (w *Writer) WriteUniverseUpdate(nowMs int64, topCandidates, evalSet []types.Symbol, exclusions map[types.Symbol]string, counts UniverseCounts) {
	w.enqueue(nowMs, line{
		EntryType: EntryUniverseUpdate,
		UniverseUpdate: &universeUpdatePayload{
			TopCandidates: topCandidates,
			EvalSet:       evalSet,
			Exclusions:    exclusions,
			Counts:        counts,
		},
	})
}

// WriteEvaluationExit journals one completed Probe->Eval window.
func (w *Writer) WriteEvaluationExit(rec types.EvaluationRecord) {
	nowMs := rec.EndedTs.UnixMilli()
	recCopy := rec
	w.enqueue(nowMs, line{
		EntryType:      EntryEvaluationExit,
		EvaluationExit: &recCopy,
	})
}

// WriteHeartbeat journals a Heartbeat entry, emitted periodically even
// with no decisions so the absence of data is itself observable.
func (w *Writer) WriteHeartbeat(nowMs int64) {
	w.enqueue(nowMs, line{
		EntryType: EntryHeartbeat,
		Heartbeat: &heartbeatPayload{JournalImpaired: w.Impaired()},
	})
}

// writeLine marshals and appends one entry, rotating first if nowMs falls
// on a different UTC day than the currently open file. On write failure
// it retries once; on repeated failure the session is marked impaired and
// logging continues in-memory rather than terminating.
func (w *Writer) writeLine(nowMs int64, l line) {
	day := dayKeyUTC(nowMs)
	if err := w.ensureFile(day); err != nil {
		w.onWriteFailure(err)
		return
	}

	data, err := json.Marshal(l)
	if err != nil {
		w.logger.Error("marshal journal entry", "error", err)
		return
	}
	data = append(data, '\n')

	if err := w.writeAndFlush(data); err != nil {
		// retry once
		if err2 := w.writeAndFlush(data); err2 != nil {
			w.onWriteFailure(err2)
			return
		}
	}

	w.mu.Lock()
	w.failureCount = 0
	w.mu.Unlock()
}

func (w *Writer) writeAndFlush(data []byte) error {
	if w.bw == nil {
		return fmt.Errorf("journal: no open file")
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *Writer) onWriteFailure(err error) {
	w.mu.Lock()
	w.failureCount++
	impaired := w.failureCount > 1
	w.impaired = w.impaired || impaired
	w.mu.Unlock()
	w.logger.Error("journal write failed", "error", err, "impaired", impaired)
}

// ensureFile opens the journal file, rotating the previous day's file out
// of the way first if day has advanced.
func (w *Writer) ensureFile(day string) error {
	if w.file != nil && day == w.currentDay {
		return nil
	}

	priorDay := w.currentDay
	if w.file != nil {
		w.bw.Flush()
		info, _ := w.file.Stat()
		w.file.Close()
		w.file = nil
		w.bw = nil
		if info != nil && info.Size() > 0 {
			if err := rotate(w.cfg.FilePath, priorDay); err != nil {
				return err
			}
		} else {
			// Empty files are not rotated: nothing worth
			// preserving under the old day's name.
			os.Remove(w.cfg.FilePath)
		}
	}

	f, err := os.OpenFile(w.cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.currentDay = day
	return nil
}

func (w *Writer) closeFile() {
	if w.bw != nil {
		w.bw.Flush()
	}
	if w.file != nil {
		w.file.Close()
	}
}

// rotate renames path to "<name>-YYYYMMDD.jsonl", appending to the target
// if it already exists rather than clobbering it, and is
// idempotent if path is already gone.
func rotate(path, day string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	target := rotatedPath(path, day)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return os.Rename(path, target)
	}
	return appendAndRemove(path, target)
}

func rotatedPath(path, day string) string {
	ext := ".jsonl"
	base := path
	if len(path) > len(ext) && path[len(path)-len(ext):] == ext {
		base = path[:len(path)-len(ext)]
	}
	return fmt.Sprintf("%s-%s%s", base, strings.ReplaceAll(day, "-", ""), ext)
}

func appendAndRemove(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

func dayKeyUTC(nowMs int64) string {
	return time.UnixMilli(nowMs).UTC().Format("2006-01-02")
}
