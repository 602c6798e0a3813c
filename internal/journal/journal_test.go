package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/book"
	"orderflow/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readLines(t *testing.T, path string) []line {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		out = append(out, l)
	}
	return out
}

func TestWriteRejectionProducesDecisionSchemaEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	session := uuid.New()
	w := New(Config{FilePath: path}, session, discardLogger())

	trace := &types.GateTrace{NowMs: 1000, DepthLevelsKnown: 5}
	w.WriteRejection(1000, "AAPL", "NotReady_TapeStale", trace)
	w.Sync()
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	if got.EntryType != EntryRejection {
		t.Errorf("entry_type = %q, want Rejection", got.EntryType)
	}
	if got.SchemaVersion != schemaVersionDecision {
		t.Errorf("schema_version = %d, want %d", got.SchemaVersion, schemaVersionDecision)
	}
	if got.SessionID != session.String() {
		t.Errorf("session_id = %q, want %q", got.SessionID, session.String())
	}
	if got.Rejection == nil || got.Rejection.Symbol != "AAPL" || got.Rejection.Reason != "NotReady_TapeStale" {
		t.Errorf("rejection payload = %+v", got.Rejection)
	}
	if got.Rejection.GateTrace == nil || got.Rejection.GateTrace.DepthLevelsKnown != 5 {
		t.Errorf("gate trace not preserved: %+v", got.Rejection.GateTrace)
	}
}

func TestWriteAcceptanceCarriesBlueprintAndDecisionID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	w := New(Config{FilePath: path}, uuid.New(), discardLogger())

	decision := types.Decision{
		HasCandidate: true,
		Accepted:     true,
		Direction:    types.DirectionBuy,
		Confidence:   7.5,
		Symbol:       "MSFT",
		SnapshotTsMs: 2000,
	}
	bp := types.Blueprint{ShareCount: 100}
	w.WriteAcceptance(2000, "deadbeef-decision", decision, bp, book.Snapshot{Symbol: "MSFT"})
	w.Sync()
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0].Acceptance
	if got == nil {
		t.Fatal("acceptance payload missing")
	}
	if got.DecisionID != "deadbeef-decision" || got.Symbol != "MSFT" || got.Direction != "Buy" {
		t.Errorf("acceptance payload = %+v", got)
	}
	if got.Blueprint.ShareCount != 100 {
		t.Errorf("blueprint not preserved: %+v", got.Blueprint)
	}
}

func TestWriteUniverseUpdateUsesStructuralSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	w := New(Config{FilePath: path}, uuid.New(), discardLogger())

	w.WriteUniverseUpdate(500, []types.Symbol{"AAPL"}, []types.Symbol{"MSFT"}, map[types.Symbol]string{"TSLA": "Excluded"}, UniverseCounts{Candidates: 10, Active: 2})
	w.Sync()
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].SchemaVersion != schemaVersionStructural {
		t.Errorf("schema_version = %d, want %d", lines[0].SchemaVersion, schemaVersionStructural)
	}
	if lines[0].UniverseUpdate == nil || lines[0].UniverseUpdate.Counts.Candidates != 10 {
		t.Errorf("universe update payload = %+v", lines[0].UniverseUpdate)
	}
}

func TestWriteHeartbeatReflectsImpairedFlag(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	w := New(Config{FilePath: path}, uuid.New(), discardLogger())

	w.WriteHeartbeat(100)
	w.Sync()
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 1 || lines[0].Heartbeat == nil {
		t.Fatalf("expected one heartbeat entry, got %+v", lines)
	}
	if lines[0].Heartbeat.JournalImpaired {
		t.Error("expected journal_impaired = false on a healthy writer")
	}
}

func TestRotationOnDayChangeRenamesPriorDayFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	w := New(Config{FilePath: path}, uuid.New(), discardLogger())

	day1 := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC).UnixMilli()
	day2 := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC).UnixMilli()

	w.WriteHeartbeat(day1)
	w.Sync()
	w.WriteHeartbeat(day2)
	w.Sync()
	w.Close()

	rotated := filepath.Join(dir, "journal-20240101.jsonl")
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected rotated file %s to exist: %v", rotated, err)
	}
	rotatedLines := readLines(t, rotated)
	if len(rotatedLines) != 1 {
		t.Fatalf("rotated file has %d lines, want 1", len(rotatedLines))
	}

	currentLines := readLines(t, path)
	if len(currentLines) != 1 {
		t.Fatalf("current file has %d lines, want 1", len(currentLines))
	}
}

func TestRotateIsIdempotentAndDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rotate(path, "2024-01-01"); err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	target := filepath.Join(dir, "journal-20240101.jsonl")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected target to exist: %v", err)
	}

	// Source is already gone; a second rotate call must be a no-op, never
	// an error and never a duplicate.
	if err := rotate(path, "2024-01-01"); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"a\":1}\n" {
		t.Errorf("target content changed after idempotent rotate: %q", data)
	}
}

func TestRotateAppendsWhenTargetAlreadyExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	target := filepath.Join(dir, "journal-20240101.jsonl")

	if err := os.WriteFile(target, []byte("{\"a\":1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{\"a\":2}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rotate(path, "2024-01-01"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected source to be removed after rotate, stat err = %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("target content = %q, want both lines appended in order", data)
	}
}

func TestDayKeyUTCFormatsAsCalendarDate(t *testing.T) {
	t.Parallel()

	ms := time.Date(2024, 3, 7, 12, 30, 0, 0, time.UTC).UnixMilli()
	if got := dayKeyUTC(ms); got != "2024-03-07" {
		t.Errorf("dayKeyUTC = %q, want 2024-03-07", got)
	}
}
