package recorder

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"orderflow/internal/broker"
	"orderflow/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRequester struct {
	nextReqID  int64
	cancelled  []int64
	failDepth  bool
	failTbt    bool
}

func (f *fakeRequester) SubscribeL1(symbol types.Symbol, exchange string) (int64, error) {
	f.nextReqID++
	return f.nextReqID, nil
}

func (f *fakeRequester) SubscribeDepth(symbol types.Symbol, exchange string) (int64, error) {
	if f.failDepth {
		return 0, errSubscribe
	}
	f.nextReqID++
	return f.nextReqID, nil
}

func (f *fakeRequester) SubscribeTbt(symbol types.Symbol, exchange string) (int64, error) {
	if f.failTbt {
		return 0, errSubscribe
	}
	f.nextReqID++
	return f.nextReqID, nil
}

func (f *fakeRequester) Cancel(reqID int64) error {
	f.cancelled = append(f.cancelled, reqID)
	return nil
}

var errSubscribe = &subscribeError{}

type subscribeError struct{}

func (*subscribeError) Error() string { return "subscribe failed" }

func readAllLines(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		out = append(out, line)
	}
	return out
}

func TestStartSubscribesAndOpensTwoStreams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	req := &fakeRequester{}
	rec, err := Start(Config{Symbol: "AAPL", Exchange: "NASDAQ", OutputDir: dir}, req, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop(req)

	matches, err := filepath.Glob(filepath.Join(dir, "depth-*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("depth stream file not created: %v %v", matches, err)
	}
	matches, err = filepath.Glob(filepath.Join(dir, "tape-*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("tape stream file not created: %v %v", matches, err)
	}
}

func TestStartFailsCleanlyWhenDepthSubscriptionErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	req := &fakeRequester{failDepth: true}
	_, err := Start(Config{Symbol: "AAPL", OutputDir: dir}, req, discardLogger())
	if err == nil {
		t.Fatal("expected an error when depth subscription fails")
	}
}

func TestDispatchRoutesOnlyOwnRequestIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	req := &fakeRequester{}
	rec, err := Start(Config{Symbol: "AAPL", OutputDir: dir}, req, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.Dispatch(broker.Event{
		Kind: broker.EventDepth, ReqID: rec.depthReqID,
		Position: 0, Op: types.Insert, Side: types.Bid, Price: 10.0, Size: 100, RecvTsMs: 1000,
	})
	rec.Dispatch(broker.Event{
		Kind: broker.EventTrade, ReqID: rec.tapeReqID,
		Price: 10.05, Size: 50, EventTsRaw: 1_700_000_000, RecvTsMs: 1001,
	})
	// Event for a request-id this recorder didn't subscribe should be dropped.
	rec.Dispatch(broker.Event{Kind: broker.EventDepth, ReqID: 99999, Position: 1, RecvTsMs: 2000})

	rec.Stop(req)

	depthFiles, _ := filepath.Glob(filepath.Join(dir, "depth-*.jsonl"))
	tapeFiles, _ := filepath.Glob(filepath.Join(dir, "tape-*.jsonl"))

	depthLines := readAllLines(t, depthFiles[0])
	if len(depthLines) != 1 {
		t.Fatalf("depth lines = %d, want 1", len(depthLines))
	}
	var d depthLine
	if err := json.Unmarshal(depthLines[0], &d); err != nil {
		t.Fatal(err)
	}
	if d.Side != "Bid" || d.Op != "Insert" || d.Price != 10.0 || d.RecvTsMs != 1000 {
		t.Errorf("depth line = %+v", d)
	}

	tapeLines := readAllLines(t, tapeFiles[0])
	if len(tapeLines) != 1 {
		t.Fatalf("tape lines = %d, want 1", len(tapeLines))
	}
	var tp tapeLine
	if err := json.Unmarshal(tapeLines[0], &tp); err != nil {
		t.Fatal(err)
	}
	if tp.EventTsRaw != 1_700_000_000 || tp.RecvTsMs != 1001 || tp.Price != 10.05 {
		t.Errorf("tape line = %+v", tp)
	}
}

func TestStopCancelsBothSubscriptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	req := &fakeRequester{}
	rec, err := Start(Config{Symbol: "AAPL", OutputDir: dir}, req, discardLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.Stop(req)

	if len(req.cancelled) != 2 {
		t.Fatalf("cancelled %d request-ids, want 2", len(req.cancelled))
	}
}
