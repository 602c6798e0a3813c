package wsgateway

import (
	"log/slog"
	"testing"

	"orderflow/internal/broker"
)

type recordingDispatcher struct {
	events []broker.Event
}

func (d *recordingDispatcher) Dispatch(ev broker.Event) {
	d.events = append(d.events, ev)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatchMessageRoutesDepthEvent(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	g.dispatchMessage([]byte(`{"type":"depth","req_id":42,"position":0,"op":0,"side":1,"price":10.05,"size":100}`))

	if len(d.events) != 1 {
		t.Fatalf("events = %d, want 1", len(d.events))
	}
	ev := d.events[0]
	if ev.Kind != broker.EventDepth || ev.ReqID != 42 || ev.Position != 0 {
		t.Errorf("unexpected depth event: %+v", ev)
	}
}

func TestDispatchMessageRoutesTapeEvent(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	g.dispatchMessage([]byte(`{"type":"tape","req_id":7,"event_ts":1700000000,"price":10.02,"size":50}`))

	if len(d.events) != 1 {
		t.Fatalf("events = %d, want 1", len(d.events))
	}
	if d.events[0].Kind != broker.EventTrade || d.events[0].EventTsRaw != 1700000000 {
		t.Errorf("unexpected trade event: %+v", d.events[0])
	}
}

func TestDispatchMessageRoutesL1Event(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	g.dispatchMessage([]byte(`{"type":"l1","req_id":3,"price":10.01,"size":25}`))

	if len(d.events) != 1 {
		t.Fatalf("events = %d, want 1", len(d.events))
	}
	ev := d.events[0]
	if ev.Kind != broker.EventL1 || ev.ReqID != 3 || ev.Price != 10.01 || ev.Size != 25 {
		t.Errorf("unexpected l1 event: %+v", ev)
	}
}

func TestDispatchMessageRoutesErrorEvent(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	g.dispatchMessage([]byte(`{"type":"error","req_id":9,"code":10092,"message":"depth ineligible"}`))

	if len(d.events) != 1 {
		t.Fatalf("events = %d, want 1", len(d.events))
	}
	if d.events[0].Kind != broker.EventError || d.events[0].Code != 10092 {
		t.Errorf("unexpected error event: %+v", d.events[0])
	}
}

func TestDispatchMessageIgnoresMalformedJSON(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	g.dispatchMessage([]byte(`not json`))

	if len(d.events) != 0 {
		t.Fatalf("events = %d, want 0 for malformed input", len(d.events))
	}
}

func TestSubscribeAllocatesMonotonicReqIDs(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	g := New("wss://example.invalid", 5, d, discardLogger())

	id1 := g.allocReqID()
	id2 := g.allocReqID()
	if id2 <= id1 {
		t.Errorf("req-ids not monotonic: %d then %d", id1, id2)
	}
}
