// Package report implements the `report` run mode: read one or more
// journal JSONL files and aggregate them into a Summary, the same
// component-state-to-snapshot shape a live dashboard would build, except
// the source here is a file on disk rather than a running process.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// entry mirrors the on-disk shape of one journal line.
// Report reads journal files from outside the journal package, so it
// unmarshals by field name rather than importing journal's unexported
// line type.
type entry struct {
	EntryType          string `json:"entry_type"`
	SchemaVersion      int    `json:"schema_version"`
	SessionID          string `json:"session_id"`
	MarketTimestampUtc string `json:"market_timestamp_utc"`

	Rejection *struct {
		Symbol string `json:"symbol"`
		Reason string `json:"reason"`
	} `json:"rejection,omitempty"`

	Acceptance *struct {
		Symbol     string  `json:"symbol"`
		Direction  string  `json:"direction"`
		Confidence float64 `json:"confidence"`
	} `json:"acceptance,omitempty"`

	UniverseUpdate *struct {
		TopCandidates []string `json:"top_candidates"`
		EvalSet       []string `json:"eval_set"`
		Counts        struct {
			Candidates int `json:"candidates"`
			Active     int `json:"active"`
			Depth      int `json:"depth"`
			Tbt        int `json:"tbt"`
			Tape       int `json:"tape"`
		} `json:"counts"`
	} `json:"universe_update,omitempty"`

	EvaluationExit *struct {
		Symbol               string  `json:"Symbol"`
		ExitReason           int     `json:"ExitReason"`
		DepthMinutesConsumed float64 `json:"DepthMinutesConsumed"`
	} `json:"evaluation_exit,omitempty"`

	Heartbeat *struct {
		JournalImpaired bool `json:"journal_impaired"`
	} `json:"heartbeat,omitempty"`
}

// Summary is the rollup produced from one or more journal files.
type Summary struct {
	Sessions map[string]int // session_id -> line count

	Rejections         int
	RejectionsByReason map[string]int

	Acceptances         int
	AcceptancesBySymbol map[string]int
	AcceptancesByDir    map[string]int

	UniverseUpdates  int
	LastUniverseTop  []string
	LastUniverseEval []string

	EvaluationExits         int
	EvaluationExitsByReason map[string]int
	TotalDepthMinutes       float64

	Heartbeats         int
	ImpairedHeartbeats int

	SchemaVersionsSeen map[int]int
	UnparseableLines   int
}

func newSummary() *Summary {
	return &Summary{
		Sessions:                make(map[string]int),
		RejectionsByReason:      make(map[string]int),
		AcceptancesBySymbol:     make(map[string]int),
		AcceptancesByDir:        make(map[string]int),
		EvaluationExitsByReason: make(map[string]int),
		SchemaVersionsSeen:      make(map[int]int),
	}
}

// exitReasonNames mirrors types.ExitReason.String() without importing
// pkg/types purely for five label strings.
var exitReasonNames = map[int]string{
	0: "None",
	1: "SignalEmitted",
	2: "TimeoutExpired",
	3: "DataInvalid",
	4: "Aborted",
}

// Build reads and aggregates every journal file in paths, in order. A
// line that fails to parse is counted, not fatal: a partial journal (e.g.
// truncated by a crash) still yields a best-effort rollup. A file that
// cannot be opened or read fails the whole Build with an error.
func Build(paths []string) (*Summary, error) {
	s := newSummary()
	for _, p := range paths {
		if err := s.consumeFile(p); err != nil {
			return nil, fmt.Errorf("report: reading %s: %w", p, err)
		}
	}
	return s, nil
}

func (s *Summary) consumeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			s.UnparseableLines++
			continue
		}
		s.apply(e)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (s *Summary) apply(e entry) {
	if e.SessionID != "" {
		s.Sessions[e.SessionID]++
	}
	s.SchemaVersionsSeen[e.SchemaVersion]++

	switch {
	case e.Rejection != nil:
		s.Rejections++
		s.RejectionsByReason[e.Rejection.Reason]++
	case e.Acceptance != nil:
		s.Acceptances++
		s.AcceptancesBySymbol[e.Acceptance.Symbol]++
		s.AcceptancesByDir[e.Acceptance.Direction]++
	case e.UniverseUpdate != nil:
		s.UniverseUpdates++
		s.LastUniverseTop = e.UniverseUpdate.TopCandidates
		s.LastUniverseEval = e.UniverseUpdate.EvalSet
	case e.EvaluationExit != nil:
		s.EvaluationExits++
		reason := exitReasonNames[e.EvaluationExit.ExitReason]
		if reason == "" {
			reason = fmt.Sprintf("Unknown(%d)", e.EvaluationExit.ExitReason)
		}
		s.EvaluationExitsByReason[reason]++
		s.TotalDepthMinutes += e.EvaluationExit.DepthMinutesConsumed
	case e.Heartbeat != nil:
		s.Heartbeats++
		if e.Heartbeat.JournalImpaired {
			s.ImpairedHeartbeats++
		}
	}
}

// Render formats the summary as a human-readable rollup: the same
// component-state shape a live dashboard would show, as plain text for
// stdout.
func Render(s *Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "sessions: %d\n", len(s.Sessions))
	fmt.Fprintf(&b, "acceptances: %d   rejections: %d   universe updates: %d   evaluation exits: %d\n",
		s.Acceptances, s.Rejections, s.UniverseUpdates, s.EvaluationExits)
	fmt.Fprintf(&b, "heartbeats: %d (impaired: %d)\n", s.Heartbeats, s.ImpairedHeartbeats)
	if s.UnparseableLines > 0 {
		fmt.Fprintf(&b, "unparseable lines: %d\n", s.UnparseableLines)
	}

	if len(s.RejectionsByReason) > 0 {
		b.WriteString("\nrejections by reason:\n")
		for _, reason := range sortedKeys(s.RejectionsByReason) {
			fmt.Fprintf(&b, "  %-24s %d\n", reason, s.RejectionsByReason[reason])
		}
	}

	if len(s.AcceptancesBySymbol) > 0 {
		b.WriteString("\nacceptances by symbol:\n")
		for _, sym := range sortedKeys(s.AcceptancesBySymbol) {
			fmt.Fprintf(&b, "  %-8s %d\n", sym, s.AcceptancesBySymbol[sym])
		}
	}

	if len(s.EvaluationExitsByReason) > 0 {
		b.WriteString("\nevaluation exits by reason:\n")
		for _, reason := range sortedKeys(s.EvaluationExitsByReason) {
			fmt.Fprintf(&b, "  %-16s %d\n", reason, s.EvaluationExitsByReason[reason])
		}
		fmt.Fprintf(&b, "total depth-minutes consumed: %.2f\n", s.TotalDepthMinutes)
	}

	if len(s.LastUniverseTop) > 0 {
		fmt.Fprintf(&b, "\nlast universe top candidates: %s\n", strings.Join(s.LastUniverseTop, ", "))
	}
	if len(s.LastUniverseEval) > 0 {
		fmt.Fprintf(&b, "last universe eval set: %s\n", strings.Join(s.LastUniverseEval, ", "))
	}

	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
