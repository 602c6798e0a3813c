// Package evalwindow implements the Evaluation-Window Controller:
// candidate ranking and selection for the next probe to upgrade, and
// enforcement of the evaluation window bound with exactly one exit
// reason per symbol.
//
// The ranking step (score, sort-desc, tie-break) generalizes a
// liquidity×volume scanner score into a pre-depth activity score; the
// upgrade step follows a diff-and-act shape for "attempt to upgrade the
// next best probe".
package evalwindow

import (
	"sort"
	"sync"
	"time"

	"orderflow/pkg/types"
)

// Config bounds the evaluation window.
type Config struct {
	MinMs      int64
	MaxMs      int64
	CooldownMs int64
	GraceMs    int64
	StaleMs    int64
}

// ProbeActivity is the cheap pre-depth ranking input for one probe.
type ProbeActivity struct {
	Symbol            types.Symbol
	PrintsPerSecond   float64
	ProbeEnteredAtMs  int64
	SpreadTightness   float64 // higher = tighter; added to PrintsPerSecond in score()
	ClassificationOK  bool
	InCooldown        bool
	DepthSlotFree     bool
}

// score combines the ranking inputs into a single comparable value.
// Classification-incomplete or cooled-down probes are filtered before
// scoring, not scored to zero, so they never silently win a tie.
func (p ProbeActivity) score() float64 {
	return p.PrintsPerSecond + p.SpreadTightness
}

// window tracks one in-progress evaluation for a symbol.
type window struct {
	symbol     types.Symbol
	startedMs  int64
	deadlineMs int64
	lastValidMs int64
	invalidSinceMs int64
}

// Controller owns the active evaluation windows. Single logical owner
// (the control-plane evaluation-window timer and the coordinator calling
// OnExit), so a plain mutex is sufficient.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	windows map[types.Symbol]*window
}

// New creates a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, windows: make(map[types.Symbol]*window)}
}

// SelectUpgradeCandidate ranks eligible probes and returns the best one,
// or false if none qualify.
func SelectUpgradeCandidate(probes []ProbeActivity, now int64) (types.Symbol, bool) {
	var eligible []ProbeActivity
	for _, p := range probes {
		if !p.ClassificationOK || p.InCooldown || !p.DepthSlotFree {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return "", false
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		sa, sb := a.score(), b.score()
		if sa != sb {
			return sa > sb
		}
		if a.ProbeEnteredAtMs != b.ProbeEnteredAtMs {
			return a.ProbeEnteredAtMs < b.ProbeEnteredAtMs
		}
		return a.Symbol < b.Symbol
	})

	return eligible[0].Symbol, true
}

// StartWindow begins tracking an evaluation window for symbol, enforcing
// T_eval.
func (c *Controller) StartWindow(symbol types.Symbol, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxMs := c.cfg.MaxMs
	if maxMs <= 0 {
		maxMs = 180_000
	}
	c.windows[symbol] = &window{
		symbol:     symbol,
		startedMs:  now,
		deadlineMs: now + maxMs,
		lastValidMs: now,
	}
}

// CheckTick evaluates data freshness for an in-progress window and
// returns the exit reason if the window should close now, or
// types.ExitNone if it should continue.
func (c *Controller) CheckTick(symbol types.Symbol, now int64, bookValid bool) types.ExitReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[symbol]
	if !ok {
		return types.ExitNone
	}

	if bookValid {
		w.lastValidMs = now
		w.invalidSinceMs = 0
	} else if w.invalidSinceMs == 0 {
		w.invalidSinceMs = now
	}

	staleMs := c.cfg.StaleMs
	if staleMs <= 0 {
		staleMs = 10_000
	}
	if !bookValid && now-w.lastValidMs >= staleMs {
		return types.DataInvalid
	}

	graceMs := c.cfg.GraceMs
	if now > w.deadlineMs+graceMs {
		return types.TimeoutExpired
	}
	if now >= w.deadlineMs {
		return types.TimeoutExpired
	}
	return types.ExitNone
}

// OnExit closes the window and returns the completed record's
// start/end timestamps, for the caller to journal an EvaluationExit and
// stamp the subscription cooldown. Exactly one exit reason is recorded
// per window; calling OnExit for an unknown
// symbol is a no-op (idempotent double-exit).
func (c *Controller) OnExit(symbol types.Symbol, reason types.ExitReason, now int64) (startedMs, endedMs int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, exists := c.windows[symbol]
	if !exists {
		return 0, 0, false
	}
	delete(c.windows, symbol)
	return w.startedMs, now, true
}

// Active reports whether symbol currently has an in-progress window,
// used to detect the forbidden state "depth active without an
// evaluation timer".
func (c *Controller) Active(symbol types.Symbol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[symbol]
	return ok
}

// ActiveCount returns the number of in-progress windows, used to detect
// the forbidden state |Eval| > DepthSlots.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// CooldownDuration returns the configured cooldown to stamp on exit.
func (c *Controller) CooldownDuration() time.Duration {
	if c.cfg.CooldownMs <= 0 {
		return time.Hour
	}
	return time.Duration(c.cfg.CooldownMs) * time.Millisecond
}
