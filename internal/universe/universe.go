package universe

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"orderflow/internal/journal"
	"orderflow/internal/subscription"
	"orderflow/pkg/types"
)

// Applier reconciles a ranked candidate set against the Probe budget and
// reports the current Eval set. subscription.Registry satisfies this
// directly.
type Applier interface {
	ApplyUniverse(candidates []types.Classification, now time.Time) subscription.Diff
	EvalSymbols() []types.Symbol
	ProbeCount() int
	EvalCount() int
	TbtActiveCount() int
}

// Journal is the subset of the journal this service writes to.
type Journal interface {
	WriteUniverseUpdate(nowMs int64, topCandidates, evalSet []types.Symbol, exclusions map[types.Symbol]string, counts journal.UniverseCounts)
}

// Config controls refresh cadence and the top-K cap applied ahead of
// the subscription manager's own MaxLines budget.
type Config struct {
	RefreshInterval time.Duration
	TopK            int
}

// Service periodically refreshes the candidate universe, filters to
// StockType.Common, ranks by score, and applies the result through
// Applier. A fetch failure falls back to the last successful result
// rather than dropping the universe.
type Service struct {
	cfg     Config
	source  Source
	applier Applier
	journal Journal
	logger  *slog.Logger

	mu       sync.Mutex
	lastGood []Candidate
}

// New creates a Service.
func New(cfg Config, source Source, applier Applier, j Journal, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		source:  source,
		applier: applier,
		journal: j,
		logger:  logger.With("component", "universe"),
	}
}

// Run polls on cfg.RefreshInterval until ctx is cancelled, performing an
// immediate refresh on startup.
func (s *Service) Run(ctx context.Context) {
	s.RefreshOnce(ctx, time.Now())

	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshOnce(ctx, time.Now())
		}
	}
}

// RefreshOnce fetches, filters, ranks, applies, and journals one cycle.
func (s *Service) RefreshOnce(ctx context.Context, now time.Time) {
	fetched, err := s.source.Fetch(ctx)
	stale := false
	if err != nil {
		s.logger.Warn("universe fetch failed, falling back to last-good cache", "error", err)
		fetched = s.cached()
		stale = true
		if fetched == nil {
			s.logger.Error("universe fetch failed with no cached candidates; skipping cycle")
			return
		}
	} else {
		s.setCached(fetched)
	}

	exclusions := make(map[types.Symbol]string, len(fetched))
	var eligible []Candidate
	for _, c := range fetched {
		if c.Classification.StockType != types.Common {
			exclusions[c.Classification.Symbol] = "NotCommon"
			continue
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Score > eligible[j].Score
	})

	capped := eligible
	if s.cfg.TopK > 0 && len(capped) > s.cfg.TopK {
		for _, c := range capped[s.cfg.TopK:] {
			exclusions[c.Classification.Symbol] = "RankedOutOfTopK"
		}
		capped = capped[:s.cfg.TopK]
	}

	classes := make([]types.Classification, len(capped))
	topSymbols := make([]types.Symbol, len(capped))
	for i, c := range capped {
		classes[i] = c.Classification
		topSymbols[i] = c.Classification.Symbol
	}

	if stale {
		s.logger.Info("applying stale universe cache", "count", len(classes))
	}
	s.applier.ApplyUniverse(classes, now)

	s.journal.WriteUniverseUpdate(now.UnixMilli(), topSymbols, s.applier.EvalSymbols(), exclusions, journal.UniverseCounts{
		Candidates: len(fetched),
		Active:     s.applier.ProbeCount(),
		Depth:      s.applier.EvalCount(),
		Tbt:        s.applier.TbtActiveCount(),
		Tape:       s.applier.TbtActiveCount(),
	})
}

func (s *Service) cached() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

func (s *Service) setCached(c []Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood = c
}
