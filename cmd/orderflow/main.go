// orderflow — an order-flow intelligence engine for listed equities.
//
// Architecture:
//
//	main.go                       — entry point: loads config, dispatches on run mode
//	internal/runtime/runtime.go   — default-mode orchestrator: book registry, worker pool, control loop
//	internal/subscription         — multiplexes the broker data-line budget across the candidate universe
//	internal/book                 — order-book state machine (depth + tape)
//	internal/evalwindow           — Probe -> Eval upgrade, time-boxed evaluation, cooldown
//	internal/coordinator          — gate sequence, metrics, scarcity quotas, decision journal
//	internal/universe             — candidate universe discovery and refresh
//	internal/broker/wsgateway     — websocket transport to the broker gateway
//	internal/recorder             — raw depth+tape capture and deterministic replay
//	internal/report               — journal rollup for the report run mode
//
// Run modes (selected by Mode in config, or the ORDERFLOW_MODE env var):
// default (serve + loop), record (one symbol, write raw streams), replay
// (read streams, drive the coordinator), report (read journal, print a
// rollup). Exit codes: 0 success, 1 config error, 2 broker connect
// failure, 3 invalid mode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/book"
	"orderflow/internal/broker"
	"orderflow/internal/broker/wsgateway"
	"orderflow/internal/config"
	"orderflow/internal/coordinator"
	"orderflow/internal/evalwindow"
	"orderflow/internal/journal"
	"orderflow/internal/metrics"
	"orderflow/internal/recorder"
	"orderflow/internal/report"
	"orderflow/internal/runtime"
	"orderflow/internal/subscription"
	"orderflow/internal/validator"
	"orderflow/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ORDERFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	switch cfg.Mode {
	case config.ModeDefault, config.ModeRecord, config.ModeReplay, config.ModeReport:
	default:
		slog.Error("unknown run mode", "mode", cfg.Mode)
		os.Exit(3)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	switch cfg.Mode {
	case config.ModeDefault:
		runDefault(cfg, logger)
	case config.ModeRecord:
		runRecord(cfg, logger)
	case config.ModeReplay:
		runReplay(cfg, logger)
	case config.ModeReport:
		runReport(cfg, logger)
	default:
		logger.Error("unknown run mode", "mode", cfg.Mode)
		os.Exit(3)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runDefault wires every collaborator through runtime.New and blocks until
// a shutdown signal arrives.
func runDefault(cfg *config.Config, logger *slog.Logger) {
	sessionID := uuid.New()
	j := journal.New(journal.Config{
		FilePath: cfg.Journal.FilePath,
	}, sessionID, logger)
	defer j.Close()

	gatewayFactory := func(d broker.Dispatcher) runtime.Gateway {
		return wsgateway.New(cfg.Broker.GatewayURL, cfg.MarketData.DepthRows, d, logger)
	}

	rt := runtime.New(cfg, sessionID, j, gatewayFactory, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Journal.HeartbeatEvery > 0 {
		go runHeartbeat(ctx, j, cfg.Journal.HeartbeatEvery)
	}

	logger.Info("orderflow engine starting",
		"session_id", sessionID.String(),
		"depth_slots", cfg.DepthSlots,
		"max_lines", cfg.MarketData.MaxLines,
	)

	rt.Start(ctx)
	logger.Info("orderflow engine stopped")
}

func runHeartbeat(ctx context.Context, j *journal.Writer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.WriteHeartbeat(time.Now().UnixMilli())
		}
	}
}

// dispatcherProxy forwards to whatever Dispatcher is installed as its
// target, so a transport that needs a Dispatcher at construction time can
// be wired to a Dispatcher (such as *recorder.Recorder) that itself needs
// the transport, as a broker.Requester, to construct.
type dispatcherProxy struct {
	mu     sync.Mutex
	target broker.Dispatcher
}

func (p *dispatcherProxy) Dispatch(ev broker.Event) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target != nil {
		target.Dispatch(ev)
	}
}

func (p *dispatcherProxy) setTarget(target broker.Dispatcher) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

// runRecord subscribes one symbol's depth+tape to two raw line-delimited
// JSON streams; the decision pipeline is never exercised in this mode.
func runRecord(cfg *config.Config, logger *slog.Logger) {
	proxy := &dispatcherProxy{}
	gw := wsgateway.New(cfg.Broker.GatewayURL, cfg.MarketData.DepthRows, proxy, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("gateway run error", "error", err)
		}
	}()

	rec, err := recorder.Start(recorder.Config{
		Symbol:    types.Symbol(cfg.Recorder.Symbol),
		Exchange:  "SMART",
		OutputDir: cfg.Recorder.OutputDir,
	}, gw, logger)
	if err != nil {
		logger.Error("failed to start recorder", "error", err)
		stop()
		wg.Wait()
		os.Exit(2)
	}
	proxy.setTarget(rec)

	logger.Info("recording started", "symbol", cfg.Recorder.Symbol, "output_dir", cfg.Recorder.OutputDir)

	<-ctx.Done()
	rec.Stop(gw)
	wg.Wait()
	logger.Info("recording stopped")
}

// runReplay drives the coordinator deterministically from a previously
// recorded capture: identical input streams and config produce an
// identical accept/reject sequence and identical journal bytes modulo
// timestamps.
func runReplay(cfg *config.Config, logger *slog.Logger) {
	symbol := types.Symbol(cfg.Recorder.Symbol)
	depthPath, tapePath, err := latestCapture(cfg.Replayer.InputDir)
	if err != nil {
		logger.Error("failed to locate recorded capture", "error", err, "input_dir", cfg.Replayer.InputDir)
		os.Exit(1)
	}

	// The session-id is derived from the capture's file names, so replaying
	// the same capture twice yields the same session-id and decision-ids.
	sessionID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(filepath.Base(depthPath)+"|"+filepath.Base(tapePath)))
	j := journal.New(journal.Config{
		FilePath: cfg.Journal.FilePath,
	}, sessionID, logger)
	defer j.Close()

	rep := recorder.NewReplayer(recorder.ReplayConfig{
		Symbol:        symbol,
		DepthPath:     depthPath,
		TapePath:      tapePath,
		DepthRows:     cfg.MarketData.DepthRows,
		TapeWindowMs:  cfg.Tape.RingWindowMs,
		StaleWindowMs: cfg.MarketData.BookStaleWindow.Milliseconds(),
	}, nil)

	books := &singleBookSource{symbol: symbol, book: rep.Book()}

	subs := subscription.New(subscription.Config{
		MaxLines:                  cfg.MarketData.MaxLines,
		DepthSlots:                cfg.DepthSlots,
		L1ReceiptTimeoutMs:        int64(cfg.MarketData.L1ReceiptTimeoutMs),
		TbtReceiptTimeoutMs:       int64(cfg.MarketData.TickByTickReceiptTimeoutMs),
		EvaluationCooldownMinutes: int(cfg.EvalWindow.CooldownMs / 60_000),
	}, noopRequester{}, logger)
	subs.ApplyUniverse([]types.Classification{{Symbol: symbol, StockType: types.Common}}, time.Now())
	if err := subs.UpgradeToEval(symbol, time.Now()); err != nil {
		logger.Error("failed to place replayed symbol into eval", "error", err)
		os.Exit(1)
	}

	me := metrics.New(metrics.Config{
		QueueImbalanceLevels: cfg.Signals.QueueImbalanceLevels,
		WindowMs:             cfg.Tape.RingWindowMs,
	})
	v := validator.New(validator.Config{
		QueueImbalanceTheta: cfg.Signals.QueueImbalanceTheta,
		HardGates: validator.HardGates{
			MaxSpoofScore:        cfg.Signals.HardGates.MaxSpoofScore,
			MinTapeAcceleration:  cfg.Signals.HardGates.MinTapeAcceleration,
			MinWallPersistenceMs: cfg.Signals.HardGates.MinWallPersistenceMs,
		},
		SymbolCooldownMinutes:  cfg.Signals.SymbolCooldownMinutes,
		GlobalRateLimitPerHour: cfg.Signals.GlobalRateLimitPerHour,
	}, logger)
	ew := evalwindow.New(evalwindow.Config{
		MinMs:      cfg.EvalWindow.MinMs,
		MaxMs:      cfg.EvalWindow.MaxMs,
		CooldownMs: cfg.EvalWindow.CooldownMs,
		GraceMs:    cfg.EvalWindow.GraceMs,
		StaleMs:    cfg.EvalWindow.StaleMs,
	})
	ew.StartWindow(symbol, time.Now().UnixMilli())

	coord := coordinator.New(coordinator.Config{
		ThrottleMs:      int64(cfg.MarketData.L1ReceiptTimeoutMs),
		TapeStaleMs:     cfg.Tape.StaleWindowMs,
		WarmupMinTrades: cfg.Tape.WarmupMinTrades,
		WarmupWindowMs:  cfg.Tape.WarmupWindowMs,
		EmitGateTrace:   cfg.Journal.EmitGateTrace,
		Scarcity: coordinator.ScarcityConfig{
			MaxBlueprintsPerDay:   cfg.Scarcity.MaxBlueprintsPerDay,
			MaxPerSymbolPerDay:    cfg.Scarcity.MaxPerSymbolPerDay,
			GlobalCooldownMinutes: cfg.Scarcity.GlobalCooldownMinutes,
			SymbolCooldownMinutes: cfg.Scarcity.SymbolCooldownMinutes,
		},
		Blueprint: coordinator.BlueprintConfig{
			StopRatioK1:   cfg.Signals.StopRatioK1,
			TargetRatioK2: cfg.Signals.TargetRatioK2,
			RiskBudgetUSD: cfg.Signals.RiskBudgetUSD,
		},
	}, sessionID, books, me, v, subs, ew, j, logger)

	rep.SetProcessor(coord)

	logger.Info("replay starting", "symbol", symbol, "depth_path", depthPath, "tape_path", tapePath)
	if err := rep.Run(); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("replay finished")
}

// singleBookSource satisfies coordinator.BookSource for a replay run,
// which only ever resolves the one symbol the replayer reconstructs.
type singleBookSource struct {
	symbol types.Symbol
	book   *book.Book
}

func (s *singleBookSource) Book(symbol types.Symbol) (*book.Book, bool) {
	if symbol != s.symbol {
		return nil, false
	}
	return s.book, true
}

// noopRequester satisfies broker.Requester for replay mode: the
// subscription registry needs one to exist, but a replay never issues a
// live subscription.
type noopRequester struct{}

func (noopRequester) SubscribeL1(types.Symbol, string) (int64, error)    { return 0, nil }
func (noopRequester) SubscribeDepth(types.Symbol, string) (int64, error) { return 0, nil }
func (noopRequester) SubscribeTbt(types.Symbol, string) (int64, error)   { return 0, nil }
func (noopRequester) Cancel(int64) error                                { return nil }

// latestCapture finds the most recently recorded depth/tape stream pair
// in dir, matched by the shared timestamp stamp recorder.Start names them
// with.
func latestCapture(dir string) (depthPath, tapePath string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("read input dir: %w", err)
	}

	var stamps []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if stamp, ok := strings.CutPrefix(e.Name(), "depth-"); ok {
			stamp = strings.TrimSuffix(stamp, ".jsonl")
			if _, statErr := os.Stat(filepath.Join(dir, "tape-"+stamp+".jsonl")); statErr == nil {
				stamps = append(stamps, stamp)
			}
		}
	}
	if len(stamps) == 0 {
		return "", "", fmt.Errorf("no matching depth/tape capture pair found in %s", dir)
	}
	sort.Strings(stamps)
	latest := stamps[len(stamps)-1]
	return filepath.Join(dir, "depth-"+latest+".jsonl"), filepath.Join(dir, "tape-"+latest+".jsonl"), nil
}

// runReport aggregates one or more journal files into a human-readable
// rollup.
func runReport(cfg *config.Config, logger *slog.Logger) {
	paths := []string{cfg.Journal.FilePath}
	if len(os.Args) > 1 {
		paths = os.Args[1:]
	}

	summary, err := report.Build(paths)
	if err != nil {
		logger.Error("failed to build report", "error", err)
		os.Exit(1)
	}
	fmt.Println(report.Render(summary))
}
