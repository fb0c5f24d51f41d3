// Package scheduler drives one pair's fetch/compute/decide/store/
// execute cycle, per spec.md §4.10. It uses self-rescheduling
// single-shot timers rather than a ticker so a slow cycle never
// overlaps the next, generalizing the teacher's
// internal/orchestrator.TradingOrchestrator ticker loops (regime
// detection, optimization, health) into one sequential pipeline driven
// by time.AfterFunc.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/allocator"
	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/internal/decision"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/execution"
	"github.com/atlas-desktop/clm-worker/internal/forces"
	"github.com/atlas-desktop/clm-worker/internal/indicators"
	"github.com/atlas-desktop/clm-worker/internal/killswitch"
	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"github.com/atlas-desktop/clm-worker/internal/optimizer"
	"github.com/atlas-desktop/clm-worker/internal/priceband"
	"github.com/atlas-desktop/clm-worker/internal/regime"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/atlas-desktop/clm-worker/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	trailingWindowMs    = 30 * 24 * 60 * 60 * 1000 // 30 days of M1 candles
	minCandlesForNeutral = 10
	minCandlesForOptimizer = 100
	hourMs              = 60 * 60 * 1000
)

// Deps bundles a Scheduler's collaborators. All are required except
// Executor and Gate, which are nil when no signing key is configured
// (per spec.md §4.10 step 5: "if a signing key is present").
type Deps struct {
	Logger    *zap.Logger
	PairID    string
	Pools     []types.PoolConfig
	Registry  *chainclient.Registry
	Cache     *chainclient.CandleCache
	Sink      *eventsink.Sink
	Optimizer *optimizer.Optimizer
	Executor  *execution.Executor
	Gate      *execution.Gate
	Metrics   *metrics.Registry
}

// Config carries per-pair tunables sourced from types.PairConfig.
type Config struct {
	EpochSeconds int
	MaxPositions int
	Thresholds   types.Thresholds
	ForceParams  *types.RangeParams
	StablePair   bool
}

// Scheduler owns one pair's cycle state and self-rescheduling timer.
type Scheduler struct {
	deps   Deps
	config Config

	mu      sync.Mutex
	runtime types.PairRuntime
	timer   *time.Timer
	stopped bool

	// positions is the worker's locally tracked open-position set,
	// mutated by executed PRA/RS results and published to the positions
	// event stream after each change. It is held in memory only; nothing
	// in this module writes it to the coordination store.
	positions []types.Position

	candleCursor map[string]int64 // per-pool M1 fetch cursor
}

// New constructs a Scheduler for one pair, cold-started with no
// positions and epoch zero.
func New(deps Deps, config Config) *Scheduler {
	return &Scheduler{
		deps:         deps,
		config:       config,
		runtime:      types.PairRuntime{PairID: deps.PairID},
		candleCursor: make(map[string]int64),
	}
}

// Positions returns a copy of the scheduler's currently tracked open
// positions, for the worker to persist or report.
func (s *Scheduler) Positions() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

// SetPositions replaces the scheduler's open-position set. Nothing in
// this module loads positions from the coordination store on startup.
func (s *Scheduler) SetPositions(positions []types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
}

// Runtime returns a copy of the scheduler's current per-pair runtime
// state for publication as WorkerState.
func (s *Scheduler) Runtime() types.PairRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// Start arms the first cycle immediately and self-reschedules
// thereafter until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.scheduleNext(ctx, 0)
}

// Stop cancels any pending timer; an in-flight cycle still completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Scheduler) scheduleNext(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(delay, func() { s.runCycle(ctx) })
	s.mu.Unlock()
}

func (s *Scheduler) epochSeconds() time.Duration {
	if s.config.EpochSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.config.EpochSeconds) * time.Second
}

// runCycle executes one fetch/compute/decide/store/execute pass, then
// arms the next cycle's timer regardless of outcome, never overlapping.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	if err := s.cycle(ctx); err != nil {
		s.deps.Logger.Error("scheduler cycle failed", zap.String("pairId", s.deps.PairID), zap.Error(err))
	}
	elapsed := time.Since(start)
	if s.deps.Metrics != nil {
		s.deps.Metrics.CycleDuration.WithLabelValues(s.deps.PairID).Observe(elapsed.Seconds())
	}
	next := s.epochSeconds() - elapsed
	if next < 0 {
		next = 0
	}
	s.scheduleNext(ctx, next)
}

func (s *Scheduler) cycle(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()

	// 1. Fetch
	snapshots, candlesByPool, ok := s.fetch(ctx)
	if !ok {
		s.publishHoldWithZeros(nowMs)
		return nil
	}

	// 2. Compute
	analyses, allocations, forcesOut, regimeVerdict := s.compute(snapshots, candlesByPool, nowMs)

	// 3. Decide
	price := currentPrice(snapshots)
	lastRebalTs := lastRebalanceTs(s.Positions())
	targetIntervalByPool := make(map[string]types.Interval, len(analyses))
	for _, a := range analyses {
		targetIntervalByPool[a.PoolID] = a.CurrentInterval
	}

	var lastRebalPtr *int64
	if lastRebalTs > 0 {
		lastRebalPtr = &lastRebalTs
	}

	dec := decision.Evaluate(allocations, s.Positions(), targetIntervalByPool, price, s.config.Thresholds, lastRebalPtr, nowMs, nil)

	s.mu.Lock()
	s.runtime.LastDecision = &dec
	s.runtime.LastDecisionTsMs = nowMs
	s.runtime.LastForces = &forcesOut
	s.runtime.LastRegimeVerdict = &regimeVerdict
	s.runtime.LastCurrentApr = dec.CurrentApr
	s.runtime.LastOptimalApr = dec.OptimalApr
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.Decisions.WithLabelValues(s.deps.PairID, string(dec.Kind)).Inc()
	}

	// 4. Store
	s.publishCycleEvents(nowMs, analyses, allocations, dec)

	// 5. Execute + Log
	if s.deps.Executor != nil && dec.Kind != types.DecisionHold {
		s.execute(ctx, dec, price)
	}

	return nil
}

func (s *Scheduler) fetch(ctx context.Context) ([]types.PoolSnapshot, map[string][]types.Candle, bool) {
	type fetchResult struct {
		pool     types.PoolConfig
		snapshot types.PoolSnapshot
		m1       []types.Candle
		err      error
	}

	results := make(chan fetchResult, len(s.deps.Pools))
	var wg sync.WaitGroup
	for _, pool := range s.deps.Pools {
		wg.Add(1)
		go func(pool types.PoolConfig) {
			defer wg.Done()
			client, ok := s.deps.Registry.For(pool.Chain)
			if !ok {
				results <- fetchResult{pool: pool, err: fmt.Errorf("no chain client for %s", pool.Chain)}
				return
			}
			snapshot, err := client.FetchSnapshot(ctx, pool)
			if err != nil {
				results <- fetchResult{pool: pool, err: err}
				return
			}
			cursor := s.cursorFor(pool)
			m1, err := s.deps.Cache.Candles(ctx, pool, types.TimeframeM1, cursor)
			if err != nil {
				results <- fetchResult{pool: pool, err: err}
				return
			}
			results <- fetchResult{pool: pool, snapshot: snapshot, m1: m1}
		}(pool)
	}
	wg.Wait()
	close(results)

	var snapshots []types.PoolSnapshot
	candlesByPool := make(map[string][]types.Candle)
	for r := range results {
		if r.err != nil {
			s.deps.Logger.Warn("pool fetch failed", zap.String("pool", r.pool.Address), zap.Error(r.err))
			continue
		}
		snapshots = append(snapshots, r.snapshot)
		candlesByPool[r.pool.Address] = r.m1
		if len(r.m1) > 0 {
			s.setCursor(r.pool, r.m1[len(r.m1)-1].TsMs+1)
			s.deps.Sink.Publish(eventsink.StreamCandles, eventsink.Entry{PairID: s.deps.PairID, TsMs: time.Now().UnixMilli(), Payload: r.m1})
		}
		s.deps.Sink.Publish(eventsink.StreamPoolSnapshots, eventsink.Entry{PairID: s.deps.PairID, TsMs: time.Now().UnixMilli(), Payload: r.snapshot})
	}

	return snapshots, candlesByPool, len(snapshots) > 0
}

func (s *Scheduler) cursorFor(pool types.PoolConfig) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candleCursor[pool.Address]
	if !ok {
		return time.Now().Add(-trailingWindowMs * time.Millisecond).UnixMilli()
	}
	return c
}

func (s *Scheduler) setCursor(pool types.PoolConfig, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candleCursor[pool.Address] = cursor
}

func (s *Scheduler) compute(snapshots []types.PoolSnapshot, candlesByPool map[string][]types.Candle, nowMs int64) ([]types.PoolAnalysis, []types.AllocationEntry, types.Forces, types.RegimeVerdict) {
	s.mu.Lock()
	s.runtime.Epoch++
	epoch := s.runtime.Epoch
	effectiveParams := types.MergeForceParams(types.DefaultRangeParams(), s.config.ForceParams)
	if s.runtime.LastOptimizerOutput != nil {
		effectiveParams = s.runtime.LastOptimizerOutput.Vec
	}
	killState := s.runtime.KillSwitch
	suppressUntil := s.runtime.RegimeSuppressUntil
	s.mu.Unlock()

	var allM1 []types.Candle
	for _, c := range candlesByPool {
		allM1 = append(allM1, c...)
	}
	sort.Slice(allM1, func(i, j int) bool { return allM1[i].TsMs < allM1[j].TsMs })

	regimeVerdict := s.evaluateRegime(allM1, nowMs)

	thresholds := s.config.Thresholds
	if epoch > suppressUntil && len(allM1) >= minCandlesForOptimizer && s.deps.Optimizer != nil {
		result := s.deps.Optimizer.Run(s.runtime.LastOptimizerOutput, optimizer.FitnessInputs{
			Candles:          allM1,
			PoolFeeFrac:      poolFeeFrac(snapshots),
			BaseAprEstimate:  averageApr(snapshots),
			GasUsdPerRebal:   5,
			PositionValueUsd: totalPositionValue(s.Positions()),
			EpochSeconds:     s.epochSeconds().Seconds(),
		})
		effectiveParams = result.Output.Vec
		thresholds.Rs = result.Output.Vec.RsThreshold
		s.deps.Sink.Publish(eventsink.StreamOptimizerState, eventsink.Entry{PairID: s.deps.PairID, TsMs: nowMs, Payload: result})

		reason := killswitch.Evaluate(killState, result.Output.Vec, totalPositionValue(s.Positions()), nowMs)
		s.mu.Lock()
		if reason == types.KillSwitchNone {
			s.runtime.LastOptimizerOutput = &result.Output
		} else {
			s.runtime.LastOptimizerOutput = nil
			effectiveParams = types.MergeForceParams(types.DefaultRangeParams(), s.config.ForceParams)
			thresholds.Rs = effectiveParams.RsThreshold
		}
		s.runtime.LastKillSwitchReason = reason
		s.mu.Unlock()
		if s.deps.Gate != nil {
			s.deps.Gate.Observe(reason, nowMs)
		}
		if reason != types.KillSwitchNone && s.deps.Metrics != nil {
			s.deps.Metrics.KillSwitchTrips.WithLabelValues(s.deps.PairID, string(reason)).Inc()
		}
	}
	if regimeVerdict.WidenFactor > 0 {
		effectiveParams.BaseMin *= regimeVerdict.WidenFactor
		effectiveParams.BaseMax *= regimeVerdict.WidenFactor
	}
	if regimeVerdict.SuppressUntilEpoch > suppressUntil {
		s.mu.Lock()
		s.runtime.RegimeSuppressUntil = regimeVerdict.SuppressUntilEpoch
		s.mu.Unlock()
	}

	forcesOut := forces.NeutralForces()
	if len(allM1) >= minCandlesForNeutral {
		forcesOut = forces.Composite(map[types.Timeframe][]types.Candle{
			types.TimeframeM15: indicators.AggregateCandles(allM1, int64(types.TimeframeDuration(types.TimeframeM15)/time.Millisecond)),
			types.TimeframeH1:  indicators.AggregateCandles(allM1, int64(types.TimeframeDuration(types.TimeframeH1)/time.Millisecond)),
			types.TimeframeH4:  indicators.AggregateCandles(allM1, int64(types.TimeframeDuration(types.TimeframeH4)/time.Millisecond)),
		})
	}

	analyses := make([]types.PoolAnalysis, 0, len(snapshots))
	tvlByPool := make(map[string]float64, len(snapshots))
	for _, snap := range snapshots {
		price := snap.ExchangeRate.InexactFloat64()
		iv := priceband.ComputeRange(price, forcesOut, effectiveParams)
		utilization := 0.0
		tvl := snap.TVL.InexactFloat64()
		if tvl > 0 {
			utilization = snap.Volume24h.InexactFloat64() / tvl
		}
		annualizedApr := snap.FeeFrac.InexactFloat64() * utilization * 365.0
		analyses = append(analyses, types.PoolAnalysis{
			PoolID:          snap.PoolID,
			Chain:           snap.Chain,
			IntervalVolume:  snap.Volume24h,
			Utilization:     utilization,
			AnnualizedApr:   annualizedApr,
			CurrentInterval: iv,
		})
		tvlByPool[snap.PoolID] = tvl
	}

	allocations := allocator.WaterFill(analyses, tvlByPool, s.config.MaxPositions)
	s.config.Thresholds = thresholds

	return analyses, allocations, forcesOut, regimeVerdict
}

func (s *Scheduler) evaluateRegime(allM1 []types.Candle, nowMs int64) types.RegimeVerdict {
	if len(allM1) == 0 {
		return types.RegimeVerdict{}
	}
	lastHour := indicators.AggregateCandles(allM1, hourMs)
	var hourlySigma []float64
	for _, c := range trailingCandles(lastHour, 720) {
		o := c.Open.InexactFloat64()
		cl := c.Close.InexactFloat64()
		if o > 0 {
			hourlySigma = append(hourlySigma, (cl-o)/o)
		}
	}
	priceNow := allM1[len(allM1)-1].Close.InexactFloat64()
	idx1h := len(allM1) - int(hourMs/60000)
	price1hAgo := priceNow
	if idx1h >= 0 && idx1h < len(allM1) {
		price1hAgo = allM1[idx1h].Close.InexactFloat64()
	}

	var lastVolume, meanVolume float64
	if n := len(lastHour); n > 0 {
		lastVolume = lastHour[n-1].Volume.InexactFloat64()
		sum := 0.0
		for _, c := range lastHour {
			sum += c.Volume.InexactFloat64()
		}
		meanVolume = sum / float64(n)
	}

	s.mu.Lock()
	epoch := s.runtime.Epoch
	s.mu.Unlock()

	return regime.Evaluate(trailingCandles(allM1, 60), hourlySigma, priceNow, price1hAgo, lastVolume, meanVolume, s.config.StablePair, epoch)
}

func trailingCandles(candles []types.Candle, n int) []types.Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

func currentPrice(snapshots []types.PoolSnapshot) float64 {
	for _, s := range snapshots {
		if !s.ExchangeRate.IsZero() {
			return s.ExchangeRate.InexactFloat64()
		}
	}
	return 0
}

func lastRebalanceTs(positions []types.Position) int64 {
	var max int64
	for _, p := range positions {
		if p.EntryTsMs > max {
			max = p.EntryTsMs
		}
	}
	return max
}

func poolFeeFrac(snapshots []types.PoolSnapshot) float64 {
	if len(snapshots) == 0 {
		return 0.003
	}
	return snapshots[0].FeeFrac.InexactFloat64()
}

func averageApr(snapshots []types.PoolSnapshot) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	sma := utils.NewSMA(len(snapshots))
	for _, s := range snapshots {
		if s.TVL.IsZero() {
			sma.Add(decimal.Zero)
			continue
		}
		apr := s.FeeFrac.Mul(s.Volume24h).Div(s.TVL).Mul(decimal.NewFromInt(365))
		sma.Add(apr)
	}
	return sma.Current().InexactFloat64()
}

func totalPositionValue(positions []types.Position) float64 {
	total := 0.0
	for _, p := range positions {
		total += p.EntryValueUsd.InexactFloat64()
	}
	return total
}

func (s *Scheduler) publishHoldWithZeros(nowMs int64) {
	dec := types.Decision{Kind: types.DecisionHold, TsMs: nowMs}
	s.mu.Lock()
	s.runtime.LastDecision = &dec
	s.runtime.LastDecisionTsMs = nowMs
	s.mu.Unlock()
	s.deps.Sink.Publish(eventsink.StreamEpochSnapshots, eventsink.Entry{PairID: s.deps.PairID, TsMs: nowMs, Payload: dec})
}

// publishCycleEvents emits the three distinct events spec.md §4.10 step 4
// requires for a completed cycle: pool analyses, pair allocations, and
// the resulting epoch snapshot (the decision itself).
func (s *Scheduler) publishCycleEvents(nowMs int64, analyses []types.PoolAnalysis, allocations []types.AllocationEntry, dec types.Decision) {
	s.deps.Sink.Publish(eventsink.StreamPoolAnalyses, eventsink.Entry{PairID: s.deps.PairID, TsMs: nowMs, Payload: analyses})
	s.deps.Sink.Publish(eventsink.StreamPairAllocations, eventsink.Entry{PairID: s.deps.PairID, TsMs: nowMs, Payload: allocations})
	s.deps.Sink.Publish(eventsink.StreamEpochSnapshots, eventsink.Entry{PairID: s.deps.PairID, TsMs: nowMs, Payload: dec})
}

func (s *Scheduler) execute(ctx context.Context, dec types.Decision, price float64) {
	switch dec.Kind {
	case types.DecisionPRA:
		rt := s.Runtime()
		var f types.Forces
		if rt.LastForces != nil {
			f = *rt.LastForces
		}
		params := types.MergeForceParams(types.DefaultRangeParams(), s.config.ForceParams)
		if rt.LastOptimizerOutput != nil {
			params = rt.LastOptimizerOutput.Vec
		}
		result, err := s.deps.Executor.ExecutePRA(ctx, execution.PRAInput{
			PairID:      s.deps.PairID,
			Positions:   s.Positions(),
			Targets:     dec.TargetAllocations,
			Forces:      f,
			RangeParams: params,
			Price:       price,
		})
		if err != nil {
			s.deps.Logger.Error("PRA execution failed", zap.String("pairId", s.deps.PairID), zap.Error(err))
		}
		s.applyExecutionResult(result)
	case types.DecisionRS:
		result, err := s.deps.Executor.ExecuteRS(ctx, execution.RSInput{
			PairID:    s.deps.PairID,
			Positions: matchedPositions(s.Positions(), dec.RangeShifts),
			Shifts:    dec.RangeShifts,
			Price:     price,
		})
		if err != nil {
			s.deps.Logger.Error("RS execution failed", zap.String("pairId", s.deps.PairID), zap.Error(err))
		}
		s.applyExecutionResult(result)
	}
}

func matchedPositions(positions []types.Position, shifts []types.RangeShift) []types.Position {
	byPool := make(map[string]struct{}, len(shifts))
	for _, sh := range shifts {
		byPool[sh.PoolID] = struct{}{}
	}
	var out []types.Position
	for _, p := range positions {
		if _, ok := byPool[p.PoolID]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scheduler) applyExecutionResult(result execution.Result) {
	s.mu.Lock()
	burnedIDs := make(map[string]struct{}, len(result.BurnedPositions))
	for _, p := range result.BurnedPositions {
		burnedIDs[p.ID] = struct{}{}
	}
	remaining := s.positions[:0:0]
	for _, p := range s.positions {
		if _, burned := burnedIDs[p.ID]; !burned {
			remaining = append(remaining, p)
		}
	}
	s.positions = append(remaining, result.MintedPositions...)
	snapshot := make([]types.Position, len(s.positions))
	copy(snapshot, s.positions)
	s.mu.Unlock()

	s.deps.Sink.Publish(eventsink.StreamPositions, eventsink.Entry{PairID: s.deps.PairID, TsMs: time.Now().UnixMilli(), Payload: snapshot})
}
