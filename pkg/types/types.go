// Package types defines the data model shared by every component of the
// position manager: candles and forces produced by the signal engine,
// the range and allocation types produced by the optimizer and allocator,
// and the position/decision types that flow through the scheduler into
// the executor.
package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/atlas-desktop/clm-worker/pkg/bigmath"
	"github.com/shopspring/decimal"
)

// Timeframe identifies a candle aggregation period.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
)

// TimeframeDuration returns the wall-clock period of a timeframe.
func TimeframeDuration(tf Timeframe) time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// Candle is a fixed-period OHLCV bar. TsMs is the bar's open timestamp in
// epoch milliseconds, aligned to the base period boundary.
type Candle struct {
	TsMs   int64           `json:"tsMs"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// DecisionKind is the scheduler's per-cycle verdict.
type DecisionKind string

const (
	DecisionPRA  DecisionKind = "PRA"
	DecisionRS   DecisionKind = "RS"
	DecisionHold DecisionKind = "HOLD"
)

// RangeKind classifies the directional bias of a computed Interval.
type RangeKind string

const (
	RangeBullish RangeKind = "bullish"
	RangeBearish RangeKind = "bearish"
	RangeNeutral RangeKind = "neutral"
)

// VolForce is the volatility component of Forces.
type VolForce struct {
	Force float64 `json:"force"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

// MomForce is the momentum component of Forces.
type MomForce struct {
	Force float64 `json:"force"`
	Up    int     `json:"up"`
	Down  int     `json:"down"`
}

// TrendForce is the trend component of Forces.
type TrendForce struct {
	Force   float64 `json:"force"`
	MAShort float64 `json:"maShort"`
	MALong  float64 `json:"maLong"`
}

// Forces is the {v, m, t} triple describing recent price action on a
// 0-100 scale; 50 is neutral on every component.
type Forces struct {
	V VolForce   `json:"v"`
	M MomForce   `json:"m"`
	T TrendForce `json:"t"`
}

// RangeParams are the five tunable parameters mapping vforce to a price
// half-width. Bounds are enforced by the optimizer, see internal/optimizer.
type RangeParams struct {
	BaseMin       float64 `json:"baseMin"`
	BaseMax       float64 `json:"baseMax"`
	VforceExp     float64 `json:"vforceExp"`
	VforceDivider float64 `json:"vforceDivider"`
	RsThreshold   float64 `json:"rsThreshold"`
}

// DefaultRangeParams are the seed parameters used before any optimization
// has run and the fallback when the optimizer's own result underperforms
// them (see internal/optimizer's fallback guard).
func DefaultRangeParams() RangeParams {
	return RangeParams{
		BaseMin:       5e-4,
		BaseMax:       2e-2,
		VforceExp:     -0.3,
		VforceDivider: 150,
		RsThreshold:   0.25,
	}
}

// Interval is a price band derived from Forces.
type Interval struct {
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Base       float64   `json:"base"`
	Breadth    float64   `json:"breadth"`
	Confidence float64   `json:"confidence"`
	TrendBias  float64   `json:"trendBias"`
	Kind       RangeKind `json:"kind"`
}

// Chain identifies an on-chain venue's network.
type Chain string

// PoolSnapshot is a per-cycle read of a pool's on-chain/API state.
type PoolSnapshot struct {
	PoolID         string          `json:"poolId"`
	Chain          Chain           `json:"chain"`
	TsMs           int64           `json:"tsMs"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	TVL            decimal.Decimal `json:"tvl"`
	FeeFrac        decimal.Decimal `json:"feeFrac"`
	BasePriceUsd   decimal.Decimal `json:"basePriceUsd"`
	QuotePriceUsd  decimal.Decimal `json:"quotePriceUsd"`
	ExchangeRate   decimal.Decimal `json:"exchangeRate"`
	PriceChangeH1  decimal.Decimal `json:"priceChangeH1"`
	PriceChangeH24 decimal.Decimal `json:"priceChangeH24"`
}

// PoolAnalysis joins a PoolSnapshot with the current forces/range state
// to produce the figures the allocator and decision function consume.
type PoolAnalysis struct {
	PoolID          string          `json:"poolId"`
	Chain           Chain           `json:"chain"`
	DexTag          string          `json:"dexTag"`
	IntervalVolume  decimal.Decimal `json:"intervalVolume"`
	FeesGenerated   decimal.Decimal `json:"feesGenerated"`
	Utilization     float64         `json:"utilization"`
	AnnualizedApr   float64         `json:"annualizedApr"`
	CurrentInterval Interval        `json:"currentInterval"`
}

// AllocationEntry is one pool's share of a target allocation.
type AllocationEntry struct {
	PoolID      string  `json:"poolId"`
	Chain       Chain   `json:"chain"`
	DexTag      string  `json:"dexTag"`
	Fraction    float64 `json:"fraction"`
	ExpectedApr float64 `json:"expectedApr"`
}

// Position is an open LP position. LowerBound/UpperBound are
// protocol-neutral: ticks for V3/V4/Algebra pools, bin ids for
// liquidity-book pools (see IsBinBased).
type Position struct {
	ID              string          `json:"id"`
	PoolID          string          `json:"poolId"`
	Chain           Chain           `json:"chain"`
	DexTag          string          `json:"dexTag"`
	VenuePositionID string          `json:"venuePositionId"`
	LowerBound      int64           `json:"lowerBound"`
	UpperBound      int64           `json:"upperBound"`
	IsBinBased      bool            `json:"isBinBased"`
	Liquidity       *big.Int        `json:"-"`
	Amount0         *big.Int        `json:"-"`
	Amount1         *big.Int        `json:"-"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	EntryTsMs       int64           `json:"entryTsMs"`
	EntryApr        float64         `json:"entryApr"`
	EntryValueUsd   decimal.Decimal `json:"entryValueUsd"`
}

// positionWire mirrors Position with the big.Int fields rendered as
// decimal strings, matching spec.md §6's bigint wire-format requirement.
type positionWire struct {
	ID              string          `json:"id"`
	PoolID          string          `json:"poolId"`
	Chain           Chain           `json:"chain"`
	DexTag          string          `json:"dexTag"`
	VenuePositionID string          `json:"venuePositionId"`
	LowerBound      int64           `json:"lowerBound"`
	UpperBound      int64           `json:"upperBound"`
	IsBinBased      bool            `json:"isBinBased"`
	Liquidity       string          `json:"liquidity"`
	Amount0         string          `json:"amount0"`
	Amount1         string          `json:"amount1"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	EntryTsMs       int64           `json:"entryTsMs"`
	EntryApr        float64         `json:"entryApr"`
	EntryValueUsd   decimal.Decimal `json:"entryValueUsd"`
}

// MarshalJSON renders Liquidity/Amount0/Amount1 as decimal strings so
// token base-unit amounts survive the wire without float precision loss.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(positionWire{
		ID:              p.ID,
		PoolID:          p.PoolID,
		Chain:           p.Chain,
		DexTag:          p.DexTag,
		VenuePositionID: p.VenuePositionID,
		LowerBound:      p.LowerBound,
		UpperBound:      p.UpperBound,
		IsBinBased:      p.IsBinBased,
		Liquidity:       bigmath.ToDecimalString(p.Liquidity),
		Amount0:         bigmath.ToDecimalString(p.Amount0),
		Amount1:         bigmath.ToDecimalString(p.Amount1),
		EntryPrice:      p.EntryPrice,
		EntryTsMs:       p.EntryTsMs,
		EntryApr:        p.EntryApr,
		EntryValueUsd:   p.EntryValueUsd,
	})
}

// UnmarshalJSON parses the decimal-string bigint fields back into big.Int.
func (p *Position) UnmarshalJSON(data []byte) error {
	var w positionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	liquidity, err := bigmath.FromDecimalString(orZero(w.Liquidity))
	if err != nil {
		return err
	}
	amount0, err := bigmath.FromDecimalString(orZero(w.Amount0))
	if err != nil {
		return err
	}
	amount1, err := bigmath.FromDecimalString(orZero(w.Amount1))
	if err != nil {
		return err
	}

	p.ID = w.ID
	p.PoolID = w.PoolID
	p.Chain = w.Chain
	p.DexTag = w.DexTag
	p.VenuePositionID = w.VenuePositionID
	p.LowerBound = w.LowerBound
	p.UpperBound = w.UpperBound
	p.IsBinBased = w.IsBinBased
	p.Liquidity = liquidity
	p.Amount0 = amount0
	p.Amount1 = amount1
	p.EntryPrice = w.EntryPrice
	p.EntryTsMs = w.EntryTsMs
	p.EntryApr = w.EntryApr
	p.EntryValueUsd = w.EntryValueUsd
	return nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// RangeShift describes a single in-pool reposition performed during RS.
type RangeShift struct {
	PoolID string   `json:"poolId"`
	Chain  Chain    `json:"chain"`
	Old    Interval `json:"old"`
	New    Interval `json:"new"`
}

// Decision is the scheduler's per-cycle verdict plus the figures that
// justify it. RangeShifts is present iff Kind == DecisionRS.
type Decision struct {
	Kind              DecisionKind      `json:"kind"`
	TsMs              int64             `json:"tsMs"`
	CurrentApr        float64           `json:"currentApr"`
	OptimalApr        float64           `json:"optimalApr"`
	Improvement       float64           `json:"improvement"`
	TargetAllocations []AllocationEntry `json:"targetAllocations"`
	RangeShifts       []RangeShift      `json:"rangeShifts,omitempty"`
}

// Thresholds gates the decision function's PRA/RS triggers.
type Thresholds struct {
	Pra float64
	Rs  float64
}

// GasContext carries the figures needed to gas-gate a decision.
type GasContext struct {
	GasUsd           float64
	PositionValueUsd float64
}

// OptimizerOutput is the result persisted after each optimization run,
// also used as next cycle's warm start.
type OptimizerOutput struct {
	Vec     RangeParams `json:"vec"`
	Fitness float64     `json:"fitness"`
}

// KillSwitchReason names which guard reverted the optimizer's output.
type KillSwitchReason string

const (
	KillSwitchNone                  KillSwitchReason = ""
	KillSwitchNegativeTrailingYield KillSwitchReason = "negative_trailing_yield"
	KillSwitchExcessiveRS           KillSwitchReason = "excessive_rs"
	KillSwitchPathologicalRange     KillSwitchReason = "pathological_range"
	KillSwitchGasBudgetExceeded     KillSwitchReason = "gas_budget_exceeded"
)

// KillSwitchState is the trailing bookkeeping the kill-switch evaluator
// needs across cycles.
type KillSwitchState struct {
	TrailingYields    []float64 `json:"trailingYields"`
	RsTimestamps      []int64   `json:"rsTimestamps"`
	Trailing24hGasUsd float64   `json:"trailing24hGasUsd"`
}

// WorkerStatus is the worker's publishable lifecycle status.
type WorkerStatus string

const (
	WorkerStatusRunning WorkerStatus = "running"
	WorkerStatusError   WorkerStatus = "error"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// RegimeVerdict is the regime detector's per-cycle read.
type RegimeVerdict struct {
	VolSpike           bool    `json:"volSpike"`
	PriceDisplaced     bool    `json:"priceDisplaced"`
	VolumeAnomaly      bool    `json:"volumeAnomaly"`
	SuppressUntilEpoch int64   `json:"suppressUntilEpoch,omitempty"`
	WidenFactor        float64 `json:"widenFactor,omitempty"`
}

// PairRuntime is the worker's local mutable per-pair state. It is owned
// exclusively by the worker process holding the pair's lock; it never
// crosses a process boundary directly (WorkerState is its published
// projection, see below).
type PairRuntime struct {
	PairID               string
	Epoch                int64
	RegimeSuppressUntil  int64
	LastDecision         *Decision
	LastDecisionTsMs     int64
	LastForces           *Forces
	LastOptimizerOutput  *OptimizerOutput
	LastRegimeVerdict    *RegimeVerdict
	LastKillSwitchReason KillSwitchReason
	LastCurrentApr       float64
	LastOptimalApr       float64
	KillSwitch           KillSwitchState
}

// WorkerState is the publishable projection of PairRuntime plus process
// liveness data, written to the coordination store every heartbeat tick.
type WorkerState struct {
	PairID           string           `json:"pairId"`
	Pid              int              `json:"pid"`
	Status           WorkerStatus     `json:"status"`
	UptimeMs         int64            `json:"uptimeMs"`
	ErrorMsg         string           `json:"errorMsg,omitempty"`
	Epoch            int64            `json:"epoch"`
	LastDecisionKind DecisionKind     `json:"lastDecisionKind,omitempty"`
	LastDecisionTsMs int64            `json:"lastDecisionTsMs,omitempty"`
	LastCurrentApr   float64          `json:"lastCurrentApr"`
	LastOptimalApr   float64          `json:"lastOptimalApr"`
	KillSwitchReason KillSwitchReason `json:"killSwitchReason,omitempty"`
}

// PoolConfig names one venue a pair's capital may be deployed into.
type PoolConfig struct {
	Chain   Chain  `json:"chain"`
	Address string `json:"address"`
	Dex     string `json:"dex"`
}

// PairConfig is the coordination-store-resident configuration entry for
// one managed pair.
type PairConfig struct {
	ID           string       `json:"id"`
	Pools        []PoolConfig `json:"pools"`
	IntervalSec  int          `json:"intervalSec"`
	MaxPositions int          `json:"maxPositions"`
	Thresholds   Thresholds   `json:"thresholds"`
	ForceParams  *RangeParams `json:"forceParams,omitempty"`
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalidConfig(msg string) error { return configError("invalid pair config: " + msg) }

// Validate checks PairConfig invariants from spec.md's Configuration
// entry definition. cmd/worker exits when its own config is invalid;
// the supervisor's seeding skips an invalid seed entry with a warning.
func (c PairConfig) Validate() error {
	if c.ID == "" {
		return errInvalidConfig("missing id")
	}
	if len(c.Pools) == 0 {
		return errInvalidConfig("no pools configured")
	}
	if c.IntervalSec < 60 || c.IntervalSec > 86400 {
		return errInvalidConfig("intervalSec out of [60,86400]")
	}
	if c.MaxPositions < 1 || c.MaxPositions > 20 {
		return errInvalidConfig("maxPositions out of [1,20]")
	}
	if c.Thresholds.Pra <= 0 || c.Thresholds.Pra >= 1 {
		return errInvalidConfig("thresholds.pra out of (0,1)")
	}
	if c.Thresholds.Rs <= 0 || c.Thresholds.Rs >= 1 {
		return errInvalidConfig("thresholds.rs out of (0,1)")
	}
	for _, p := range c.Pools {
		if p.Chain == "" || p.Address == "" {
			return errInvalidConfig("pool missing chain or address")
		}
	}
	return nil
}

// MergeForceParams merges a partial override by field, not by object
// replacement, so a single overridden subfield does not erase siblings
// (spec.md Design Notes "Dynamic configuration").
func MergeForceParams(base RangeParams, override *RangeParams) RangeParams {
	if override == nil {
		return base
	}
	out := base
	if override.BaseMin != 0 {
		out.BaseMin = override.BaseMin
	}
	if override.BaseMax != 0 {
		out.BaseMax = override.BaseMax
	}
	if override.VforceExp != 0 {
		out.VforceExp = override.VforceExp
	}
	if override.VforceDivider != 0 {
		out.VforceDivider = override.VforceDivider
	}
	if override.RsThreshold != 0 {
		out.RsThreshold = override.RsThreshold
	}
	return out
}
