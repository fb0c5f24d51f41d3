package execution_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/execution"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeClient struct {
	burnFails   int // fail this many times before succeeding
	burnCalls   int
	mintCalls   int
	mintedSizes []*big.Int
	bridgeCalls int
	swapCalls   int
}

func (f *fakeClient) FetchSnapshot(context.Context, types.PoolConfig) (types.PoolSnapshot, error) {
	return types.PoolSnapshot{}, nil
}
func (f *fakeClient) FetchCandles(context.Context, types.PoolConfig, types.Timeframe, int64) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeClient) Mint(_ context.Context, req chainclient.MintRequest) (chainclient.MintResult, error) {
	f.mintCalls++
	f.mintedSizes = append(f.mintedSizes, req.Amount0)
	return chainclient.MintResult{
		VenuePositionID: fmt.Sprintf("pos-%d", f.mintCalls),
		Liquidity:       big.NewInt(1000),
		Amount0Used:     req.Amount0,
		Amount1Used:     big.NewInt(0),
		GasUsd:          1.5,
	}, nil
}

func (f *fakeClient) Burn(context.Context, chainclient.BurnRequest) (chainclient.BurnResult, error) {
	f.burnCalls++
	if f.burnCalls <= f.burnFails {
		return chainclient.BurnResult{}, fmt.Errorf("rpc timeout")
	}
	return chainclient.BurnResult{Amount0: big.NewInt(500), Amount1: big.NewInt(500), GasUsd: 2.0}, nil
}

func (f *fakeClient) Swap(context.Context, chainclient.SwapRequest) (chainclient.SwapResult, error) {
	f.swapCalls++
	return chainclient.SwapResult{AmountOut: big.NewInt(10), GasUsd: 1.0}, nil
}

func (f *fakeClient) Bridge(context.Context, chainclient.BridgeRequest) (chainclient.BridgeResult, error) {
	f.bridgeCalls++
	return chainclient.BridgeResult{AmountReceived: big.NewInt(100), GasUsd: 3.0}, nil
}

var _ chainclient.Client = (*fakeClient)(nil)

func newExecutor(t *testing.T, clients map[types.Chain]chainclient.Client) *execution.Executor {
	t.Helper()
	registry := chainclient.NewRegistry(clients)
	sink := eventsink.New(zap.NewNop(), eventsink.DefaultConfig())
	t.Cleanup(sink.Stop)
	return execution.New(zap.NewNop(), registry, sink, execution.DefaultConfig())
}

func TestPRAAbortsOnFirstBurnFailure(t *testing.T) {
	client := &fakeClient{burnFails: 99} // always fails
	exec := newExecutor(t, map[types.Chain]chainclient.Client{"ethereum": client})

	positions := []types.Position{
		{ID: "p1", PoolID: "pool1", Chain: "ethereum"},
		{ID: "p2", PoolID: "pool2", Chain: "ethereum"},
	}

	result, err := exec.ExecutePRA(context.Background(), execution.PRAInput{
		Positions: positions,
		PerChainBalance0: map[types.Chain]*big.Int{"ethereum": big.NewInt(1_000_000)},
	})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if !result.Aborted {
		t.Fatal("expected result.Aborted = true")
	}
	if client.burnCalls != execution.DefaultConfig().BurnRetries {
		t.Fatalf("expected %d burn attempts, got %d", execution.DefaultConfig().BurnRetries, client.burnCalls)
	}
	if client.mintCalls != 0 {
		t.Fatalf("expected no mints after abort, got %d", client.mintCalls)
	}
}

func TestPRABurnsThenMintsAllPositions(t *testing.T) {
	client := &fakeClient{}
	exec := newExecutor(t, map[types.Chain]chainclient.Client{"ethereum": client})

	positions := []types.Position{
		{ID: "p1", PoolID: "pool1", Chain: "ethereum"},
		{ID: "p2", PoolID: "pool2", Chain: "ethereum"},
	}
	targets := []types.AllocationEntry{
		{PoolID: "pool1", Chain: "ethereum", Fraction: 0.6, ExpectedApr: 0.1},
		{PoolID: "pool2", Chain: "ethereum", Fraction: 0.4, ExpectedApr: 0.05},
	}

	result, err := exec.ExecutePRA(context.Background(), execution.PRAInput{
		Price:             100,
		RangeParams:       types.DefaultRangeParams(),
		Positions:         positions,
		Targets:           targets,
		PerChainBalance0:  map[types.Chain]*big.Int{"ethereum": big.NewInt(1_000_000)},
		ChainTargetWeight: map[types.Chain]float64{"ethereum": 1.0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.BurnedPositions) != 2 {
		t.Fatalf("expected 2 burned positions, got %d", len(result.BurnedPositions))
	}
	if len(result.MintedPositions) != 2 {
		t.Fatalf("expected 2 minted positions, got %d", len(result.MintedPositions))
	}
	if client.mintCalls != 2 {
		t.Fatalf("expected 2 mint calls, got %d", client.mintCalls)
	}
}

func TestRSRetriesTransientBurnFailureAndMintsAll(t *testing.T) {
	client := &fakeClient{burnFails: 1} // first burn call fails, rest succeed
	exec := newExecutor(t, map[types.Chain]chainclient.Client{"ethereum": client})

	positions := []types.Position{
		{ID: "p1", PoolID: "pool1", Chain: "ethereum", EntryValueUsd: decimal.NewFromInt(1000)},
		{ID: "p2", PoolID: "pool2", Chain: "ethereum", EntryValueUsd: decimal.NewFromInt(1000)},
	}
	shifts := []types.RangeShift{
		{PoolID: "pool1", Chain: "ethereum", New: types.Interval{Min: 90, Max: 110}},
		{PoolID: "pool2", Chain: "ethereum", New: types.Interval{Min: 95, Max: 105}},
	}

	result, err := exec.ExecuteRS(context.Background(), execution.RSInput{
		Positions:        positions,
		Shifts:           shifts,
		PerChainBalance0: map[types.Chain]*big.Int{"ethereum": big.NewInt(1_000_000)},
		Price:            100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// burn for p1's first attempt fails once, then succeeds on retry
	// (BurnRetries=3 covers the one failure), so both positions should
	// ultimately burn successfully and both should mint.
	if len(result.BurnedPositions) != 2 {
		t.Fatalf("expected 2 burned positions, got %d", len(result.BurnedPositions))
	}
	if len(result.MintedPositions) != 2 {
		t.Fatalf("expected 2 minted positions, got %d", len(result.MintedPositions))
	}
}

func TestKillSwitchBlocksDispatch(t *testing.T) {
	client := &fakeClient{}
	exec := newExecutor(t, map[types.Chain]chainclient.Client{"ethereum": client})
	exec.ActivateKillSwitch()

	_, err := exec.ExecutePRA(context.Background(), execution.PRAInput{
		Positions: []types.Position{{ID: "p1", PoolID: "pool1", Chain: "ethereum"}},
	})
	if err == nil {
		t.Fatal("expected kill switch to block dispatch")
	}
	if client.burnCalls != 0 {
		t.Fatalf("expected no burn calls while kill switch active, got %d", client.burnCalls)
	}
}
