// Package chainclient defines the out-of-core boundary between a pair
// worker and the chains/DEXes it manages positions on. Concrete clients
// (EVM JSON-RPC, Solana RPC, a bridge aggregator) live outside this
// module's scope per spec.md's non-goals; this package is the contract
// the scheduler, execution, and the rest of the worker code against, the
// same way the teacher isolated exchange access behind its (now removed)
// internal/blockchain adapters.
package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/atlas-desktop/clm-worker/pkg/types"
)

// PoolReader fetches read-only pool state and OHLC history.
type PoolReader interface {
	// FetchSnapshot returns the pool's current exchange rate, TVL, 24h
	// volume, fee fraction, token USD prices and price changes.
	FetchSnapshot(ctx context.Context, pool types.PoolConfig) (types.PoolSnapshot, error)
	// FetchCandles returns candles for pool at timeframe tf, with
	// TsMs >= sinceMs, oldest first.
	FetchCandles(ctx context.Context, pool types.PoolConfig, tf types.Timeframe, sinceMs int64) ([]types.Candle, error)
}

// MintRequest opens a new concentrated-liquidity position.
type MintRequest struct {
	Pool        types.PoolConfig
	LowerTick   int64
	UpperTick   int64
	IsBinBased  bool
	Amount0     *big.Int
	Amount1     *big.Int
}

// MintResult is what the venue returns after a successful mint.
type MintResult struct {
	VenuePositionID string
	Liquidity       *big.Int
	Amount0Used     *big.Int
	Amount1Used     *big.Int
	GasUsd          float64
}

// BurnRequest closes an existing position in full.
type BurnRequest struct {
	Pool            types.PoolConfig
	VenuePositionID string
}

// BurnResult is what the venue returns after a successful burn.
type BurnResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
	GasUsd  float64
}

// SwapRequest rebalances the token0/token1 split before a mint.
type SwapRequest struct {
	Pool       types.PoolConfig
	AmountIn   *big.Int
	Token0In   bool // true: selling token0 for token1
	MaxSlippageBps int
}

// SwapResult is what the venue returns after a successful swap.
type SwapResult struct {
	AmountOut *big.Int
	GasUsd    float64
}

// PositionManager mutates on-chain liquidity positions.
type PositionManager interface {
	Mint(ctx context.Context, req MintRequest) (MintResult, error)
	Burn(ctx context.Context, req BurnRequest) (BurnResult, error)
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
}

// BridgeRequest moves capital from one chain to another ahead of a
// cross-chain reallocation.
type BridgeRequest struct {
	FromChain types.Chain
	ToChain   types.Chain
	Token     string
	Amount    *big.Int
}

// BridgeResult is what the bridge returns once funds are confirmed on
// the destination chain.
type BridgeResult struct {
	AmountReceived *big.Int
	GasUsd         float64
}

// Bridger moves capital across chains.
type Bridger interface {
	Bridge(ctx context.Context, req BridgeRequest) (BridgeResult, error)
}

// Client is the full per-chain surface a worker needs: reads, position
// mutation, and cross-chain transfer.
type Client interface {
	PoolReader
	PositionManager
	Bridger
}

// Registry resolves a types.Chain to its Client, so a multi-pool pair
// that spans chains (per spec.md's cross-chain reallocation) can route
// each operation to the right backend.
type Registry struct {
	clients map[types.Chain]Client
}

// NewRegistry builds a Registry from a chain-to-client map.
func NewRegistry(clients map[types.Chain]Client) *Registry {
	return &Registry{clients: clients}
}

// For returns the Client registered for chain, or false if none is.
func (r *Registry) For(chain types.Chain) (Client, bool) {
	c, ok := r.clients[chain]
	return c, ok
}

// RegistryReader adapts a Registry into a single PoolReader, routing each
// call to the client registered for that pool's chain. This is what
// CandleCache is built against in cmd/worker, since the cache only needs
// read access and shouldn't care how many chains a pair spans.
type RegistryReader struct {
	Registry *Registry
}

func (r RegistryReader) FetchSnapshot(ctx context.Context, pool types.PoolConfig) (types.PoolSnapshot, error) {
	client, ok := r.Registry.For(pool.Chain)
	if !ok {
		return types.PoolSnapshot{}, fmt.Errorf("chainclient: no client registered for chain %q", pool.Chain)
	}
	return client.FetchSnapshot(ctx, pool)
}

func (r RegistryReader) FetchCandles(ctx context.Context, pool types.PoolConfig, tf types.Timeframe, sinceMs int64) ([]types.Candle, error) {
	client, ok := r.Registry.For(pool.Chain)
	if !ok {
		return nil, fmt.Errorf("chainclient: no client registered for chain %q", pool.Chain)
	}
	return client.FetchCandles(ctx, pool, tf, sinceMs)
}
