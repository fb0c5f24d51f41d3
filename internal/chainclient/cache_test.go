package chainclient_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

type stubReader struct {
	calls   int
	candles []types.Candle
	err     error
}

func (s *stubReader) FetchSnapshot(context.Context, types.PoolConfig) (types.PoolSnapshot, error) {
	return types.PoolSnapshot{}, nil
}

func (s *stubReader) FetchCandles(_ context.Context, _ types.PoolConfig, _ types.Timeframe, sinceMs int64) ([]types.Candle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []types.Candle
	for _, c := range s.candles {
		if c.TsMs >= sinceMs {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ chainclient.PoolReader = (*stubReader)(nil)

func pool() types.PoolConfig {
	return types.PoolConfig{Chain: "ethereum", Address: "0xabc", Dex: "uniswap-v3"}
}

func TestCandlesFetchesOnMiss(t *testing.T) {
	reader := &stubReader{candles: []types.Candle{{TsMs: 100}, {TsMs: 200}, {TsMs: 300}}}
	cache, err := chainclient.NewCandleCache(zap.NewNop(), reader, "")
	if err != nil {
		t.Fatal(err)
	}

	candles, err := cache.Candles(context.Background(), pool(), types.TimeframeM15, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(candles))
	}
	if reader.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", reader.calls)
	}
}

func TestCandlesServesStaleCacheOnFetchError(t *testing.T) {
	reader := &stubReader{candles: []types.Candle{{TsMs: 100}}}
	cache, err := chainclient.NewCandleCache(zap.NewNop(), reader, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Candles(context.Background(), pool(), types.TimeframeM15, 0); err != nil {
		t.Fatal(err)
	}

	reader.err = context.DeadlineExceeded
	candles, err := cache.Candles(context.Background(), pool(), types.TimeframeM15, 0)
	if err != nil {
		t.Fatalf("expected stale cache fallback, got error: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 stale candle served, got %d", len(candles))
	}
}

func TestCandlesPersistsToDisk(t *testing.T) {
	reader := &stubReader{candles: []types.Candle{{TsMs: 100}, {TsMs: 200}}}
	dir := t.TempDir()
	cache, err := chainclient.NewCandleCache(zap.NewNop(), reader, dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Candles(context.Background(), pool(), types.TimeframeH1, 0); err != nil {
		t.Fatal(err)
	}

	cache2, err := chainclient.NewCandleCache(zap.NewNop(), reader, dir)
	if err != nil {
		t.Fatal(err)
	}
	reader.err = context.DeadlineExceeded
	candles, err := cache2.Candles(context.Background(), pool(), types.TimeframeH1, 0)
	if err != nil {
		t.Fatalf("expected disk-loaded cache to serve despite fetch error, got %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles loaded from disk, got %d", len(candles))
	}
}
