package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

// CandleCache wraps a PoolReader with an in-memory, optionally
// disk-backed cache keyed by pool address and timeframe, adapted from
// the teacher's internal/data.Store: same on-disk JSON layout and
// load-on-miss behavior, generalized from symbol/timeframe files to
// pool/timeframe files so a worker restart doesn't need to re-fetch a
// full history window from the chain.
type CandleCache struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string // empty disables disk persistence
	reader  PoolReader
	cache   map[string][]types.Candle
}

// NewCandleCache constructs a CandleCache. dataDir may be empty, in
// which case the cache is purely in-memory for the process lifetime.
func NewCandleCache(logger *zap.Logger, reader PoolReader, dataDir string) (*CandleCache, error) {
	c := &CandleCache{
		logger:  logger.Named("candlecache"),
		dataDir: dataDir,
		reader:  reader,
		cache:   make(map[string][]types.Candle),
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create candle cache dir: %w", err)
		}
	}
	return c, nil
}

func cacheKey(pool types.PoolConfig, tf types.Timeframe) string {
	return fmt.Sprintf("%s_%s_%s", pool.Chain, pool.Address, tf)
}

func (c *CandleCache) filePath(key string) string {
	return filepath.Join(c.dataDir, key+".json")
}

// Candles returns candles for pool/tf with TsMs >= sinceMs, fetching
// from the chain client and merging into the cache on a miss, when the
// cache's oldest candle is newer than sinceMs, or when its newest candle
// is older than sinceMs.
func (c *CandleCache) Candles(ctx context.Context, pool types.PoolConfig, tf types.Timeframe, sinceMs int64) ([]types.Candle, error) {
	key := cacheKey(pool, tf)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()

	if !ok {
		loaded, err := c.loadFromDisk(key)
		if err == nil {
			cached = loaded
			ok = len(loaded) > 0
		}
	}

	needsFetch := !ok || len(cached) == 0 || cached[0].TsMs > sinceMs || cached[len(cached)-1].TsMs < sinceMs
	if needsFetch {
		fresh, err := c.reader.FetchCandles(ctx, pool, tf, sinceMs)
		if err != nil {
			if ok {
				c.logger.Warn("candle fetch failed, serving stale cache", zap.String("key", key), zap.Error(err))
				return filterSince(cached, sinceMs), nil
			}
			return nil, fmt.Errorf("fetch candles for %s: %w", key, err)
		}
		merged := mergeCandles(cached, fresh)
		c.mu.Lock()
		c.cache[key] = merged
		c.mu.Unlock()
		if c.dataDir != "" {
			if err := c.saveToDisk(key, merged); err != nil {
				c.logger.Warn("failed to persist candle cache", zap.String("key", key), zap.Error(err))
			}
		}
		cached = merged
	}

	return filterSince(cached, sinceMs), nil
}

func filterSince(candles []types.Candle, sinceMs int64) []types.Candle {
	out := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if c.TsMs >= sinceMs {
			out = append(out, c)
		}
	}
	return out
}

func mergeCandles(existing, fresh []types.Candle) []types.Candle {
	byTs := make(map[int64]types.Candle, len(existing)+len(fresh))
	for _, c := range existing {
		byTs[c.TsMs] = c
	}
	for _, c := range fresh {
		byTs[c.TsMs] = c
	}
	merged := make([]types.Candle, 0, len(byTs))
	for _, c := range byTs {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TsMs < merged[j].TsMs })
	return merged
}

func (c *CandleCache) loadFromDisk(key string) ([]types.Candle, error) {
	if c.dataDir == "" {
		return nil, fmt.Errorf("disk persistence disabled")
	}
	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		return nil, err
	}
	var candles []types.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("parse cached candles for %s: %w", key, err)
	}
	return candles, nil
}

func (c *CandleCache) saveToDisk(key string, candles []types.Candle) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles for %s: %w", key, err)
	}
	return os.WriteFile(c.filePath(key), data, 0o644)
}

// Clear drops the in-memory cache, forcing the next Candles call to
// refetch from the chain (disk persistence, if enabled, is untouched).
func (c *CandleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string][]types.Candle)
}
